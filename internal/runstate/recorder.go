package runstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"babelpack/internal/pipeline"
)

// Recorder writes run.json and failure.json for packaging runs.
type Recorder struct {
	Store *Store

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunID returns a random run identifier.
func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

// StartRun persists a running record for the resolved targets of a service
// deployed to stage.
func (r *Recorder) StartRun(runID, stage string, trig pipeline.Trigger, targets []pipeline.Target) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	run := Run{
		RunID:     runID,
		Event:     trig.Event,
		Stage:     stage,
		Function:  trig.Function,
		Targets:   names,
		StartTime: r.now(),
		Status:    RunStatusRunning,
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run: %w", err)
	}
	return run, r.Store.SaveRun(run)
}

// FinishRun marks run finished. When runErr is non-nil the run is marked
// failed and failure.json is written as well.
func (r *Recorder) FinishRun(run Run, res *pipeline.Result, traceHash string, runErr error) (Run, error) {
	if r == nil || r.Store == nil {
		return run, errors.New("Store is required")
	}
	end := r.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.TraceHash = traceHash
	run.Status = RunStatusSucceeded
	if runErr != nil {
		run.Status = RunStatusFailed
	}
	if res != nil {
		run.Artifacts = res.Artifacts
		for _, ce := range res.CleanupErrors {
			run.CleanupWarnings = append(run.CleanupWarnings, ce.Error())
		}
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	if runErr != nil {
		if err := r.Store.SaveFailure(run.RunID, FailureFromError(runErr)); err != nil {
			return run, err
		}
	}
	return run, nil
}
