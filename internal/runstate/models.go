package runstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"babelpack/internal/pipeline"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted record of one packaging run.
type Run struct {
	RunID     string     `json:"run_id"`
	Event     string     `json:"event"`
	Stage     string     `json:"stage,omitempty"`
	Function  string     `json:"function,omitempty"`
	Targets   []string   `json:"targets"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Status    RunStatus  `json:"status"`

	Artifacts []pipeline.Artifact `json:"artifacts,omitempty"`

	// CleanupWarnings are non-fatal cleanup failures.
	CleanupWarnings []string `json:"cleanup_warnings,omitempty"`

	// TraceHash identifies the transition trace of a finished run.
	TraceHash string `json:"trace_hash,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if !pipeline.IsKnownEvent(r.Event) {
		errs = append(errs, fmt.Errorf("invalid event %q", r.Event))
	}
	if r.Targets == nil {
		errs = append(errs, errors.New("targets must be an array (not null)"))
	}
	for i, t := range r.Targets {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Errorf("targets[%d] must not be empty", i))
		}
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("end_time must be null while running"))
		}
	case RunStatusSucceeded, RunStatusFailed:
		if r.EndTime == nil {
			errs = append(errs, errors.New("end_time is required once finished"))
		} else if r.EndTime.Before(r.StartTime) {
			errs = append(errs, errors.New("end_time precedes start_time"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfiguration FailureClass = "configuration"
	FailureClassIO            FailureClass = "io"
	FailureClassArchiveFormat FailureClass = "archive_format"
	FailureClassCompiler      FailureClass = "compiler"
	FailureClassCleanup       FailureClass = "cleanup"
	FailureClassCancelled     FailureClass = "cancelled"
	FailureClassSystem        FailureClass = "system"
)

// Failure is the recorded reason a run failed.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Target       *string      `json:"target,omitempty"`
	State        string       `json:"state,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfiguration, FailureClassIO, FailureClassArchiveFormat,
		FailureClassCompiler, FailureClassCleanup, FailureClassCancelled, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Target != nil && strings.TrimSpace(*f.Target) == "" {
		errs = append(errs, errors.New("target must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
