package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"babelpack/internal/compiler"
	"babelpack/internal/config"
	"babelpack/internal/logging"
	"babelpack/internal/pipeline"
	"babelpack/internal/runstate"
	"babelpack/internal/trace"
)

type CLIResult struct {
	ExitCode int
	RunID    string

	// Pipeline is nil when the run never started.
	Pipeline  *pipeline.Result
	TraceHash string
}

// Execute runs a canonical invocation with the process logger and the
// configured compiler.
func Execute(ctx context.Context, inv CLIInvocation) (CLIResult, error) {
	return ExecuteWithCompiler(ctx, inv, nil, logging.ConfigureRuntime())
}

// ExecuteWithCompiler maps a canonical invocation onto a pipeline run.
//
// Settings and the service file are loaded and validated first; a
// configuration failure returns ExitConfigError before anything on disk is
// written, run records included. After that the run is recorded in the state
// directory, the trace is written even on panic, and the outcome is
// translated to an exit code. A nil compiler runs the configured executable.
func ExecuteWithCompiler(ctx context.Context, inv CLIInvocation, c pipeline.Compiler, log zerolog.Logger) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError

	settings, err := config.LoadSettings(inv.ServiceDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	settings = inv.Overrides.Apply(settings)

	svc, err := config.Load(inv.ConfigPath)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	trig := inv.Trigger()
	targets, err := pipeline.ResolveTargets(inv.ServiceDir, svc, trig)
	if err != nil {
		res.ExitCode = runstate.ExitCodeFor(err)
		return res, err
	}

	if c == nil {
		ex := compiler.NewExecutor(settings.Compiler, settings.Timeout)
		ex.WorkingDir = inv.ServiceDir
		c = ex
	}

	// Run records are best effort: a state directory that cannot be written
	// must not stop packaging.
	var rec *runstate.Recorder
	var run runstate.Run
	if st, err := runstate.NewStore(inv.StateDir); err == nil {
		rec = &runstate.Recorder{Store: st}
		res.RunID = rec.NewRunID()
		if run, err = rec.StartRun(res.RunID, svc.Stage, trig, targets); err != nil {
			log.Warn().Err(err).Str("dir", inv.StateDir).Msg("could not record run")
			rec = nil
		}
	}

	recorder := trace.NewRecorder()
	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			res.Pipeline = nil
			execErr = &runstate.SystemFailureError{Code: "Panic", Message: fmt.Sprintf("panic: %v", r)}
		}
		hash, terr := finalizeTrace(inv, recorder.Trace(inv.Event))
		res.TraceHash = hash
		if terr != nil {
			log.Error().Err(terr).Str("path", inv.Trace.Path).Msg("could not write trace")
			if execErr == nil {
				res.ExitCode = ExitInternalError
				execErr = terr
			}
		}
		if rec != nil {
			if _, err := rec.FinishRun(run, res.Pipeline, hash, execErr); err != nil {
				log.Warn().Err(err).Str("run", run.RunID).Msg("could not record run result")
			}
		}
	}()

	orch := &pipeline.Orchestrator{
		ServicePath: inv.ServiceDir,
		Compiler:    c,
		Ignore:      settings.Ignore,
		Parallelism: settings.Parallelism,
		Logger:      log.With().Str("service", svc.Name).Str("stage", svc.Stage).Logger(),
		Sink:        recorder,
	}
	pres, err := orch.Run(ctx, svc, trig)
	res.Pipeline = pres
	res.ExitCode = runstate.ExitCodeFor(err)
	return res, err
}

func finalizeTrace(inv CLIInvocation, tr trace.ExecutionTrace) (string, error) {
	b, err := tr.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("encode trace: %w", err)
	}
	hash := trace.ComputeTraceHash(b)
	if !inv.Trace.Enabled {
		return hash, nil
	}
	if err := runstate.WriteFileAtomic(inv.Trace.Path, append(b, '\n'), 0o644); err != nil {
		return hash, fmt.Errorf("write trace: %w", err)
	}
	return hash, nil
}
