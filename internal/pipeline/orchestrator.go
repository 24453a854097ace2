package pipeline

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"babelpack/internal/archive"
	"babelpack/internal/compiler"
	"babelpack/internal/config"
	"babelpack/internal/trace"
)

// Compiler runs the external compiler. *compiler.Executor implements it.
type Compiler interface {
	Run(ctx context.Context, inv compiler.Invocation) (*compiler.Result, error)
}

// Orchestrator sequences extract, compile, archive and cleanup for every
// target of a trigger.
type Orchestrator struct {
	// ServicePath is the absolute service directory.
	ServicePath string

	Compiler Compiler

	// Ignore is passed to the compiler and guarded afterwards. Empty
	// disables both.
	Ignore string

	// Parallelism caps concurrently processed targets. Zero means no cap.
	Parallelism int

	Logger zerolog.Logger

	// Sink receives every state transition. Nil discards them.
	Sink trace.Sink

	// removeAll deletes extraction trees; nil means os.RemoveAll.
	removeAll func(path string) error
}

func (o *Orchestrator) remove(path string) error {
	if o.removeAll != nil {
		return o.removeAll(path)
	}
	return os.RemoveAll(path)
}

// Run validates svc, resolves the targets of trig and transforms each one.
//
// Nothing on disk is touched before svc and the trigger are known to be
// valid. Target failures are joined in target order; targets that completed
// are kept and reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, svc *config.Service, trig Trigger) (*Result, error) {
	if o == nil || o.Compiler == nil {
		return nil, errors.New("orchestrator: compiler is required")
	}
	if err := svc.Validate(); err != nil {
		return nil, err
	}
	targets, err := ResolveTargets(o.ServicePath, svc, trig)
	if err != nil {
		return nil, err
	}

	tracker := NewTracker(targets, o.Sink)
	o.Logger.Info().
		Str("event", trig.Event).
		Int("targets", len(targets)).
		Strs("presets", svc.Presets).
		Msg("packaging started")

	artifacts := make([]*Artifact, len(targets))
	errs := make([]error, len(targets))
	cleanup := make([]*CleanupError, len(targets))

	var g errgroup.Group
	if o.Parallelism > 0 {
		g.SetLimit(o.Parallelism)
	}
	for i, t := range targets {
		i, t := i, t
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					_ = tracker.Fail(t.Name, tracker.State(t.Name), "panic")
					_ = o.remove(t.WorkDir)
					err = &PanicError{Target: t.Name, Value: r}
					errs[i] = err
				}
			}()
			art, cerr, err := o.runTarget(ctx, tracker, svc, t)
			artifacts[i] = art
			cleanup[i] = cerr
			errs[i] = err
			return err
		})
	}
	_ = g.Wait()

	res := &Result{States: tracker.Snapshot()}
	for i := range targets {
		if artifacts[i] != nil {
			res.Artifacts = append(res.Artifacts, *artifacts[i])
		}
		if cleanup[i] != nil {
			res.CleanupErrors = append(res.CleanupErrors, cleanup[i])
		}
	}
	if err := errors.Join(errs...); err != nil {
		o.Logger.Error().Err(err).Msg("packaging failed")
		return res, err
	}
	o.Logger.Info().Int("artifacts", len(res.Artifacts)).Msg("packaging finished")
	return res, nil
}

// runTarget walks one target through the state machine. The returned
// cleanup error is non-fatal and only set when the bundle was rewritten.
func (o *Orchestrator) runTarget(ctx context.Context, tr *Tracker, svc *config.Service, t Target) (*Artifact, *CleanupError, error) {
	log := o.Logger.With().Str("target", t.Name).Logger()
	state := StateIdle
	advance := func(to State) error {
		if err := tr.Advance(t.Name, state, to); err != nil {
			return err
		}
		log.Debug().Str("from", string(state)).Str("to", string(to)).Msg("transition")
		state = to
		return nil
	}
	extracted := false
	fail := func(err error) error {
		if extracted {
			if rerr := o.remove(t.WorkDir); rerr != nil {
				log.Warn().Err(rerr).Str("dir", t.WorkDir).Msg("could not remove extraction directory")
			}
		}
		failedIn := state
		if terr := tr.Fail(t.Name, failedIn, failureReason(err)); terr != nil {
			err = errors.Join(err, terr)
		}
		log.Error().Err(err).Str("state", string(failedIn)).Msg("target failed")
		return &TargetError{Target: t.Name, State: failedIn, Err: err}
	}

	if err := advance(StateValidating); err != nil {
		return nil, nil, fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fail(err)
	}
	if err := validName(t.Name); err != nil {
		return nil, nil, fail(err)
	}
	if fi, err := os.Stat(t.Archive); err != nil {
		return nil, nil, fail(&archive.IOError{Op: "stat", Path: t.Archive, Err: err})
	} else if !fi.Mode().IsRegular() {
		return nil, nil, fail(&archive.IOError{Op: "stat", Path: t.Archive, Err: errors.New("not a regular file")})
	}

	if err := advance(StateExtracting); err != nil {
		return nil, nil, fail(err)
	}
	extracted = true
	if err := o.remove(t.WorkDir); err != nil {
		return nil, nil, fail(&archive.IOError{Op: "remove", Path: t.WorkDir, Err: err})
	}
	if err := archive.Decode(t.Archive, t.WorkDir); err != nil {
		return nil, nil, fail(err)
	}

	if err := advance(StateCompiling); err != nil {
		return nil, nil, fail(err)
	}
	var guard *compiler.Snapshot
	if o.Ignore != "" {
		snap, err := compiler.TakeSnapshot(t.WorkDir, o.Ignore)
		if err != nil {
			return nil, nil, fail(err)
		}
		guard = snap
	}
	res, err := o.Compiler.Run(ctx, compiler.Invocation{
		Dir:     t.WorkDir,
		OutDir:  t.WorkDir,
		Ignore:  o.Ignore,
		Presets: svc.Presets,
	})
	if err != nil {
		return nil, nil, fail(err)
	}
	if res != nil {
		log.Info().Dur("took", res.Duration).Msg("Babel compilation:\n" + strings.TrimRight(string(res.Stdout), "\n"))
	}
	if err := guard.Verify(t.WorkDir); err != nil {
		return nil, nil, fail(err)
	}

	if err := advance(StateArchiving); err != nil {
		return nil, nil, fail(err)
	}
	path, err := archive.Encode(t.WorkDir, t.Archive)
	if err != nil {
		return nil, nil, fail(err)
	}
	art, err := describe(t.Name, path)
	if err != nil {
		return nil, nil, fail(err)
	}
	log.Info().Str("archive", art.Path).Str("digest", art.Digest).Int("entries", art.Entries).Msg("bundle rewritten")

	if err := advance(StateCleaning); err != nil {
		return nil, nil, fail(err)
	}
	var cleanupErr *CleanupError
	if err := o.remove(t.WorkDir); err != nil {
		cleanupErr = &CleanupError{Target: t.Name, Path: t.WorkDir, Err: err}
		tr.Note(t.Name, trace.EventTargetCleanupFailed)
		log.Warn().Err(err).Str("dir", t.WorkDir).Msg("cleanup failed")
	}
	if err := advance(StateDone); err != nil {
		return nil, nil, fail(err)
	}
	return art, cleanupErr, nil
}

func describe(target, path string) (*Artifact, error) {
	digest, err := archive.Digest(path)
	if err != nil {
		return nil, err
	}
	headers, err := archive.Inspect(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{Target: target, Path: path, Digest: digest, Entries: len(headers)}, nil
}

// failureReason is the stable reason code recorded on the trace.
func failureReason(err error) string {
	var (
		ioErr   *archive.IOError
		fmtErr  *archive.FormatError
		compErr *compiler.Error
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &fmtErr):
		return "archive_format"
	case errors.As(err, &ioErr):
		return "io"
	case errors.As(err, &compErr):
		return "compiler"
	default:
		return "other"
	}
}
