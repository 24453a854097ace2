package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"babelpack/internal/archive"
	"babelpack/internal/compiler"
	"babelpack/internal/config"
	"babelpack/internal/trace"
)

type file struct {
	body string
	mode fs.FileMode
}

// fakeCompiler rewrites every .js file outside node_modules in place,
// unless fn decides otherwise.
type fakeCompiler struct {
	mu    sync.Mutex
	calls []compiler.Invocation
	fn    func(inv compiler.Invocation) error
}

func (f *fakeCompiler) Run(_ context.Context, inv compiler.Invocation) (*compiler.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(inv); err != nil {
			return &compiler.Result{ExitCode: 1}, err
		}
		return &compiler.Result{Stdout: []byte("ok\n")}, nil
	}
	return &compiler.Result{Stdout: []byte("compiled\n")}, compileTree(inv.Dir)
}

func (f *fakeCompiler) invocations() []compiler.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compiler.Invocation(nil), f.calls...)
}

func compileTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == "node_modules" {
			return filepath.SkipDir
		}
		if d.IsDir() || !strings.HasSuffix(p, ".js") {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		// WriteFile keeps the existing mode of p.
		return os.WriteFile(p, append([]byte("\"use strict\";\n"), b...), 0o600)
	})
}

func writeBundle(t *testing.T, servicePath, name string, files map[string]file) string {
	t.Helper()
	src := t.TempDir()
	for rel, f := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f.body), f.mode))
		require.NoError(t, os.Chmod(p, f.mode))
	}
	out, err := archive.Encode(src, filepath.Join(servicePath, ArtifactDir, name+".zip"))
	require.NoError(t, err)
	return out
}

func readBundle(t *testing.T, path string) map[string]file {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, archive.Decode(path, dir))
	entries, err := archive.List(dir)
	require.NoError(t, err)
	out := map[string]file{}
	for _, e := range entries {
		b, err := os.ReadFile(e.Source)
		require.NoError(t, err)
		out[e.Path] = file{body: string(b), mode: e.Mode}
	}
	return out
}

func newOrchestrator(t *testing.T, servicePath string, c Compiler) *Orchestrator {
	return &Orchestrator{
		ServicePath: servicePath,
		Compiler:    c,
		Ignore:      compiler.DefaultIgnore,
		Logger:      zerolog.New(zerolog.NewTestWriter(t)),
	}
}

func service(name string, presets ...string) *config.Service {
	return &config.Service{Name: name, Stage: "dev", Presets: presets, Source: "serverless.yml"}
}

func TestRun_CompilesServiceBundle(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{
		"handler.js":          {body: "export const h = () => 1;\n", mode: 0o644},
		"node_modules/dep.js": {body: "module.exports = 1;\n", mode: 0o644},
		"bin/run.sh":          {body: "#!/bin/sh\n", mode: 0o755},
	})

	fc := &fakeCompiler{}
	rec := trace.NewRecorder()
	o := newOrchestrator(t, svcDir, fc)
	o.Sink = rec

	res, err := o.Run(context.Background(), service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	require.NoError(t, err)
	require.Equal(t, []string{bundle}, res.Paths())
	require.Empty(t, res.CleanupErrors)
	require.Equal(t, States{"myservice": StateDone}, res.States)

	digest, err := archive.Digest(bundle)
	require.NoError(t, err)
	require.Equal(t, digest, res.Artifacts[0].Digest)
	require.Equal(t, 3, res.Artifacts[0].Entries)

	got := readBundle(t, bundle)
	require.Equal(t, file{body: "\"use strict\";\nexport const h = () => 1;\n", mode: 0o644}, got["handler.js"])
	require.Equal(t, file{body: "module.exports = 1;\n", mode: 0o644}, got["node_modules/dep.js"])
	require.Equal(t, fs.FileMode(0o755), got["bin/run.sh"].mode)

	calls := fc.invocations()
	require.Len(t, calls, 1)
	workDir := filepath.Join(svcDir, ArtifactDir, "myservice")
	require.Equal(t, compiler.Invocation{Dir: workDir, OutDir: workDir, Ignore: compiler.DefaultIgnore, Presets: []string{"env"}}, calls[0])

	_, err = os.Stat(workDir)
	require.True(t, os.IsNotExist(err), "extraction directory must be removed")

	tr := rec.Trace(EventCreateDeploymentArtifacts)
	require.Len(t, tr.Events, 6)
	require.Equal(t, string(StateDone), tr.Events[5].To)
}

func TestRun_InvalidConfigurationTouchesNothing(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{"handler.js": {body: "x", mode: 0o644}})
	before, err := os.ReadFile(bundle)
	require.NoError(t, err)

	fc := &fakeCompiler{}
	o := newOrchestrator(t, svcDir, fc)
	for i := 0; i < 2; i++ {
		res, err := o.Run(context.Background(), service("myservice"), Trigger{Event: EventCreateDeploymentArtifacts})
		require.Nil(t, res)
		var cerr *config.Error
		require.True(t, errors.As(err, &cerr))
		require.Contains(t, err.Error(), "babelPresets")
	}

	after, err := os.ReadFile(bundle)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Empty(t, fc.invocations())

	entries, err := os.ReadDir(filepath.Join(svcDir, ArtifactDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRun_CompilerFailureLeavesBundleByteIdentical(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{"handler.js": {body: "const = ;", mode: 0o644}})
	before, err := os.ReadFile(bundle)
	require.NoError(t, err)

	fc := &fakeCompiler{fn: func(inv compiler.Invocation) error {
		// Partial output before failing must not leak into the bundle.
		_ = os.WriteFile(filepath.Join(inv.Dir, "handler.js"), []byte("half"), 0o644)
		return &compiler.Error{ExitCode: 1, Stderr: "SyntaxError: handler.js: Unexpected token (1:6)"}
	}}
	rec := trace.NewRecorder()
	o := newOrchestrator(t, svcDir, fc)
	o.Sink = rec

	res, err := o.Run(context.Background(), service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	require.Error(t, err)
	require.Empty(t, res.Artifacts)
	require.Equal(t, States{"myservice": StateFailed}, res.States)

	var terr *TargetError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, "myservice", terr.Target)
	require.Equal(t, StateCompiling, terr.State)
	var cerr *compiler.Error
	require.True(t, errors.As(err, &cerr))
	require.Contains(t, err.Error(), "SyntaxError: handler.js: Unexpected token (1:6)")

	after, err := os.ReadFile(bundle)
	require.NoError(t, err)
	require.Equal(t, before, after)

	_, err = os.Stat(filepath.Join(svcDir, ArtifactDir, "myservice"))
	require.True(t, os.IsNotExist(err))

	events := rec.Trace(EventCreateDeploymentArtifacts).Events
	last := events[len(events)-1]
	require.Equal(t, string(StateFailed), last.To)
	require.Equal(t, "compiler", last.Reason)
}

func TestRun_IndividuallyPackagedFailureDoesNotRollBackSiblings(t *testing.T) {
	svcDir := t.TempDir()
	bundleA := writeBundle(t, svcDir, "shop-funcA", map[string]file{"a.js": {body: "a", mode: 0o644}})
	bundleB := writeBundle(t, svcDir, "shop-funcB", map[string]file{"b.js": {body: "b", mode: 0o644}})
	beforeA, err := os.ReadFile(bundleA)
	require.NoError(t, err)

	fc := &fakeCompiler{fn: func(inv compiler.Invocation) error {
		if filepath.Base(inv.Dir) == "shop-funcA" {
			return &compiler.Error{ExitCode: 2, Stderr: "funcA does not compile"}
		}
		return compileTree(inv.Dir)
	}}
	svc := service("shop", "env", "stage-2")
	svc.Individually = true
	svc.Functions = []config.Function{{Key: "funcA"}, {Key: "funcB"}}

	o := newOrchestrator(t, svcDir, fc)
	o.Parallelism = 1
	res, err := o.Run(context.Background(), svc, Trigger{Event: EventCreateDeploymentArtifacts})
	require.ErrorContains(t, err, "funcA does not compile")
	require.Equal(t, States{"shop-funcA": StateFailed, "shop-funcB": StateDone}, res.States)
	require.Equal(t, []string{bundleB}, res.Paths())

	afterA, err := os.ReadFile(bundleA)
	require.NoError(t, err)
	require.Equal(t, beforeA, afterA)
	require.Equal(t, "\"use strict\";\nb", readBundle(t, bundleB)["b.js"].body)

	for _, inv := range fc.invocations() {
		require.Equal(t, []string{"env", "stage-2"}, inv.Presets)
	}
}

func TestRun_TargetsAreIsolated(t *testing.T) {
	svcDir := t.TempDir()
	fns := []string{"f1", "f2", "f3", "f4"}
	for _, fn := range fns {
		writeBundle(t, svcDir, "svc-"+fn, map[string]file{"handler.js": {body: fn, mode: 0o644}})
	}

	fc := &fakeCompiler{fn: func(inv compiler.Invocation) error {
		name := filepath.Base(inv.Dir)
		if err := os.WriteFile(filepath.Join(inv.Dir, "owner.txt"), []byte(name), 0o644); err != nil {
			return err
		}
		return compileTree(inv.Dir)
	}}
	svc := service("svc", "env")
	svc.Individually = true
	for _, fn := range fns {
		svc.Functions = append(svc.Functions, config.Function{Key: fn})
	}

	res, err := newOrchestrator(t, svcDir, fc).Run(context.Background(), svc, Trigger{Event: EventCreateDeploymentArtifacts})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, len(fns))

	for i, fn := range fns {
		require.Equal(t, "svc-"+fn, res.Artifacts[i].Target)
		got := readBundle(t, res.Artifacts[i].Path)
		require.Len(t, got, 2)
		require.Equal(t, "svc-"+fn, got["owner.txt"].body)
		require.Equal(t, "\"use strict\";\n"+fn, got["handler.js"].body)
	}
}

func TestRun_SingleFunctionTrigger(t *testing.T) {
	svcDir := t.TempDir()
	writeBundle(t, svcDir, "shop-funcA", map[string]file{"a.js": {body: "a", mode: 0o644}})
	bundleB := writeBundle(t, svcDir, "shop-funcB", map[string]file{"b.js": {body: "b", mode: 0o644}})
	beforeB, err := os.ReadFile(bundleB)
	require.NoError(t, err)

	svc := service("shop", "env")
	svc.Functions = []config.Function{{Key: "funcA"}, {Key: "funcB"}}

	res, err := newOrchestrator(t, svcDir, &fakeCompiler{}).Run(context.Background(), svc, Trigger{Event: EventPackageFunction, Function: "funcA"})
	require.NoError(t, err)
	require.Len(t, res.Artifacts, 1)
	require.Equal(t, "shop-funcA", res.Artifacts[0].Target)

	afterB, err := os.ReadFile(bundleB)
	require.NoError(t, err)
	require.Equal(t, beforeB, afterB)
}

func TestRun_CompilerTouchingIgnoredPathsFails(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{
		"handler.js":          {body: "h", mode: 0o644},
		"node_modules/dep.js": {body: "d", mode: 0o644},
	})
	before, err := os.ReadFile(bundle)
	require.NoError(t, err)

	fc := &fakeCompiler{fn: func(inv compiler.Invocation) error {
		return os.WriteFile(filepath.Join(inv.Dir, "node_modules", "dep.js"), []byte("rewritten"), 0o644)
	}}
	_, err = newOrchestrator(t, svcDir, fc).Run(context.Background(), service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	var cerr *compiler.Error
	require.True(t, errors.As(err, &cerr))
	require.Contains(t, err.Error(), "node_modules/dep.js")

	after, err := os.ReadFile(bundle)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRun_MissingBundleFailsValidation(t *testing.T) {
	svcDir := t.TempDir()
	fc := &fakeCompiler{}
	_, err := newOrchestrator(t, svcDir, fc).Run(context.Background(), service("ghost", "env"), Trigger{Event: EventCreateDeploymentArtifacts})

	var terr *TargetError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, StateValidating, terr.State)
	var ioErr *archive.IOError
	require.True(t, errors.As(err, &ioErr))
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.Empty(t, fc.invocations())
}

func TestRun_CorruptBundleIsAnIOError(t *testing.T) {
	svcDir := t.TempDir()
	bundle := filepath.Join(svcDir, ArtifactDir, "broken.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(bundle), 0o755))
	require.NoError(t, os.WriteFile(bundle, []byte("not a zip"), 0o644))

	_, err := newOrchestrator(t, svcDir, &fakeCompiler{}).Run(context.Background(), service("broken", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	var terr *TargetError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, StateExtracting, terr.State)
	var ioErr *archive.IOError
	require.True(t, errors.As(err, &ioErr))

	b, err := os.ReadFile(bundle)
	require.NoError(t, err)
	require.Equal(t, "not a zip", string(b))
	_, err = os.Stat(filepath.Join(svcDir, ArtifactDir, "broken"))
	require.True(t, os.IsNotExist(err))
}

func TestRun_StaleExtractionDirectoryIsReplaced(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{"handler.js": {body: "h", mode: 0o644}})
	stale := filepath.Join(svcDir, ArtifactDir, "myservice", "leftover.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	_, err := newOrchestrator(t, svcDir, &fakeCompiler{}).Run(context.Background(), service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	require.NoError(t, err)

	got := readBundle(t, bundle)
	require.Len(t, got, 1)
	require.Contains(t, got, "handler.js")
}

func TestRun_CancelledContextFailsBeforeExtraction(t *testing.T) {
	svcDir := t.TempDir()
	writeBundle(t, svcDir, "myservice", map[string]file{"handler.js": {body: "h", mode: 0o644}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := &fakeCompiler{}
	_, err := newOrchestrator(t, svcDir, fc).Run(ctx, service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, fc.invocations())
}

func TestRun_PanickingTargetIsReportedAndCleanedUp(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{"handler.js": {body: "h", mode: 0o644}})
	before, err := os.ReadFile(bundle)
	require.NoError(t, err)

	fc := &fakeCompiler{fn: func(compiler.Invocation) error { panic("compiler adapter bug") }}
	res, err := newOrchestrator(t, svcDir, fc).Run(context.Background(), service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})

	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "myservice", perr.Target)
	require.Equal(t, StateFailed, res.States["myservice"])

	after, err := os.ReadFile(bundle)
	require.NoError(t, err)
	require.Equal(t, before, after)
	_, err = os.Stat(filepath.Join(svcDir, ArtifactDir, "myservice"))
	require.True(t, os.IsNotExist(err))
}

func TestRun_CleanupFailureIsReportedButNotFatal(t *testing.T) {
	svcDir := t.TempDir()
	bundle := writeBundle(t, svcDir, "myservice", map[string]file{"handler.js": {body: "h", mode: 0o644}})

	fc := &fakeCompiler{fn: func(inv compiler.Invocation) error {
		if err := compileTree(inv.Dir); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(inv.Dir, "pinned.txt"), []byte("busy"), 0o644)
	}}
	rec := trace.NewRecorder()
	o := newOrchestrator(t, svcDir, fc)
	o.Sink = rec
	o.removeAll = func(path string) error {
		if _, err := os.Stat(filepath.Join(path, "pinned.txt")); err == nil {
			return &fs.PathError{Op: "unlinkat", Path: filepath.Join(path, "pinned.txt"), Err: fs.ErrPermission}
		}
		return os.RemoveAll(path)
	}

	res, err := o.Run(context.Background(), service("myservice", "env"), Trigger{Event: EventCreateDeploymentArtifacts})
	require.NoError(t, err)
	require.Equal(t, []string{bundle}, res.Paths())
	require.Equal(t, States{"myservice": StateDone}, res.States)

	require.Len(t, res.CleanupErrors, 1)
	var cerr *CleanupError
	require.True(t, errors.As(res.CleanupErrors[0], &cerr))
	require.Equal(t, "myservice", cerr.Target)
	require.Equal(t, filepath.Join(svcDir, ArtifactDir, "myservice"), cerr.Path)
	require.ErrorIs(t, cerr, fs.ErrPermission)

	var noted bool
	for _, ev := range rec.Trace(EventCreateDeploymentArtifacts).Events {
		if ev.Kind == trace.EventTargetCleanupFailed && ev.Target == "myservice" {
			noted = true
		}
	}
	require.True(t, noted, "cleanup failure must be noted on the trace")

	got := readBundle(t, bundle)
	require.Equal(t, "\"use strict\";\nh", got["handler.js"].body)
}
