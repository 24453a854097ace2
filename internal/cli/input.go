package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"babelpack/internal/config"
	"babelpack/internal/pipeline"
	"babelpack/internal/runstate"
)

const (
	ExitSuccess           = runstate.ExitSuccess
	ExitTargetFailure     = runstate.ExitTargetFailure
	ExitInvalidInvocation = runstate.ExitInvalidUsage
	ExitConfigError       = runstate.ExitConfiguration
	ExitInternalError     = runstate.ExitInternal
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// Overrides are settings given on the command line. Nil fields were not set
// and leave the environment-derived value alone.
type Overrides struct {
	Compiler    *string
	Timeout     *time.Duration
	Parallelism *int
	Ignore      *string
}

// Apply overlays the set fields onto s.
func (o Overrides) Apply(s config.Settings) config.Settings {
	if o.Compiler != nil {
		s.Compiler = *o.Compiler
	}
	if o.Timeout != nil {
		s.Timeout = *o.Timeout
	}
	if o.Parallelism != nil {
		s.Parallelism = *o.Parallelism
	}
	if o.Ignore != nil {
		s.Ignore = *o.Ignore
	}
	return s
}

// CLIInvocation is the canonical description of one hook invocation.
//
// ServiceDir is required and absolute; every relative path is resolved
// against it, never against the process working directory.
type CLIInvocation struct {
	ServiceDir string
	Event      string
	Function   string
	ConfigPath string
	StateDir   string
	Trace      TraceConfig
	Overrides  Overrides
}

// Trigger returns the pipeline trigger of the invocation.
func (inv CLIInvocation) Trigger() pipeline.Trigger {
	return pipeline.Trigger{Event: inv.Event, Function: inv.Function}
}

type InvocationError struct {
	ExitCode int
	Message  string

	// Help is set when usage was requested explicitly.
	Help bool
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("babelpack", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.String("service-dir", "", "Absolute service directory. Required.")
	fs.String("event", "", "Lifecycle event: "+pipeline.EventCreateDeploymentArtifacts+" | "+pipeline.EventPackageFunction)
	fs.String("function", "", "Function key to package on its own.")
	fs.String("config", config.DefaultServiceFile, "Service file, relative to --service-dir.")
	fs.String("compiler", "", "Compiler executable (default <service-dir>/node_modules/.bin/babel).")
	fs.Duration("timeout", config.DefaultTimeout, "Limit for a single compiler run; 0 disables it.")
	fs.Int("parallel", 0, "Maximum bundles processed at once; 0 means all.")
	fs.String("ignore", "", "Glob of paths the compiler leaves untouched (default **/node_modules/**).")
	fs.String("trace", "", "Write the transition trace to this path (optional).")
	fs.String("state-dir", "", "Run record directory (default <service-dir>/.serverless/babelpack).")
	return fs
}

// Usage returns the flag help text.
func Usage() string {
	return "Usage: babelpack --service-dir=<dir> --event=<event> [flags]\n\n" + newFlagSet().FlagUsages()
}

// ParseInvocation parses CLI flags into a canonical CLIInvocation.
// It does not read environment variables or the process working directory.
func ParseInvocation(args []string) (CLIInvocation, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return CLIInvocation{}, &InvocationError{ExitCode: ExitSuccess, Message: Usage(), Help: true}
		}
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	str := func(name string) string {
		v, _ := fs.GetString(name)
		return strings.TrimSpace(v)
	}

	serviceDir := str("service-dir")
	if serviceDir == "" {
		return CLIInvocation{}, invalidInvocationf("--service-dir is required")
	}
	serviceDir = filepath.Clean(serviceDir)
	if !filepath.IsAbs(serviceDir) {
		return CLIInvocation{}, invalidInvocationf("--service-dir must be an absolute path (got %q)", serviceDir)
	}

	event := str("event")
	switch {
	case event == "":
		return CLIInvocation{}, invalidInvocationf("--event is required")
	case !pipeline.IsKnownEvent(event):
		return CLIInvocation{}, invalidInvocationf("unsupported --event %q (expected %s or %s)",
			event, pipeline.EventCreateDeploymentArtifacts, pipeline.EventPackageFunction)
	}
	function := str("function")
	if event == pipeline.EventPackageFunction && function == "" {
		return CLIInvocation{}, invalidInvocationf("--function is required for %s", event)
	}

	configPath, err := resolveUnderServiceDir(serviceDir, str("config"))
	if err != nil {
		return CLIInvocation{}, err
	}

	inv := CLIInvocation{
		ServiceDir: serviceDir,
		Event:      event,
		Function:   function,
		ConfigPath: configPath,
		StateDir:   runstate.DefaultDir(serviceDir),
	}

	if v := str("state-dir"); v != "" {
		p, err := resolveUnderServiceDir(serviceDir, v)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.StateDir = p
	}
	if v := str("trace"); v != "" {
		p, err := resolveUnderServiceDir(serviceDir, v)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: p}
	}

	if fs.Changed("compiler") {
		v := str("compiler")
		if v == "" {
			return CLIInvocation{}, invalidInvocationf("--compiler must not be empty")
		}
		if strings.ContainsRune(v, filepath.Separator) {
			if v, err = resolveUnderServiceDir(serviceDir, v); err != nil {
				return CLIInvocation{}, err
			}
		}
		inv.Overrides.Compiler = &v
	}
	if fs.Changed("timeout") {
		d, _ := fs.GetDuration("timeout")
		if d < 0 {
			return CLIInvocation{}, invalidInvocationf("--timeout must not be negative (got %s)", d)
		}
		inv.Overrides.Timeout = &d
	}
	if fs.Changed("parallel") {
		n, _ := fs.GetInt("parallel")
		if n < 0 {
			return CLIInvocation{}, invalidInvocationf("--parallel must not be negative (got %d)", n)
		}
		inv.Overrides.Parallelism = &n
	}
	if fs.Changed("ignore") {
		v := str("ignore")
		inv.Overrides.Ignore = &v
	}
	return inv, nil
}

func resolveUnderServiceDir(serviceDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(serviceDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.Help {
			return ExitSuccess
		}
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
