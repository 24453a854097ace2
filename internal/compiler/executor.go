// Package compiler runs the external source-to-source compiler over an
// extracted bundle.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultIgnore excludes dependency trees from compilation.
const DefaultIgnore = "**/node_modules/**"

// Invocation describes one compiler run.
type Invocation struct {
	// Dir is the input directory.
	Dir string

	// OutDir receives the compiled files. Equal to Dir for in-place rewrites.
	OutDir string

	// Ignore is a glob of paths the compiler must leave untouched.
	Ignore string

	// Presets is passed to the compiler verbatim, in order, comma-joined.
	Presets []string
}

// Validate checks the invocation before anything is started.
func (inv Invocation) Validate() error {
	if strings.TrimSpace(inv.Dir) == "" {
		return errors.New("compiler invocation: input directory is required")
	}
	if strings.TrimSpace(inv.OutDir) == "" {
		return errors.New("compiler invocation: output directory is required")
	}
	if len(inv.Presets) == 0 {
		return errors.New("compiler invocation: at least one preset is required")
	}
	for i, p := range inv.Presets {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("compiler invocation: preset %d is empty", i)
		}
	}
	return nil
}

// Args renders the command-line arguments.
func (inv Invocation) Args() []string {
	args := []string{
		inv.Dir,
		"--out-dir=" + inv.OutDir,
	}
	if inv.Ignore != "" {
		args = append(args, "--ignore="+inv.Ignore)
	}
	return append(args, "--presets="+strings.Join(inv.Presets, ","))
}

// Result holds the captured output of a finished compiler process.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Error is returned when the compiler exits non-zero. Its message is the
// compiler's diagnostic stream, verbatim.
type Error struct {
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Stderr != "" {
		return e.Stderr
	}
	return fmt.Sprintf("compiler exited with status %d", e.ExitCode)
}

// Executor starts the compiler as a blocking subprocess.
type Executor struct {
	// Command is the compiler executable.
	Command string

	// WorkingDir is the subprocess working directory. Empty means the
	// current directory.
	WorkingDir string

	// Timeout bounds a single run. Zero disables the limit.
	Timeout time.Duration

	// Env is the subprocess environment. Nil inherits the host environment.
	Env []string
}

// NewExecutor creates an Executor for command.
func NewExecutor(command string, timeout time.Duration) *Executor {
	return &Executor{Command: command, Timeout: timeout}
}

// Run executes the compiler and waits for it to exit.
//
// A non-zero exit yields the Result together with an *Error. If ctx is
// cancelled or the timeout expires, the whole process group is killed and
// Run returns once the process has exited.
func (e *Executor) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if e == nil || strings.TrimSpace(e.Command) == "" {
		return nil, errors.New("compiler command is not configured")
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.Command(e.Command, inv.Args()...)
	cmd.Dir = e.WorkingDir
	cmd.Env = e.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	startOwnGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start compiler %s: %w", e.Command, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{ExitCode: -1, Stderr: fmt.Sprintf("compiler timed out after %s", e.Timeout)}
		}
		return nil, fmt.Errorf("compiler cancelled: %w", ctx.Err())
	case err = <-done:
	}

	res := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run compiler %s: %w", e.Command, err)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &Error{ExitCode: res.ExitCode, Stderr: stderr.String()}
	}
	return res, nil
}
