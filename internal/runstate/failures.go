package runstate

import (
	"context"
	"errors"
	"fmt"

	"babelpack/internal/archive"
	"babelpack/internal/compiler"
	"babelpack/internal/config"
	"babelpack/internal/pipeline"
)

// Process exit codes.
const (
	ExitSuccess       = 0
	ExitTargetFailure = 1
	ExitInvalidUsage  = 2
	ExitConfiguration = 3
	ExitInternal      = 4
)

// SystemFailureError represents crashes and other failures outside the
// packaging sequence itself.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

// ExitCode maps a failure class to the process exit code.
func (c FailureClass) ExitCode() int {
	switch c {
	case FailureClassConfiguration:
		return ExitConfiguration
	case FailureClassIO, FailureClassArchiveFormat, FailureClassCompiler, FailureClassCancelled:
		return ExitTargetFailure
	case FailureClassCleanup:
		return ExitSuccess
	default:
		return ExitInternal
	}
}

// ExitCodeFor classifies err and returns its exit code. nil maps to success.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	return FailureFromError(err).FailureClass.ExitCode()
}

// FailureFromError classifies err. For joined target errors the first one
// found decides the class.
func FailureFromError(err error) Failure {
	if err == nil {
		return Failure{FailureClass: FailureClassSystem, ErrorCode: "NilError", ErrorMessage: "nil error"}
	}

	f := Failure{ErrorMessage: err.Error()}
	var te *pipeline.TargetError
	if errors.As(err, &te) && te != nil {
		name := te.Target
		f.Target = &name
		f.State = string(te.State)
	}

	var (
		pe *pipeline.PanicError
		sf *SystemFailureError
		ce *config.Error
		fe *archive.FormatError
		ie *archive.IOError
		xe *compiler.Error
		cu *pipeline.CleanupError
	)
	switch {
	case errors.As(err, &pe):
		f.FailureClass = FailureClassSystem
		f.ErrorCode = "Panic"
		if f.Target == nil {
			name := pe.Target
			f.Target = &name
		}
	case errors.As(err, &sf):
		f.FailureClass = FailureClassSystem
		f.ErrorCode = nonEmptyOr(sf.Code, "SystemFailure")
	case errors.As(err, &ce):
		f.FailureClass = FailureClassConfiguration
		f.ErrorCode = "InvalidConfiguration"
		if ce.Field != "" {
			f.ErrorCode = "InvalidConfiguration:" + ce.Field
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.FailureClass = FailureClassCancelled
		f.ErrorCode = "Cancelled"
	case errors.As(err, &fe):
		f.FailureClass = FailureClassArchiveFormat
		f.ErrorCode = "MalformedEntry"
	case errors.As(err, &ie):
		f.FailureClass = FailureClassIO
		f.ErrorCode = "ArchiveIO:" + ie.Op
	case errors.As(err, &xe):
		f.FailureClass = FailureClassCompiler
		f.ErrorCode = fmt.Sprintf("CompilerExit:%d", xe.ExitCode)
	case errors.As(err, &cu):
		f.FailureClass = FailureClassCleanup
		f.ErrorCode = "CleanupFailed"
	case te != nil:
		// A target failed for a reason outside the archive/compiler taxonomy,
		// such as an unusable bundle name.
		f.FailureClass = FailureClassIO
		f.ErrorCode = "TargetInvalid"
	default:
		f.FailureClass = FailureClassSystem
		f.ErrorCode = "UnknownError"
	}
	return f
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
