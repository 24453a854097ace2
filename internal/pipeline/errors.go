package pipeline

import "fmt"

// TargetError reports the failure of one target and the state it failed in.
type TargetError struct {
	Target string
	State  State
	Err    error
}

func (e *TargetError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("target %s failed while %s: %v", e.Target, stateVerb(e.State), e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// CleanupError reports an extraction directory that could not be removed
// after the bundle was rewritten. It never fails the run.
type CleanupError struct {
	Target string
	Path   string
	Err    error
}

func (e *CleanupError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("cleanup of %s for target %s failed: %v", e.Path, e.Target, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

func stateVerb(s State) string {
	switch s {
	case StateValidating:
		return "validating"
	case StateExtracting:
		return "extracting"
	case StateCompiling:
		return "compiling"
	case StateArchiving:
		return "archiving"
	case StateCleaning:
		return "cleaning"
	default:
		return string(s)
	}
}

// PanicError is a panic raised while processing a target.
type PanicError struct {
	Target string
	Value  any
}

func (e *PanicError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("panic while processing target %s: %v", e.Target, e.Value)
}
