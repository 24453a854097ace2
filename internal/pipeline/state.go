package pipeline

// State is the runtime state of one target.
type State string

const (
	StateIdle       State = "IDLE"
	StateValidating State = "VALIDATING"
	StateExtracting State = "EXTRACTING"
	StateCompiling  State = "COMPILING"
	StateArchiving  State = "ARCHIVING"
	StateCleaning   State = "CLEANING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// States holds per-target state keyed by bundle name.
type States map[string]State
