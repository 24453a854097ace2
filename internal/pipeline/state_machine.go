package pipeline

import (
	"fmt"
	"sync"

	"babelpack/internal/trace"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s State) bool {
	switch s {
	case StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// Transition performs a validated transition for a single target.
//
// The caller supplies the expected prior state (from) to make races observable.
// The map is mutated if and only if the transition is valid.
func Transition(states States, target string, from, to State) error {
	cur, ok := states[target]
	if !ok {
		return fmt.Errorf("unknown target in state: %q", target)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", target, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", target, from, to)
	}
	states[target] = to
	return nil
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !IsTerminal(from)
	}
	switch from {
	case StateIdle:
		return to == StateValidating
	case StateValidating:
		return to == StateExtracting
	case StateExtracting:
		return to == StateCompiling
	case StateCompiling:
		return to == StateArchiving
	case StateArchiving:
		return to == StateCleaning
	case StateCleaning:
		return to == StateDone
	default:
		return false
	}
}

// Tracker is the concurrency-safe state table shared by all targets of one
// run. Every accepted transition is recorded to the sink.
type Tracker struct {
	mu     sync.Mutex
	states States
	seq    map[string]int
	sink   trace.Sink
}

// NewTracker starts every target in IDLE.
func NewTracker(targets []Target, sink trace.Sink) *Tracker {
	t := &Tracker{
		states: make(States, len(targets)),
		seq:    make(map[string]int, len(targets)),
		sink:   sink,
	}
	for _, tg := range targets {
		t.states[tg.Name] = StateIdle
	}
	return t
}

// Advance moves target from one state to the next.
func (t *Tracker) Advance(target string, from, to State) error {
	return t.advance(target, from, to, "")
}

// Fail moves target into FAILED, recording reason on the trace.
func (t *Tracker) Fail(target string, from State, reason string) error {
	return t.advance(target, from, StateFailed, reason)
}

func (t *Tracker) advance(target string, from, to State, reason string) error {
	t.mu.Lock()
	if err := Transition(t.states, target, from, to); err != nil {
		t.mu.Unlock()
		return err
	}
	seq := t.seq[target]
	t.seq[target] = seq + 1
	t.mu.Unlock()

	trace.SafeRecord(t.sink, trace.TraceEvent{
		Kind:   trace.EventTargetTransition,
		Target: target,
		Seq:    seq,
		From:   string(from),
		To:     string(to),
		Reason: reason,
	})
	return nil
}

// Note records a non-transition event for target.
func (t *Tracker) Note(target string, kind trace.TraceEventKind) {
	t.mu.Lock()
	seq := t.seq[target]
	t.seq[target] = seq + 1
	t.mu.Unlock()

	trace.SafeRecord(t.sink, trace.TraceEvent{Kind: kind, Target: target, Seq: seq})
}

// State returns the current state of target.
func (t *Tracker) State(target string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[target]
}

// Snapshot returns a copy of the state table.
func (t *Tracker) Snapshot() States {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(States, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}
