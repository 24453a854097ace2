package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of one packaging run.
//
// It holds logical transitions only: no timestamps, durations, process ids or
// error strings. Two runs that took the same path through the per-target
// state machines produce byte-identical canonical JSON regardless of how
// their targets were interleaved.
type ExecutionTrace struct {
	// Event is the lifecycle event that triggered the run.
	Event  string
	Events []TraceEvent
}

// TraceEventKind discriminates TraceEvent. The string values are part of the
// canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTargetTransition    TraceEventKind = "TargetTransition"
	EventTargetCleanupFailed TraceEventKind = "TargetCleanupFailed"
)

// TraceEvent is a single logical transition of one target.
type TraceEvent struct {
	Kind TraceEventKind

	// Target is the bundle name the event refers to.
	Target string

	// Seq orders the events of one target. Targets are sequential internally,
	// so Seq is deterministic even when targets run concurrently.
	Seq int

	From string
	To   string

	// Reason is a stable failure class, set on transitions into a failed state.
	Reason string
}

func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Event == "" {
		return errors.New("event is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Target == "" {
			return fmt.Errorf("events[%d].target is required for kind %q", i, e.Kind)
		}
		if e.Seq < 0 {
			return fmt.Errorf("events[%d].seq must be >= 0", i)
		}
		if e.Kind == EventTargetTransition && (e.From == "" || e.To == "") {
			return fmt.Errorf("events[%d]: transition requires from and to", i)
		}
	}
	return nil
}

// Canonicalize sorts events by (target, seq, kind, from, to, reason).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Reason < b.Reason
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTargetTransition:
		return 10
	case EventTargetCleanupFailed:
		return 20
	default:
		return 1000
	}
}

// Targets returns the distinct target names in canonical order.
func (t ExecutionTrace) Targets() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range t.Events {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	sort.Strings(out)
	return out
}

// CanonicalJSON returns the canonical JSON encoding of the trace without
// mutating the receiver's slice.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	copyTrace := ExecutionTrace{Event: t.Event}
	copyTrace.Events = make([]TraceEvent, len(t.Events))
	copy(copyTrace.Events, t.Events)
	copyTrace.Canonicalize()
	if err := copyTrace.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&copyTrace)
}

// Hash returns the BLAKE3 hex digest of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order. It does not sort; use CanonicalJSON for that.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.Event == "" {
		return nil, errors.New("event is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"event\":")
	eb, _ := json.Marshal(t.Event)
	buf.Write(eb)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	buf.WriteString(",\"target\":")
	tb, _ := json.Marshal(e.Target)
	buf.Write(tb)

	fmt.Fprintf(&buf, ",\"seq\":%d", e.Seq)

	writeOptional(&buf, "from", e.From)
	writeOptional(&buf, "to", e.To)
	writeOptional(&buf, "reason", e.Reason)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeOptional(buf *bytes.Buffer, key, v string) {
	if v == "" {
		return
	}
	buf.WriteString(",\"" + key + "\":")
	b, _ := json.Marshal(v)
	buf.Write(b)
}
