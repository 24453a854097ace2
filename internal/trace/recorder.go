package trace

import "sync"

// Sink receives target transitions as they happen. Recording is
// fire-and-forget: a sink reports nothing back to the pipeline.
type Sink interface {
	Record(event TraceEvent)
}

// SafeRecord forwards event to s. A nil sink drops it, and a panicking sink
// cannot take a target down with it.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder keeps every event of a run in memory. Targets record from their
// own goroutines, so arrival order is meaningless until Trace sorts it.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events copies what has been recorded so far, in arrival order.
func (r *Recorder) Events() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent(nil), r.events...)
}

// Trace returns the canonical trace of the run triggered by event.
func (r *Recorder) Trace(event string) ExecutionTrace {
	tr := ExecutionTrace{Event: event, Events: r.Events()}
	tr.Canonicalize()
	return tr
}
