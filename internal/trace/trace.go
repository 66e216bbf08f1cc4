package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical, deterministic record of one scheduler
// run's lifecycle events.
//
// Invariants:
//   - Must capture a RunID and an ordered list of events.
//   - Must contain logical transitions, not runtime-dependent details (no
//     timestamps, pointers, or goroutine-scheduling artifacts).
//
// Canonical representation:
//   - Events are sorted via Canonicalize() using a fully-specified ordering.
//   - JSON serialization uses a custom marshaler to fix field order and omit
//     absent optional fields.
//
// The trace is observational only and must never affect dispatch behavior.
type ExecutionTrace struct {
	RunID  string
	Events []TraceEvent
}

// TraceEventKind is the stable, canonical discriminator for TraceEvent.
//
// These kinds represent task lifecycle transitions and continuation
// deliveries, not incidental runtime occurrences. The string values are
// part of the trace's canonical bytes; do not rename.
type TraceEventKind string

const (
	EventTaskSpawned       TraceEventKind = "TaskSpawned"
	EventTaskStarted       TraceEventKind = "TaskStarted"
	EventTaskSuspended     TraceEventKind = "TaskSuspended"
	EventTaskResumed       TraceEventKind = "TaskResumed"
	EventTaskFinished      TraceEventKind = "TaskFinished"
	EventTaskFailed        TraceEventKind = "TaskFailed"
	EventTaskDestroyed     TraceEventKind = "TaskDestroyed"
	EventContinuationFired TraceEventKind = "ContinuationFired"
	EventInlineAwait       TraceEventKind = "InlineAwait"
)

// TraceEvent is a single logical transition.
//
// Determinism constraints:
//   - No timestamps.
//   - No fields derived from pointer identity or map iteration.
type TraceEvent struct {
	Kind TraceEventKind

	// TaskID identifies the task this event refers to, formatted as a
	// decimal task ID. Required for every kind.
	TaskID string

	// Reason is a stable, logical reason code (e.g. "AwaitingTask",
	// "AwaitingDeferred", "Destroyed").
	Reason string

	// AwaitedID records the task or awaitable a suspension/resume/inline
	// event pertains to, when the awaited value is itself a task.
	AwaitedID string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.RunID == "" {
		return errors.New("runID is required")
	}
	for i := range t.Events {
		e := t.Events[i]
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.TaskID == "" {
			return fmt.Errorf("events[%d].taskId is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts the trace into its canonical form.
//
// Ordering guarantee: ordering is independent of goroutine scheduling. This
// produces a total order over events, with TaskID as the primary key.
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.AwaitedID < b.AwaitedID
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventTaskSpawned:
		return 10
	case EventTaskStarted:
		return 20
	case EventInlineAwait:
		return 25
	case EventTaskSuspended:
		return 30
	case EventContinuationFired:
		return 40
	case EventTaskResumed:
		return 50
	case EventTaskFinished:
		return 60
	case EventTaskFailed:
		return 70
	case EventTaskDestroyed:
		return 80
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace. It
// canonicalizes a copy of the trace to avoid mutating the caller's slices.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{RunID: t.RunID}
	cp.Events = make([]TraceEvent, len(t.Events))
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the deterministic trace hash (sha256 hex) of the canonical
// JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON ensures canonical field ordering.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.RunID == "" {
		return nil, errors.New("runID is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"runId\":")
	rb, _ := json.Marshal(t.RunID)
	buf.Write(rb)
	buf.WriteByte(',')

	buf.WriteString("\"events\":[")
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteByte(']')
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON ensures canonical field ordering and omission of empty
// optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString("\"kind\":")
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	buf.WriteByte(',')
	buf.WriteString("\"taskId\":")
	tb, _ := json.Marshal(e.TaskID)
	buf.Write(tb)

	if e.Reason != "" {
		buf.WriteByte(',')
		buf.WriteString("\"reason\":")
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}

	if e.AwaitedID != "" {
		buf.WriteByte(',')
		buf.WriteString("\"awaitedId\":")
		ab, _ := json.Marshal(e.AwaitedID)
		buf.Write(ab)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
