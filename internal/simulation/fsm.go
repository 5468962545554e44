package simulation

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by the FSM to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// RunRef identifies the run (and optional batch) a transition belongs to.
type RunRef struct {
	RunID   string
	BatchID string
}

// ValidRunTransitions defines the allowed state transitions for simulation runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:      {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// RunFSM manages simulation run lifecycle transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM. appender may be nil, in which case no events are emitted.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and executes a run state transition, emitting the
// corresponding event with payload (may be nil).
func (f *RunFSM) Transition(ctx context.Context, ref RunRef, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !IsValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": ref.RunID, "from": string(from), "to": string(to)})
	}

	return f.emit(ctx, ref, runEventType(to), payload)
}

// Record emits a non-transition event (turn, redirect, cancellation) for the run.
func (f *RunFSM) Record(ctx context.Context, ref RunRef, eventType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emit(ctx, ref, eventType, payload)
}

func (f *RunFSM) emit(ctx context.Context, ref RunRef, eventType string, payload any) error {
	if f.appender == nil || eventType == "" {
		return nil
	}
	event := &store.Event{RunID: ref.RunID, BatchID: ref.BatchID, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload", eventType).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// IsValidRunTransition reports whether from -> to is allowed.
func IsValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	return ok && slices.Contains(allowed, to)
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}
