package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/flowsim/pkg/schema"
)

// EventStream is the slice of Store the event log needs.
type EventStream interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, streamID string, since int64) ([]*Event, error)
}

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store EventStream
}

func NewEventLog(s EventStream) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends with a gap-free per-stream sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns a stream's events with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, streamID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, streamID, since)
}

// TurnPayload is the payload of a run_turn event.
type TurnPayload struct {
	Turn       int    `json:"turn"`
	NodeID     string `json:"nodeId,omitempty"`
	NextNodeID string `json:"nextNodeId,omitempty"`
	Issues     int    `json:"issues,omitempty"`
}

// TerminalPayload is the payload of run_completed and run_failed events.
type TerminalPayload struct {
	Outcome schema.Outcome `json:"outcome,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// RedirectPayload is the payload of a run_redirected event.
type RedirectPayload struct {
	FromNodeID string `json:"fromNodeId"`
	FlowID     string `json:"flowId"`
}

// RunReplay is the state of a run reconstructed from its events.
type RunReplay struct {
	RunID     string           `json:"run_id"`
	Status    schema.RunStatus `json:"status"`
	Turns     int              `json:"turns"`
	LastNode  string           `json:"last_node,omitempty"`
	Outcome   schema.Outcome   `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
	Redirects []string         `json:"redirects,omitempty"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

// ReplayRun folds a run's events into its last known state. A gap in the
// sequence is reported as a store error.
func (el *EventLog) ReplayRun(ctx context.Context, runID string) (*RunReplay, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &RunReplay{RunID: runID, Status: schema.RunStatusIdle}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}

		switch e.Type {
		case schema.EventRunStarted:
			r.Status = schema.RunStatusRunning

		case schema.EventRunTurn:
			var p TurnPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			r.Turns = p.Turn
			if p.NodeID != "" {
				r.LastNode = p.NodeID
			}

		case schema.EventRunRedirect:
			var p RedirectPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			r.Redirects = append(r.Redirects, p.FlowID)

		case schema.EventRunCompleted, schema.EventRunFailed:
			var p TerminalPayload
			if err := decodePayload(e, &p); err != nil {
				return nil, err
			}
			r.Status = schema.RunStatusCompleted
			if e.Type == schema.EventRunFailed {
				r.Status = schema.RunStatusFailed
			}
			r.Outcome = p.Outcome
			r.Error = p.Error

		case schema.EventRunCancelled:
			// Cancellation leaves the status as last observed.
			r.Cancelled = true
		}
	}
	return r, nil
}

func decodePayload(e *Event, v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "decode %s payload (seq %d)", e.Type, e.Sequence).WithCause(err)
	}
	return nil
}
