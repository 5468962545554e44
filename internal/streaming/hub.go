package streaming

import "context"

// StreamEvent is a real-time progress event emitted while simulating.
type StreamEvent struct {
	RunID     string `json:"run_id,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
	PersonaID string `json:"persona_id,omitempty"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	BatchID    string   `json:"batch_id,omitempty"`
	PersonaID  string   `json:"persona_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for simulation progress. A subscription ends when
// its cancel func is called or the Subscribe context is done.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
