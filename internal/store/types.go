package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowsim/pkg/schema"
)

// Flow is a persisted conversation flow. Data is stored as FlowData JSON.
type Flow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Data        schema.FlowData `json:"data"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// RunRecord is a finished (or abandoned) simulation run with its provenance.
type RunRecord struct {
	Run     *schema.SimulationRun `json:"run"`
	FlowID  string                `json:"flow_id,omitempty"`
	BatchID string                `json:"batch_id,omitempty"`
}

// Event is an immutable entry in the simulation event log. Events are
// sequenced per stream: the run id when set, otherwise the batch id.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id,omitempty"`
	BatchID   string          `json:"batch_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// StreamID is the key events are sequenced under.
func (e *Event) StreamID() string {
	if e.RunID != "" {
		return e.RunID
	}
	return e.BatchID
}

// ScheduledBatch is a cron-triggered regression batch over a stored flow.
type ScheduledBatch struct {
	ID             string     `json:"id"`
	FlowID         string     `json:"flow_id"`
	CronExpression string     `json:"cron_expression"`
	PersonaSet     string     `json:"persona_set,omitempty"` // YAML path; empty = built-in personas
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastBatchID    string     `json:"last_batch_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Secret is an encrypted key-value entry.
type Secret struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Filter and update types ---

// FlowFilter specifies criteria for listing flows.
type FlowFilter struct {
	Name  string `json:"name,omitempty"` // substring match
	Limit int    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	FlowID    string            `json:"flow_id,omitempty"`
	BatchID   string            `json:"batch_id,omitempty"`
	PersonaID string            `json:"persona_id,omitempty"`
	Status    *schema.RunStatus `json:"status,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// BatchFilter specifies criteria for listing batch reports.
type BatchFilter struct {
	FlowID string     `json:"flow_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID   string     `json:"run_id,omitempty"`
	BatchID string     `json:"batch_id,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// ScheduledBatchUpdate specifies mutable fields of a scheduled batch.
type ScheduledBatchUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastBatchID   string     `json:"last_batch_id,omitempty"`
}

// ScheduledBatchFilter specifies criteria for listing scheduled batches.
type ScheduledBatchFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	FlowID  string `json:"flow_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
