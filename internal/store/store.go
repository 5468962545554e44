package store

import (
	"context"

	"github.com/rendis/flowsim/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Flows
	SaveFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, id string) (*Flow, error)
	ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error)
	DeleteFlow(ctx context.Context, id string) error

	// Simulation runs
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// Batch reports
	SaveBatch(ctx context.Context, result *schema.BatchTestResult) error
	GetBatch(ctx context.Context, id string) (*schema.BatchTestResult, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]*schema.BatchTestResult, error)

	// Test cases
	SaveTestCases(ctx context.Context, flowID string, cases []schema.TestCase) error
	ListTestCases(ctx context.Context, flowID string) ([]schema.TestCase, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, streamID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled batches
	CreateScheduledBatch(ctx context.Context, job *ScheduledBatch) error
	GetScheduledBatch(ctx context.Context, id string) (*ScheduledBatch, error)
	UpdateScheduledBatch(ctx context.Context, id string, update ScheduledBatchUpdate) error
	ListScheduledBatches(ctx context.Context, filter ScheduledBatchFilter) ([]*ScheduledBatch, error)
	DeleteScheduledBatch(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
