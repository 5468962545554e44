package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func sampleData() schema.FlowData {
	return schema.FlowData{
		Nodes: []schema.FlowNode{
			{ID: "s", Type: schema.NodeTypeStart, Label: "Start", Position: schema.Position{X: 250, Y: 50}},
			{ID: "e", Type: schema.NodeTypeEnd, Label: "Won", Data: &schema.NodeData{Keywords: []string{"converted"}}},
		},
		Edges: []schema.FlowEdge{{ID: "e1", Source: "s", Target: "e"}},
	}
}

func sampleRun(persona string, outcome schema.Outcome) *schema.SimulationRun {
	done := time.Now().UTC().Truncate(time.Second)
	return &schema.SimulationRun{
		ID:        uuid.New().String(),
		PersonaID: persona,
		FlowData:  sampleData(),
		Messages: []schema.SimulationMessage{
			{Role: schema.RoleLead, Content: "hi"},
			{Role: schema.RoleAgent, Content: "hello", NodeID: "s"},
		},
		Status:        schema.RunStatusCompleted,
		Outcome:       outcome,
		NodesVisited:  []string{"s", "e"},
		NodesCoverage: 100,
		Turns:         1,
		StartedAt:     done.Add(-time.Minute),
		CompletedAt:   &done,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	v, err := schemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

// --- Flows ---

func TestSaveFlow_InsertThenUpdateBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &Flow{ID: "onboarding", Name: "Onboarding", Data: sampleData()}
	require.NoError(t, s.SaveFlow(ctx, f))
	assert.Equal(t, 1, f.Version)

	f.Data.Nodes[0].Label = "Hello"
	require.NoError(t, s.SaveFlow(ctx, f))
	assert.Equal(t, 2, f.Version)

	got, err := s.GetFlow(ctx, "onboarding")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, f.Data, got.Data)
	assert.Equal(t, "Onboarding", got.Name)
}

func TestListAndDeleteFlows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveFlow(ctx, &Flow{ID: "a", Name: "Sales inbound", Data: sampleData()}))
	require.NoError(t, s.SaveFlow(ctx, &Flow{ID: "b", Name: "Support", Data: sampleData()}))

	all, err := s.ListFlows(ctx, FlowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sales, err := s.ListFlows(ctx, FlowFilter{Name: "Sales"})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "a", sales[0].ID)

	require.NoError(t, s.DeleteFlow(ctx, "a"))
	_, err = s.GetFlow(ctx, "a")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.HasCode(s.DeleteFlow(ctx, "a"), schema.ErrCodeNotFound))
}

// --- Runs and batches ---

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun("p1", schema.OutcomeConverted)
	require.NoError(t, s.SaveRun(ctx, &RunRecord{Run: run, FlowID: "f1"}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "f1", got.FlowID)
	assert.Equal(t, run.Messages, got.Run.Messages)
	assert.Equal(t, schema.OutcomeConverted, got.Run.Outcome)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	assert.Error(t, s.SaveRun(ctx, &RunRecord{}))
}

func TestSaveBatch_StoresReportAndRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := sampleRun("p1", schema.OutcomeConverted)
	r2 := sampleRun("p2", schema.OutcomeLost)
	now := time.Now().UTC()
	batch := &schema.BatchTestResult{
		ID:             "batch-1",
		FlowID:         "f1",
		Runs:           []*schema.SimulationRun{r1, r2},
		ConversionRate: 50,
		AvgMessages:    2,
		NodeCoverage:   2,
		PersonaResults: []schema.PersonaResult{
			{PersonaID: "p1", RunID: r1.ID, Verdict: schema.VerdictPass},
			{PersonaID: "p2", RunID: r2.ID, Verdict: schema.VerdictWarning},
		},
		StartedAt:   now.Add(-time.Minute),
		CompletedAt: now,
	}
	require.NoError(t, s.SaveBatch(ctx, batch))

	got, err := s.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.ConversionRate)
	require.Len(t, got.Runs, 2)
	assert.Equal(t, batch.PersonaResults, got.PersonaResults)

	runs, err := s.ListRuns(ctx, RunFilter{BatchID: "batch-1"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	lost, err := s.ListRuns(ctx, RunFilter{BatchID: "batch-1", PersonaID: "p2"})
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, schema.OutcomeLost, lost[0].Run.Outcome)

	batches, err := s.ListBatches(ctx, BatchFilter{FlowID: "f1"})
	require.NoError(t, err)
	require.Len(t, batches, 1)

	none, err := s.ListBatches(ctx, BatchFilter{FlowID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Test cases ---

func TestSaveTestCases_Replaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTestCases(ctx, "f1", []schema.TestCase{
		{ID: "tc1", Name: "Eager buyer converts", PersonaID: "eager", ExpectedOutcome: schema.OutcomeConverted},
		{ID: "tc2", Name: "Skeptic is lost", PersonaID: "skeptic", ExpectedOutcome: schema.OutcomeLost},
	}))
	require.NoError(t, s.SaveTestCases(ctx, "f1", []schema.TestCase{
		{ID: "tc3", Name: "Skeptic nurtured", PersonaID: "skeptic", ExpectedOutcome: schema.OutcomeNurture},
	}))

	cases, err := s.ListTestCases(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "tc3", cases[0].ID)
	assert.Equal(t, schema.OutcomeNurture, cases[0].ExpectedOutcome)
}

// --- Secrets ---

func TestSecrets_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "resolver_token", []byte{1, 2, 3}))
	require.NoError(t, s.StoreSecret(ctx, "resolver_token", []byte{4, 5}))
	require.NoError(t, s.StoreSecret(ctx, "another", []byte{9}))

	v, err := s.GetSecret(ctx, "resolver_token")
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"another", "resolver_token"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "another"))
	_, err = s.GetSecret(ctx, "another")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

// --- Scheduled batches ---

func TestScheduledBatches_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	job := &ScheduledBatch{ID: "nightly", FlowID: "f1", CronExpression: "0 2 * * *", Enabled: true, NextRunAt: &next}
	require.NoError(t, s.CreateScheduledBatch(ctx, job))

	err := s.CreateScheduledBatch(ctx, &ScheduledBatch{ID: "nightly", FlowID: "f1", CronExpression: "* * * * *"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	ran := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateScheduledBatch(ctx, "nightly", ScheduledBatchUpdate{
		LastRunAt:     &ran,
		LastRunStatus: "completed",
		LastBatchID:   "batch-9",
	}))

	got, err := s.GetScheduledBatch(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "completed", got.LastRunStatus)
	assert.Equal(t, "batch-9", got.LastBatchID)
	assert.NotNil(t, got.LastRunAt)

	disabled := false
	require.NoError(t, s.UpdateScheduledBatch(ctx, "nightly", ScheduledBatchUpdate{Enabled: &disabled}))

	enabled := true
	active, err := s.ListScheduledBatches(ctx, ScheduledBatchFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteScheduledBatch(ctx, "nightly"))
	assert.True(t, schema.HasCode(s.UpdateScheduledBatch(ctx, "nightly", ScheduledBatchUpdate{LastRunStatus: "x"}), schema.ErrCodeNotFound))
}
