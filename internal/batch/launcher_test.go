package batch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/pkg/schema"
)

func newLauncherStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "batch.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreLauncher_PersistsReportAndCases(t *testing.T) {
	ctx := context.Background()
	s := newLauncherStore(t)
	require.NoError(t, s.SaveFlow(ctx, &store.Flow{ID: "flow-1", Name: "Sales", Data: batchFlow()}))

	launcher := NewStoreLauncher(s, func() *Runner {
		return NewRunner(buyerResolver, simulation.Config{Appender: s}, Config{})
	}, nil)

	res, err := launcher.Launch(ctx, "flow-1", fivePersonas())
	require.NoError(t, err)
	assert.Equal(t, "flow-1", res.FlowID)

	saved, err := s.GetBatch(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Runs, 5)
	assert.InDelta(t, res.ConversionRate, saved.ConversionRate, 0.001)

	cases, err := s.ListTestCases(ctx, "flow-1")
	require.NoError(t, err)
	assert.Len(t, cases, 5)

	events, err := s.GetEvents(ctx, res.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventBatchStarted, events[0].Type)
}

func TestStoreLauncher_ScheduledBatchUsesDefaultPersonas(t *testing.T) {
	ctx := context.Background()
	s := newLauncherStore(t)
	require.NoError(t, s.SaveFlow(ctx, &store.Flow{ID: "flow-1", Name: "Sales", Data: batchFlow()}))

	launcher := NewStoreLauncher(s, func() *Runner {
		return NewRunner(buyerResolver, simulation.Config{}, Config{})
	}, nil)

	id, err := launcher.LaunchBatch(ctx, &store.ScheduledBatch{ID: "sched-1", FlowID: "flow-1"})
	require.NoError(t, err)

	saved, err := s.GetBatch(ctx, id)
	require.NoError(t, err)
	assert.Len(t, saved.Runs, len(simulation.DefaultPersonas()))
}

func TestStoreLauncher_UnknownFlow(t *testing.T) {
	s := newLauncherStore(t)
	launcher := NewStoreLauncher(s, func() *Runner {
		return NewRunner(buyerResolver, simulation.Config{}, Config{})
	}, nil)

	_, err := launcher.Launch(context.Background(), "nope", fivePersonas())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
