package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/pkg/schema"
)

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestEventLog_SequencePerStream(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-a", Type: schema.EventRunTurn}))
	}
	b := &Event{BatchID: "batch-1", Type: schema.EventBatchStarted}
	require.NoError(t, el.AppendEvent(ctx, b))
	assert.Equal(t, int64(1), b.Sequence)

	events, err := el.GetEvents(ctx, "run-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	tail, err := el.GetEvents(ctx, "run-a", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)
}

func TestEventLog_RejectsStreamlessEvent(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	err := el.AppendEvent(context.Background(), &Event{Type: schema.EventRunStarted})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEventLog_ConcurrentAppendsStayContiguous(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-c", Type: schema.EventRunTurn}))
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, "run-c", 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_ReplayRun(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	ctx := context.Background()

	emit := func(typ string, payload any) {
		ev := &Event{RunID: "run-r", BatchID: "batch-1", Type: typ}
		if payload != nil {
			ev.Payload = mustPayload(t, payload)
		}
		require.NoError(t, el.AppendEvent(ctx, ev))
	}
	emit(schema.EventRunStarted, nil)
	emit(schema.EventRunTurn, TurnPayload{Turn: 1, NodeID: "greet"})
	emit(schema.EventRunRedirect, RedirectPayload{FromNodeID: "handoff", FlowID: "onboarding"})
	emit(schema.EventRunTurn, TurnPayload{Turn: 2, NodeID: "welcome"})
	emit(schema.EventRunCompleted, TerminalPayload{Outcome: schema.OutcomeConverted})

	r, err := el.ReplayRun(ctx, "run-r")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, r.Status)
	assert.Equal(t, 2, r.Turns)
	assert.Equal(t, "welcome", r.LastNode)
	assert.Equal(t, schema.OutcomeConverted, r.Outcome)
	assert.Equal(t, []string{"onboarding"}, r.Redirects)
	assert.False(t, r.Cancelled)
}

func TestEventLog_ReplayCancelledRunStaysRunning(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-x", Type: schema.EventRunStarted}))
	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "run-x", Type: schema.EventRunCancelled}))

	r, err := el.ReplayRun(ctx, "run-x")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, r.Status)
	assert.True(t, r.Cancelled)
}

func TestEventLog_ReplayUnknownRunIsIdle(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	r, err := el.ReplayRun(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusIdle, r.Status)
}
