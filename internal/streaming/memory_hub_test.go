package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/pkg/schema"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func drain(ch <-chan StreamEvent) []StreamEvent {
	var out []StreamEvent
	for len(ch) > 0 {
		out = append(out, <-ch)
	}
	return out
}

func TestMemoryHub_DeliversTurnEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	sent := StreamEvent{RunID: "run-1", PersonaID: "eager-buyer", EventType: schema.EventRunTurn, Payload: map[string]any{"turn": 1}}
	require.NoError(t, hub.Publish(ctx, sent))
	assert.Equal(t, sent, receive(t, ch))
}

func TestMemoryHub_Filters(t *testing.T) {
	events := []StreamEvent{
		{RunID: "r1", BatchID: "b1", PersonaID: "skeptic", EventType: schema.EventRunStarted},
		{RunID: "r1", BatchID: "b1", PersonaID: "skeptic", EventType: schema.EventRunCompleted},
		{RunID: "r2", BatchID: "b1", PersonaID: "ghost", EventType: schema.EventRunFailed},
		{RunID: "r3", BatchID: "b2", PersonaID: "ghost", EventType: schema.EventRunCompleted},
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{"everything", EventFilter{}, []string{"r1", "r1", "r2", "r3"}},
		{"by run", EventFilter{RunID: "r1"}, []string{"r1", "r1"}},
		{"by batch", EventFilter{BatchID: "b1"}, []string{"r1", "r1", "r2"}},
		{"by persona", EventFilter{PersonaID: "ghost"}, []string{"r2", "r3"}},
		{"terminal only", EventFilter{EventTypes: []string{schema.EventRunCompleted, schema.EventRunFailed}}, []string{"r1", "r2", "r3"}},
		{"combined", EventFilter{BatchID: "b1", EventTypes: []string{schema.EventRunCompleted}}, []string{"r1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hub := NewMemoryHub()
			ctx := context.Background()
			ch, cancel, err := hub.Subscribe(ctx, tc.filter)
			require.NoError(t, err)
			defer cancel()

			for _, ev := range events {
				require.NoError(t, hub.Publish(ctx, ev))
			}
			var got []string
			for _, ev := range drain(ch) {
				got = append(got, ev.RunID)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMemoryHub_FanOut(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	a, cancelA, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelA()
	b, cancelB, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancelB()
	assert.Equal(t, 2, hub.Subscribers())

	require.NoError(t, hub.Publish(ctx, StreamEvent{BatchID: "b1", EventType: schema.EventBatchStarted}))
	assert.Equal(t, "b1", receive(t, a).BatchID)
	assert.Equal(t, "b1", receive(t, b).BatchID)
}

func TestMemoryHub_CancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunTurn}))
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())
}

func TestMemoryHub_SubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	ch, unsubscribe, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer unsubscribe()

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
	assert.Zero(t, hub.Subscribers())
}

func TestMemoryHub_SlowSubscriberDropsTurns(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range subscriberBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunTurn}))
	}
	assert.Len(t, drain(ch), subscriberBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestMemoryHub_TerminalEventEvictsOldest(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := range subscriberBuffer {
		require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunTurn, Payload: i}))
	}
	require.NoError(t, hub.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunCompleted}))

	got := drain(ch)
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, 1, got[0].Payload, "oldest turn was evicted")
	assert.Equal(t, schema.EventRunCompleted, got[len(got)-1].EventType)
	assert.Equal(t, uint64(1), hub.Dropped())
}

func TestMemoryHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{RunID: "r", EventType: schema.EventRunTurn})
			}
			_ = hub.Publish(ctx, StreamEvent{RunID: "r", EventType: schema.EventRunCompleted})
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestMemoryHub_DoneContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{EventType: schema.EventRunTurn}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
