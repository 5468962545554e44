package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowsim/pkg/schema"
)

// subscriberBuffer is the per-subscriber queue length.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

// MemoryHub fans simulation progress out to in-process subscribers.
//
// Publish never blocks. When a subscriber's queue is full, turn-level events
// are dropped, while a run or batch terminal event evicts the oldest queued
// event so observers always learn how a run ended.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter.matches(event) {
			h.deliver(sub, event)
		}
	}
	return nil
}

func (h *MemoryHub) deliver(sub *subscriber, event StreamEvent) {
	select {
	case sub.ch <- event:
		return
	default:
	}
	if !isTerminal(event.EventType) {
		h.dropped.Add(1)
		return
	}
	select {
	case <-sub.ch:
		h.dropped.Add(1)
	default:
	}
	select {
	case sub.ch <- event:
	default:
		h.dropped.Add(1)
	}
}

func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.nextID.Add(1)
	sub := &subscriber{ch: make(chan StreamEvent, subscriberBuffer), filter: filter}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	remove := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	stop := context.AfterFunc(ctx, remove)

	return sub.ch, func() {
		stop()
		remove()
	}, nil
}

// Dropped returns how many events slow subscribers have missed.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (f EventFilter) matches(e StreamEvent) bool {
	switch {
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case f.BatchID != "" && f.BatchID != e.BatchID:
		return false
	case f.PersonaID != "" && f.PersonaID != e.PersonaID:
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

func isTerminal(eventType string) bool {
	switch eventType {
	case schema.EventRunCompleted, schema.EventRunFailed, schema.EventRunCancelled,
		schema.EventBatchCompleted, schema.EventBatchAborted:
		return true
	}
	return false
}
