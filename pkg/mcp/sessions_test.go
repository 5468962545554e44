package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowsim/internal/graph"
	"github.com/rendis/flowsim/internal/validation"
)

func newIdleSession(t *testing.T, id, clientID string) *editSession {
	t.Helper()
	v, err := validation.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := graph.NewModel(graph.Options{})
	return &editSession{
		id:       id,
		clientID: clientID,
		model:    m,
		watcher:  validation.NewWatcher(ctx, v, m, 0, nil),
		cancel:   cancel,
	}
}

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.register(newIdleSession(t, "s1", "client-a"))
	sess, ok := r.get("s1")
	assert.True(t, ok)
	assert.Equal(t, "client-a", sess.clientID)
	assert.Equal(t, 1, r.Len())
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.get("unknown")
	assert.False(t, ok)
	assert.False(t, r.Close("unknown"))
}

func TestSessionRegistry_Close(t *testing.T) {
	r := NewSessionRegistry()
	sess := newIdleSession(t, "s1", "")
	r.register(sess)

	assert.True(t, r.Close("s1"))
	assert.Equal(t, 0, r.Len())

	// Closed watchers ignore further changes.
	sess.watcher.Notify()
	assert.Empty(t, sess.watcher.Latest())
}

func TestSessionRegistry_RemoveClient(t *testing.T) {
	r := NewSessionRegistry()

	r.register(newIdleSession(t, "s1", "client-a"))
	r.register(newIdleSession(t, "s2", "client-a"))
	r.register(newIdleSession(t, "s3", "client-b"))

	assert.Equal(t, 2, r.RemoveClient("client-a"))

	_, ok := r.get("s1")
	assert.False(t, ok)
	_, ok = r.get("s3")
	assert.True(t, ok)
}

func TestSessionRegistry_CloseAll(t *testing.T) {
	r := NewSessionRegistry()
	r.register(newIdleSession(t, "s1", ""))
	r.register(newIdleSession(t, "s2", ""))

	r.CloseAll()
	assert.Equal(t, 0, r.Len())
}
