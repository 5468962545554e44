package mcp

import (
	"context"
	"sync"

	"github.com/rendis/flowsim/internal/graph"
	"github.com/rendis/flowsim/internal/validation"
)

// editSession is one flow being edited through flowsim.edit.
type editSession struct {
	id       string
	clientID string // owning MCP client session, "" over stdio
	flowID   string // stored flow the session was opened from or saved to
	name     string
	model    *graph.Model
	watcher  *validation.Watcher
	cancel   context.CancelFunc
}

func (e *editSession) close() {
	e.watcher.Stop()
	e.cancel()
}

// SessionRegistry tracks open edit sessions.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*editSession
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*editSession)}
}

func (r *SessionRegistry) register(sess *editSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.id] = sess
}

func (r *SessionRegistry) get(id string) (*editSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Close stops and forgets the edit session id. Reports whether it existed.
func (r *SessionRegistry) Close(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		sess.close()
	}
	return ok
}

// RemoveClient closes every edit session owned by clientID.
// Called when a client disconnects. Returns the number closed.
func (r *SessionRegistry) RemoveClient(clientID string) int {
	r.mu.Lock()
	var closed []*editSession
	for id, sess := range r.sessions {
		if sess.clientID == clientID {
			closed = append(closed, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, sess := range closed {
		sess.close()
	}
	return len(closed)
}

// CloseAll closes every open edit session.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*editSession)
	r.mu.Unlock()
	for _, sess := range all {
		sess.close()
	}
}

// Len returns the number of open edit sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
