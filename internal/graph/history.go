package graph

import "github.com/rendis/flowsim/pkg/schema"

// DefaultHistoryCap bounds the undo stack.
const DefaultHistoryCap = 50

// History is a snapshot-based undo/redo stack. Every snapshot is stored and
// returned by value (deep copy), so no node or edge is ever aliased between
// the live state and a snapshot.
type History struct {
	cap  int
	undo []schema.FlowData
	redo []schema.FlowData
}

// NewHistory creates a History holding at most capacity undo snapshots.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &History{cap: capacity}
}

// Push records a snapshot, evicting the oldest beyond the cap, and clears redo.
func (h *History) Push(current schema.FlowData) {
	h.undo = append(h.undo, current.Clone())
	if over := len(h.undo) - h.cap; over > 0 {
		h.undo = append([]schema.FlowData(nil), h.undo[over:]...)
	}
	h.redo = nil
}

// Undo moves current onto the redo stack and returns the most recent snapshot.
// Returns false (and leaves both stacks untouched) when there is nothing to undo.
func (h *History) Undo(current schema.FlowData) (schema.FlowData, bool) {
	if len(h.undo) == 0 {
		return schema.FlowData{}, false
	}
	top := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, current.Clone())
	return top.Clone(), true
}

// Redo is the inverse of Undo.
func (h *History) Redo(current schema.FlowData) (schema.FlowData, bool) {
	if len(h.redo) == 0 {
		return schema.FlowData{}, false
	}
	top := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, current.Clone())
	return top.Clone(), true
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Len returns the number of undo and redo snapshots.
func (h *History) Len() (undo, redo int) {
	return len(h.undo), len(h.redo)
}

// Clear drops all snapshots.
func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}
