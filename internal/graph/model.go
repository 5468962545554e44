// Package graph owns the editable conversation flow: node/edge mutations,
// snapshot-based undo/redo and the host editor contract.
package graph

import (
	"math"
	"sync"

	"github.com/rendis/flowsim/internal/layout"
	"github.com/rendis/flowsim/pkg/schema"
)

// Default placement for nodes added without an explicit position.
const (
	DefaultX     = 250.0
	FirstY       = 50.0
	StackSpacing = 120.0
	SnapRadius   = 20.0
	NudgeStep    = 40.0
)

// ChangeKind classifies a mutation notification.
type ChangeKind string

const (
	ChangeStructure ChangeKind = "structure"
	ChangePosition  ChangeKind = "position"
	ChangeHistory   ChangeKind = "history"
	ChangeReplace   ChangeKind = "replace"
	ChangeSaved     ChangeKind = "saved"
)

// ChangeEvent is delivered to listeners after every mutation.
type ChangeEvent struct {
	Kind   ChangeKind
	NodeID string
	EdgeID string
}

// Listener receives change notifications. Called without the model lock held.
type Listener func(ChangeEvent)

// NodePatch lists node fields to update; nil fields are left untouched.
type NodePatch struct {
	Type  *schema.NodeType
	Label *string
	Data  *schema.NodeData
}

// EdgePatch lists edge fields to update; nil fields are left untouched.
type EdgePatch struct {
	Source       *string
	Target       *string
	Label        *string
	SourceHandle *string
}

// Options configures a Model.
type Options struct {
	IDs        schema.IDGenerator // nil = random UUIDs
	HistoryCap int                // <= 0 = DefaultHistoryCap
}

// Model owns one flow graph. Structural mutations record a history snapshot
// before they are applied; position updates do not. Mutations never reject
// logically invalid input such as an edge to a missing node: the validator
// reports those.
type Model struct {
	mu        sync.Mutex
	data      schema.FlowData
	history   *History
	ids       schema.IDGenerator
	dirty     bool
	listeners []Listener

	dragSnapshot *schema.FlowData
	dragMoved    bool
}

// NewModel creates an empty Model.
func NewModel(opts Options) *Model {
	ids := opts.IDs
	if ids == nil {
		ids = schema.UUIDGenerator()
	}
	return &Model{
		history: NewHistory(opts.HistoryCap),
		ids:     ids,
	}
}

// OnChange registers a listener for mutation notifications.
func (m *Model) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// --- Host contract ---

// FlowData returns a deep copy of the current graph.
func (m *Model) FlowData() schema.FlowData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

// SetFlowData replaces the graph, clears history and marks the model clean.
func (m *Model) SetFlowData(data schema.FlowData) {
	m.mu.Lock()
	m.data = data.Clone()
	m.history.Clear()
	m.dragSnapshot = nil
	m.dirty = false
	m.unlockAndNotify(ChangeEvent{Kind: ChangeReplace})
}

// MarkAsChanged flags unsaved changes.
func (m *Model) MarkAsChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
}

// MarkAsSaved clears the unsaved-changes flag.
func (m *Model) MarkAsSaved() {
	m.mu.Lock()
	m.dirty = false
	m.unlockAndNotify(ChangeEvent{Kind: ChangeSaved})
}

// IsDirty reports whether there are unsaved changes.
func (m *Model) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Node returns a copy of the node with the given id.
func (m *Model) Node(id string) (schema.FlowNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.data.Node(id); n != nil {
		return n.Clone(), true
	}
	return schema.FlowNode{}, false
}

// --- Node mutations ---

// AddNode appends a node of the given type and returns its id. Without a
// position, the node is stacked below the lowest existing node.
func (m *Model) AddNode(typ schema.NodeType, pos *schema.Position) string {
	m.mu.Lock()
	p := m.nextPosition()
	if pos != nil {
		p = *pos
	}
	m.record()
	node := schema.FlowNode{
		ID:       m.ids(),
		Type:     typ,
		Label:    defaultLabel(typ),
		Position: p,
	}
	m.data.Nodes = append(m.data.Nodes, node)
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure, NodeID: node.ID})
	return node.ID
}

// UpdateNode applies a patch. Returns false if the node does not exist.
func (m *Model) UpdateNode(id string, patch NodePatch) bool {
	m.mu.Lock()
	idx := m.nodeIndex(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.record()
	n := &m.data.Nodes[idx]
	if patch.Type != nil {
		n.Type = *patch.Type
	}
	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Data != nil {
		d := schema.FlowNode{Data: patch.Data}.Clone().Data
		n.Data = d
	}
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure, NodeID: id})
	return true
}

// UpdateNodePosition moves a node without recording history. Drag gestures
// bracket a series of these with BeginDrag/EndDrag.
func (m *Model) UpdateNodePosition(id string, pos schema.Position) bool {
	m.mu.Lock()
	idx := m.nodeIndex(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.data.Nodes[idx].Position = pos
	if m.dragSnapshot != nil {
		m.dragMoved = true
	}
	m.unlockAndNotify(ChangeEvent{Kind: ChangePosition, NodeID: id})
	return true
}

// BeginDrag captures the pre-drag state. Nested calls are ignored.
func (m *Model) BeginDrag() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dragSnapshot != nil {
		return
	}
	snap := m.data.Clone()
	m.dragSnapshot = &snap
	m.dragMoved = false
}

// EndDrag commits exactly one history snapshot for the gesture, and only if
// something moved.
func (m *Model) EndDrag() {
	m.mu.Lock()
	if !m.commitDrag() {
		m.mu.Unlock()
		return
	}
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure})
}

// DeleteNode removes a node and every edge whose source or target is id.
func (m *Model) DeleteNode(id string) bool {
	m.mu.Lock()
	idx := m.nodeIndex(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.record()
	m.data.Nodes = append(m.data.Nodes[:idx], m.data.Nodes[idx+1:]...)
	kept := m.data.Edges[:0]
	for _, e := range m.data.Edges {
		if e.Source == id || e.Target == id {
			continue
		}
		kept = append(kept, e)
	}
	m.data.Edges = kept
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure, NodeID: id})
	return true
}

// --- Edge mutations ---

// AddEdge connects source to target and returns the new edge id. An edge with
// the same source, target and handle already present makes this a no-op that
// returns "". Decision branches may share a target as long as handles differ.
func (m *Model) AddEdge(source, target, label, handle string) string {
	m.mu.Lock()
	for _, e := range m.data.Edges {
		if e.Source == source && e.Target == target && e.SourceHandle == handle {
			m.mu.Unlock()
			return ""
		}
	}
	m.record()
	e := schema.FlowEdge{
		ID:           m.ids(),
		Source:       source,
		Target:       target,
		Label:        label,
		SourceHandle: handle,
	}
	m.data.Edges = append(m.data.Edges, e)
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure, EdgeID: e.ID})
	return e.ID
}

// UpdateEdge applies a patch. Returns false if the edge does not exist.
func (m *Model) UpdateEdge(id string, patch EdgePatch) bool {
	m.mu.Lock()
	idx := m.edgeIndex(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.record()
	e := &m.data.Edges[idx]
	if patch.Source != nil {
		e.Source = *patch.Source
	}
	if patch.Target != nil {
		e.Target = *patch.Target
	}
	if patch.Label != nil {
		e.Label = *patch.Label
	}
	if patch.SourceHandle != nil {
		e.SourceHandle = *patch.SourceHandle
	}
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure, EdgeID: id})
	return true
}

// DeleteEdge removes an edge. Returns false if it does not exist.
func (m *Model) DeleteEdge(id string) bool {
	m.mu.Lock()
	idx := m.edgeIndex(id)
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.record()
	m.data.Edges = append(m.data.Edges[:idx], m.data.Edges[idx+1:]...)
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure, EdgeID: id})
	return true
}

// ApplyLayout repositions every node with layout.AutoLayout as one undoable step.
func (m *Model) ApplyLayout() {
	m.mu.Lock()
	m.record()
	m.data.Nodes = layout.AutoLayout(m.data.Nodes, m.data.Edges)
	m.unlockAndNotify(ChangeEvent{Kind: ChangeStructure})
}

// --- History ---

// Undo restores the previous snapshot. Returns false if there is none.
func (m *Model) Undo() bool {
	m.mu.Lock()
	m.commitDrag()
	prev, ok := m.history.Undo(m.data)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.data = prev
	m.dirty = true
	m.unlockAndNotify(ChangeEvent{Kind: ChangeHistory})
	return true
}

// Redo re-applies the last undone snapshot. Returns false if there is none.
func (m *Model) Redo() bool {
	m.mu.Lock()
	m.commitDrag()
	next, ok := m.history.Redo(m.data)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.data = next
	m.dirty = true
	m.unlockAndNotify(ChangeEvent{Kind: ChangeHistory})
	return true
}

func (m *Model) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.CanUndo()
}

func (m *Model) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.CanRedo()
}

// --- internals (caller holds m.mu) ---

// record snapshots the current state ahead of a structural mutation. An open
// drag gesture is committed first so snapshots stay in mutation order.
func (m *Model) record() {
	m.commitDrag()
	m.history.Push(m.data)
	m.dirty = true
}

// commitDrag ends an open drag gesture, pushing its pre-drag snapshot if
// anything moved. Reports whether a snapshot was pushed.
func (m *Model) commitDrag() bool {
	snap, moved := m.dragSnapshot, m.dragMoved
	m.dragSnapshot = nil
	m.dragMoved = false
	if snap == nil || !moved {
		return false
	}
	m.history.Push(*snap)
	m.dirty = true
	return true
}

// unlockAndNotify releases the lock and fans the event out to listeners.
func (m *Model) unlockAndNotify(ev ChangeEvent) {
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (m *Model) nodeIndex(id string) int {
	for i := range m.data.Nodes {
		if m.data.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func (m *Model) edgeIndex(id string) int {
	for i := range m.data.Edges {
		if m.data.Edges[i].ID == id {
			return i
		}
	}
	return -1
}

// nextPosition stacks a new node below the lowest existing one, nudging it
// sideways until no node lies within SnapRadius.
func (m *Model) nextPosition() schema.Position {
	if len(m.data.Nodes) == 0 {
		return schema.Position{X: DefaultX, Y: FirstY}
	}
	lowest := m.data.Nodes[0].Position
	for _, n := range m.data.Nodes[1:] {
		if n.Position.Y > lowest.Y {
			lowest = n.Position
		}
	}
	p := schema.Position{X: lowest.X, Y: lowest.Y + StackSpacing}
	for m.occupied(p) {
		p.X += NudgeStep
	}
	return p
}

func (m *Model) occupied(p schema.Position) bool {
	for _, n := range m.data.Nodes {
		if math.Abs(n.Position.X-p.X) <= SnapRadius && math.Abs(n.Position.Y-p.Y) <= SnapRadius {
			return true
		}
	}
	return false
}

func defaultLabel(t schema.NodeType) string {
	switch t {
	case schema.NodeTypeStart:
		return "Start"
	case schema.NodeTypeEnd:
		return "End"
	case schema.NodeTypeDecision:
		return "New Decision"
	default:
		return "New Action"
	}
}
