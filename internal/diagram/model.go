// Package diagram renders a conversation flow as Mermaid, Graphviz or plain
// text, optionally overlaid with what a simulation run or batch visited.
package diagram

import "github.com/rendis/flowsim/pkg/schema"

// NodeKind classifies a diagram node by its flow node type.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
	NodeKindAction   NodeKind = "action"
	NodeKindDecision NodeKind = "decision"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
	// Overlay is true when the model carries visit data; unvisited nodes are
	// then styled as such.
	Overlay bool
}

// Node is one flow node.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
	Visit *VisitOverlay
}

// VisitOverlay carries what simulations observed at a node.
type VisitOverlay struct {
	// Order is the 1-based position in a single run's visit sequence; 0 for
	// batch overlays.
	Order int
	// Visits counts the runs that reached the node.
	Visits   int
	Severity schema.IssueSeverity
}

// Edge connects two nodes.
type Edge struct {
	From      string
	To        string
	Label     string
	Traversed bool
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
