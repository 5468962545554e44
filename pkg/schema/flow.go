package schema

// NodeType enumerates the kinds of nodes in a conversation flow.
type NodeType string

const (
	NodeTypeStart    NodeType = "start"
	NodeTypeEnd      NodeType = "end"
	NodeTypeAction   NodeType = "action"
	NodeTypeDecision NodeType = "decision"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeStart, NodeTypeEnd, NodeTypeAction, NodeTypeDecision:
		return true
	}
	return false
}

// Decision branch handles.
const (
	HandleYes = "yes"
	HandleNo  = "no"
)

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the optional, type-dependent payload of a node.
type NodeData struct {
	Description  string   `json:"description,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	FlowRef      string   `json:"flowRef,omitempty"`   // end nodes: continue in another flow
	Condition    string   `json:"condition,omitempty"` // decision nodes: expr over persona traits
}

// FlowNode is a single node of the conversation graph.
type FlowNode struct {
	ID       string    `json:"id"`
	Type     NodeType  `json:"type"`
	Label    string    `json:"label"`
	Position Position  `json:"position"`
	Data     *NodeData `json:"data,omitempty"`
}

// FlowRef returns the node's cross-flow reference, or "".
func (n *FlowNode) FlowRef() string {
	if n.Data == nil {
		return ""
	}
	return n.Data.FlowRef
}

// FlowEdge connects two nodes. SourceHandle discriminates decision branches.
type FlowEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// FlowData is the serializable snapshot unit for history, simulation and persistence.
type FlowData struct {
	Nodes []FlowNode `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

// Clone returns a deep copy that shares no slices or pointers with f.
func (f FlowData) Clone() FlowData {
	var out FlowData
	if f.Nodes != nil {
		out.Nodes = make([]FlowNode, len(f.Nodes))
		for i, n := range f.Nodes {
			out.Nodes[i] = n.Clone()
		}
	}
	if f.Edges != nil {
		out.Edges = make([]FlowEdge, len(f.Edges))
		copy(out.Edges, f.Edges)
	}
	return out
}

// Clone returns a deep copy of the node.
func (n FlowNode) Clone() FlowNode {
	if n.Data != nil {
		d := *n.Data
		if n.Data.Keywords != nil {
			d.Keywords = append([]string(nil), n.Data.Keywords...)
		}
		n.Data = &d
	}
	return n
}

// Node returns the node with the given id, or nil.
func (f *FlowData) Node(id string) *FlowNode {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// HasNode reports whether a node with the given id exists.
func (f *FlowData) HasNode(id string) bool {
	return f.Node(id) != nil
}

// Outgoing returns the edges whose source is id, in edge order.
func (f *FlowData) Outgoing(id string) []FlowEdge {
	var out []FlowEdge
	for _, e := range f.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// StartNodes returns all nodes of type start, in node order.
func (f *FlowData) StartNodes() []FlowNode {
	var out []FlowNode
	for _, n := range f.Nodes {
		if n.Type == NodeTypeStart {
			out = append(out, n)
		}
	}
	return out
}
