package diagram

import (
	"strings"

	"github.com/rendis/flowsim/internal/layout"
	"github.com/rendis/flowsim/pkg/schema"
)

// Build constructs a DiagramModel from a flow. Levels follow the layout
// ranks. Edges to unknown nodes are dropped.
func Build(title string, flow schema.FlowData) *DiagramModel {
	if title == "" {
		title = "Flow"
	}
	m := &DiagramModel{
		Title:  title,
		Nodes:  make([]*Node, 0, len(flow.Nodes)),
		Levels: layout.Ranks(flow.Nodes, flow.Edges),
	}
	for _, n := range flow.Nodes {
		m.Nodes = append(m.Nodes, &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Type)})
	}
	for _, e := range flow.Edges {
		if !flow.HasNode(e.Source) || !flow.HasNode(e.Target) {
			continue
		}
		m.Edges = append(m.Edges, Edge{From: e.Source, To: e.Target, Label: edgeLabel(e)})
	}
	return m
}

// BuildRun overlays one run: visit order, the worst issue per node, and the
// edges walked between consecutive nodes of the conversation.
func BuildRun(title string, run *schema.SimulationRun) *DiagramModel {
	m := Build(title, run.FlowData)
	m.Overlay = true

	for i, id := range run.NodesVisited {
		if n := m.node(id); n != nil {
			n.Visit = &VisitOverlay{Order: i + 1, Visits: 1}
		}
	}
	overlayIssues(m, run.Issues)

	walked := make(map[[2]string]bool)
	prev := ""
	for _, msg := range run.Messages {
		if msg.NodeID == "" || msg.NodeID == prev {
			continue
		}
		if prev != "" {
			walked[[2]string{prev, msg.NodeID}] = true
		}
		prev = msg.NodeID
	}
	for i := range m.Edges {
		e := &m.Edges[i]
		e.Traversed = walked[[2]string{e.From, e.To}]
	}
	return m
}

// BuildBatch overlays a batch: per node, how many runs reached it and the
// worst issue any run reported there.
func BuildBatch(title string, flow schema.FlowData, res *schema.BatchTestResult) *DiagramModel {
	m := Build(title, flow)
	m.Overlay = true
	for _, run := range res.Runs {
		for _, id := range run.NodesVisited {
			n := m.node(id)
			if n == nil {
				continue
			}
			if n.Visit == nil {
				n.Visit = &VisitOverlay{}
			}
			n.Visit.Visits++
		}
		overlayIssues(m, run.Issues)
	}
	return m
}

func overlayIssues(m *DiagramModel, issues []schema.SimulationIssue) {
	for _, is := range issues {
		n := m.node(is.NodeID)
		if n == nil {
			continue
		}
		if n.Visit == nil {
			n.Visit = &VisitOverlay{}
		}
		if n.Visit.Severity != schema.IssueCritical {
			n.Visit.Severity = is.Severity
		}
	}
}

func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeEnd:
		return NodeKindEnd
	case schema.NodeTypeDecision:
		return NodeKindDecision
	default:
		return NodeKindAction
	}
}

func nodeLabel(n schema.FlowNode) string {
	label := strings.TrimSpace(n.Label)
	if label == "" {
		label = n.ID
	}
	if ref := n.FlowRef(); ref != "" {
		label += " -> " + ref
	}
	return label
}

func edgeLabel(e schema.FlowEdge) string {
	if e.Label != "" {
		return e.Label
	}
	return e.SourceHandle
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
