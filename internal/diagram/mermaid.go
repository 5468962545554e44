package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/flowsim/pkg/schema"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Traversed edges are drawn thick.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Traversed {
			arrow = "==>"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	if !model.Overlay {
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef warning fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef critical fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef unvisited fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), overlayClass(node))
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)
	if node.Visit != nil && node.Visit.Order > 0 {
		label = fmt.Sprintf("%d. %s", node.Visit.Order, label)
	} else if node.Visit != nil && node.Visit.Visits > 1 {
		label = fmt.Sprintf("%s (x%d)", label, node.Visit.Visits)
	}

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindStart:
		return fmt.Sprintf("%s((%q))", id, label)
	case NodeKindEnd:
		return fmt.Sprintf("%s(((%q)))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

// overlayClass maps a node's visit state to a style class name shared by
// all renderers.
func overlayClass(node *Node) string {
	switch {
	case node.Visit == nil:
		return "unvisited"
	case node.Visit.Severity == schema.IssueCritical:
		return "critical"
	case node.Visit.Severity == schema.IssueWarning:
		return "warning"
	case node.Visit.Visits == 0:
		return "unvisited"
	default:
		return "visited"
	}
}
