package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/flowsim/pkg/schema"
)

// visitTag returns a short indicator of a node's overlay state.
func visitTag(v *VisitOverlay) string {
	if v == nil {
		return ""
	}
	var parts []string
	switch {
	case v.Order > 0:
		parts = append(parts, fmt.Sprintf("#%d", v.Order))
	case v.Visits > 0:
		parts = append(parts, fmt.Sprintf("x%d", v.Visits))
	}
	switch v.Severity {
	case schema.IssueCritical:
		parts = append(parts, "!!")
	case schema.IssueWarning:
		parts = append(parts, "!")
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// RenderASCII renders a DiagramModel as boxes, one row per level, followed
// by the edge list.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := model.node(id); node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	if len(model.Edges) > 0 {
		b.WriteString("\nedges:\n")
		for _, e := range model.Edges {
			arrow := "─→"
			if e.Traversed {
				arrow = "═▶"
			}
			label := ""
			if e.Label != "" {
				label = " (" + e.Label + ")"
			}
			fmt.Fprintf(&b, "  %s %s %s%s\n", e.From, arrow, e.To, label)
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := []string{firstLine(node.Label)}
	if tag := visitTag(node.Visit); tag != "" {
		content = append(content, tag)
	}
	if node.Kind == NodeKindDecision {
		content[0] = "<" + content[0] + ">"
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, line := range content {
		pad := strings.Repeat(" ", maxLen-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
