// Package validation reports structural problems in a conversation flow.
// Findings are data, never errors: they classify as error, warning or info
// and never block editing.
package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/flowsim/pkg/schema"
)

// Validate runs the built-in rule set over a graph. It is pure and
// deterministic: the same input always yields the same findings, ids
// included, ordered error → warning → info.
func Validate(nodes []schema.FlowNode, edges []schema.FlowEdge) []schema.Warning {
	c := &collector{}

	nodeIDs := make(map[string]bool, len(nodes))
	var hasStart, hasEnd bool
	for _, n := range nodes {
		nodeIDs[n.ID] = true
		switch n.Type {
		case schema.NodeTypeStart:
			hasStart = true
		case schema.NodeTypeEnd:
			hasEnd = true
		}
	}

	if !hasStart {
		c.add(schema.SeverityError, schema.WarnMissingStart, "", "",
			"flow has no start node")
	}
	if !hasEnd {
		c.add(schema.SeverityError, schema.WarnMissingEnd, "", "",
			"flow has no end node")
	}

	incoming := make(map[string]int, len(nodes))
	outgoing := make(map[string][]schema.FlowEdge, len(nodes))
	for _, e := range edges {
		srcOK, dstOK := nodeIDs[e.Source], nodeIDs[e.Target]
		switch {
		case !srcOK && !dstOK:
			c.add(schema.SeverityError, schema.WarnDanglingEdge, "", e.ID,
				fmt.Sprintf("edge %q references missing nodes %q and %q", e.ID, e.Source, e.Target))
		case !srcOK:
			c.add(schema.SeverityError, schema.WarnDanglingEdge, "", e.ID,
				fmt.Sprintf("edge %q references missing source node %q", e.ID, e.Source))
		case !dstOK:
			c.add(schema.SeverityError, schema.WarnDanglingEdge, e.Source, e.ID,
				fmt.Sprintf("edge %q references missing target node %q", e.ID, e.Target))
		}
		if srcOK {
			outgoing[e.Source] = append(outgoing[e.Source], e)
			incoming[e.Target]++
		}
	}

	for _, n := range nodes {
		name := displayName(n)

		if n.Type != schema.NodeTypeStart && incoming[n.ID] == 0 {
			c.add(schema.SeverityWarning, schema.WarnUnreachable, n.ID, "",
				fmt.Sprintf("%s has no incoming connection and cannot be reached", name))
		}

		if n.Type == schema.NodeTypeDecision {
			checkBranches(c, n, name, outgoing[n.ID])
		}

		if n.Type != schema.NodeTypeEnd && len(outgoing[n.ID]) == 0 && n.FlowRef() == "" {
			c.add(schema.SeverityWarning, schema.WarnDeadEnd, n.ID, "",
				fmt.Sprintf("%s has no outgoing connection; the conversation stops here", name))
		}

		if strings.TrimSpace(n.Label) == "" {
			c.add(schema.SeverityInfo, schema.WarnEmptyLabel, n.ID, "",
				fmt.Sprintf("%s node %q has no label", n.Type, n.ID))
		}

		if n.Type == schema.NodeTypeAction && (n.Data == nil || strings.TrimSpace(n.Data.Instructions) == "") {
			c.add(schema.SeverityInfo, schema.WarnNoInstructions, n.ID, "",
				fmt.Sprintf("%s has no agent instructions", name))
		}
	}

	schema.SortWarnings(c.out)
	return c.out
}

// checkBranches requires one "yes" and one "no" branch per decision node and
// flags outgoing edges that are neither.
func checkBranches(c *collector, n schema.FlowNode, name string, out []schema.FlowEdge) {
	var yes, no bool
	for _, e := range out {
		switch BranchOf(e) {
		case schema.HandleYes:
			yes = true
		case schema.HandleNo:
			no = true
		default:
			c.add(schema.SeverityError, schema.WarnAmbiguousBranch, n.ID, e.ID,
				fmt.Sprintf("%s has an outgoing edge %q that is neither a yes nor a no branch", name, e.ID))
		}
	}
	if !yes {
		c.addKeyed(schema.SeverityError, schema.WarnMissingBranch, n.ID, schema.HandleYes,
			fmt.Sprintf("%s is missing its \"yes\" branch", name))
	}
	if !no {
		c.addKeyed(schema.SeverityError, schema.WarnMissingBranch, n.ID, schema.HandleNo,
			fmt.Sprintf("%s is missing its \"no\" branch", name))
	}
}

// BranchOf classifies a decision edge as schema.HandleYes, schema.HandleNo or
// "" from its source handle, falling back to its label.
func BranchOf(e schema.FlowEdge) string {
	for _, s := range []string{e.SourceHandle, e.Label} {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case schema.HandleYes:
			return schema.HandleYes
		case schema.HandleNo:
			return schema.HandleNo
		}
	}
	return ""
}

// Summarize counts findings per severity.
func Summarize(ws []schema.Warning) schema.WarningSummary {
	var s schema.WarningSummary
	for _, w := range ws {
		switch w.Severity {
		case schema.SeverityError:
			s.Errors++
		case schema.SeverityWarning:
			s.Warnings++
		case schema.SeverityInfo:
			s.Info++
		}
	}
	return s
}

func displayName(n schema.FlowNode) string {
	if l := strings.TrimSpace(n.Label); l != "" {
		return fmt.Sprintf("%s node %q", n.Type, l)
	}
	return fmt.Sprintf("%s node %q", n.Type, n.ID)
}

// collector accumulates findings with ids derived from their subject, so
// repeated runs over the same graph produce identical ids.
type collector struct {
	out []schema.Warning
}

// add records a finding about a node, an edge, or the whole graph.
func (c *collector) add(sev schema.Severity, code, nodeID, edgeID, msg string) {
	c.out = append(c.out, schema.Warning{
		ID:       findingID(code, nodeID, edgeID),
		Severity: sev,
		Code:     code,
		Message:  msg,
		NodeID:   nodeID,
		EdgeID:   edgeID,
	})
}

// addKeyed records a node finding that can occur more than once per node.
func (c *collector) addKeyed(sev schema.Severity, code, nodeID, key, msg string) {
	c.out = append(c.out, schema.Warning{
		ID:       findingID(code, nodeID, key),
		Severity: sev,
		Code:     code,
		Message:  msg,
		NodeID:   nodeID,
	})
}

func findingID(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}
