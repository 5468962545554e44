// Package layout computes layered positions for a conversation flow graph.
package layout

import (
	"sort"

	"github.com/rendis/flowsim/pkg/schema"
)

// Placement constants. Positions are the top-left corner of a node.
const (
	OriginX     = 400.0 // horizontal center line of every rank
	OriginY     = 50.0
	RankSpacing = 150.0
	NodeGap     = 50.0
)

// footprint is the horizontal width reserved for a node of the given type.
func footprint(t schema.NodeType) float64 {
	switch t {
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return 150
	case schema.NodeTypeDecision:
		return 200
	default:
		return 250
	}
}

// AutoLayout returns a copy of nodes with new positions. Ids, order and every
// other field are preserved.
//
// Each node reachable from a start node gets depth = 1 + max(depth of its
// predecessors). Back edges found by a DFS from the start nodes are ignored,
// so cycles and other malformed graphs still terminate. Nodes unreachable from
// any start are placed on one extra rank below the deepest one.
func AutoLayout(nodes []schema.FlowNode, edges []schema.FlowEdge) []schema.FlowNode {
	out := make([]schema.FlowNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	if len(nodes) == 0 {
		return out
	}

	byID := make(map[string]schema.NodeType, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n.Type
	}

	positions := make(map[string]schema.Position, len(nodes))
	for d, ids := range Ranks(nodes, edges) {
		total := NodeGap * float64(len(ids)-1)
		for _, id := range ids {
			total += footprint(byID[id])
		}
		x := OriginX - total/2
		y := OriginY + float64(d)*RankSpacing
		for _, id := range ids {
			positions[id] = schema.Position{X: x, Y: y}
			x += footprint(byID[id]) + NodeGap
		}
	}

	for i := range out {
		out[i].Position = positions[out[i].ID]
	}
	return out
}

// Ranks groups node ids by depth, each rank sorted by id. Rank i holds the
// nodes at depth i; nodes unreachable from any start form the last rank.
// Edges touching unknown nodes are ignored.
func Ranks(nodes []schema.FlowNode, edges []schema.FlowEdge) [][]string {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	succs := make(map[string][]string, len(nodes))
	for _, e := range edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		succs[e.Source] = append(succs[e.Source], e.Target)
	}
	for id := range succs {
		sort.Strings(succs[id])
	}

	var starts []string
	for _, n := range nodes {
		if n.Type == schema.NodeTypeStart {
			starts = append(starts, n.ID)
		}
	}
	sort.Strings(starts)

	depth := computeDepths(forwardEdges(starts, succs))

	maxDepth := -1
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	ranks := make([][]string, maxDepth+1)
	for id, d := range depth {
		ranks[d] = append(ranks[d], id)
	}
	var unreachable []string
	for _, n := range nodes {
		if _, ok := depth[n.ID]; !ok {
			unreachable = append(unreachable, n.ID)
		}
	}
	if len(unreachable) > 0 {
		ranks = append(ranks, unreachable)
	}
	for i := range ranks {
		sort.Strings(ranks[i])
		ranks[i] = dedupe(ranks[i])
	}
	return ranks
}

// forwardEdges walks the graph depth-first from the start nodes and returns
// the reachable subgraph without back edges (edges into a node that is on the
// current DFS path). The result is acyclic.
func forwardEdges(starts []string, succs map[string][]string) map[string][]string {
	forward := make(map[string][]string)
	visited := make(map[string]bool)
	onPath := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onPath[id] = true
		if _, ok := forward[id]; !ok {
			forward[id] = nil
		}
		for _, next := range succs[id] {
			if onPath[next] {
				continue // back edge: treat next as already assigned
			}
			forward[id] = append(forward[id], next)
			if !visited[next] {
				visit(next)
			}
		}
		onPath[id] = false
	}

	for _, s := range starts {
		if !visited[s] {
			visit(s)
		}
	}
	return forward
}

// computeDepths assigns longest-path depths over an acyclic adjacency map
// using Kahn's algorithm.
func computeDepths(forward map[string][]string) map[string]int {
	inDegree := make(map[string]int, len(forward))
	for id := range forward {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, next := range forward[id] {
			inDegree[next]++
		}
	}

	queue := make([]string, 0, len(inDegree))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	depth := make(map[string]int, len(inDegree))
	for _, id := range queue {
		depth[id] = 0
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range forward[id] {
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return depth
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
