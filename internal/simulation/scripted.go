package simulation

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/flowsim/internal/expressions"
	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// DefaultLeadLine is spoken once a persona's script runs out.
const DefaultLeadLine = "Okay, tell me more."

// DropOffLine is spoken when a lead runs out of patience.
const DropOffLine = "Sorry, I don't have time for this."

// ScriptedResolver is an offline, deterministic TurnResolver. It walks the
// flow from its first start node, following edges one node per turn:
//   - lead lines come from the persona script, then DefaultLeadLine;
//   - decision nodes branch on their expr condition over the persona, or on
//     a keyword match against the lead line when no condition is set;
//   - other nodes prefer the edge whose target keywords match the lead line;
//   - reaching an end node completes with the outcome named by its keywords
//     or label;
//   - a node without outgoing edges blocks the run with a critical issue.
//
// The current position is recovered from the history on every call, so one
// resolver can serve many orchestrators.
type ScriptedResolver struct {
	engine expressions.Engine
}

// NewScriptedResolver creates a ScriptedResolver evaluating decision
// conditions with expr.
func NewScriptedResolver() *ScriptedResolver {
	return &ScriptedResolver{engine: expressions.NewExprEngine()}
}

func (s *ScriptedResolver) ResolveTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	flow := req.FlowData
	lead := leadLine(req.Persona, req.TurnNumber)

	if p := req.Persona.Patience; p > 0 && req.TurnNumber > p {
		return &TurnResult{
			LeadMessage:   DropOffLine,
			CurrentNodeID: lastAgentNode(req.History),
			IsComplete:    true,
			Outcome:       schema.OutcomeLost,
		}, nil
	}

	cur := s.position(&flow, req.History)
	if cur == nil {
		return &TurnResult{
			LeadMessage: lead,
			IsComplete:  true,
			Outcome:     schema.OutcomeBlocked,
			Issues: []schema.SimulationIssue{{
				Severity: schema.IssueCritical,
				Message:  "flow has no start node",
			}},
		}, nil
	}

	res := &TurnResult{LeadMessage: lead, CurrentNodeID: cur.ID}
	if cur.Type == schema.NodeTypeEnd {
		res.IsComplete = true
		res.Outcome = endOutcome(cur)
		return res, nil
	}

	edge, issue := s.choose(ctx, &flow, cur, req, lead)
	if issue != nil {
		res.Issues = append(res.Issues, *issue)
	}
	if edge == nil {
		res.IsComplete = true
		res.Outcome = schema.OutcomeBlocked
		if issue == nil || issue.Severity != schema.IssueCritical {
			res.Issues = append(res.Issues, schema.SimulationIssue{
				Severity: schema.IssueCritical,
				Message:  fmt.Sprintf("dead end: %q has no way forward", displayLabel(cur)),
				NodeID:   cur.ID,
			})
		}
		return res, nil
	}

	next := flow.Node(edge.Target)
	if next == nil {
		res.IsComplete = true
		res.Outcome = schema.OutcomeBlocked
		res.Issues = append(res.Issues, schema.SimulationIssue{
			Severity: schema.IssueCritical,
			Message:  fmt.Sprintf("edge %s points to missing node %s", edge.ID, edge.Target),
			NodeID:   cur.ID,
		})
		return res, nil
	}

	res.NextNodeID = next.ID
	res.AgentResponse = agentLine(next)
	if next.Type == schema.NodeTypeEnd {
		res.IsComplete = true
		res.Outcome = endOutcome(next)
	}
	return res, nil
}

// position returns the node the agent currently stands on.
func (s *ScriptedResolver) position(flow *schema.FlowData, history []schema.SimulationMessage) *schema.FlowNode {
	if id := lastAgentNode(history); id != "" {
		if n := flow.Node(id); n != nil {
			return n
		}
	}
	starts := flow.StartNodes()
	if len(starts) == 0 {
		return nil
	}
	return flow.Node(starts[0].ID)
}

// choose picks the outgoing edge to follow from cur. A nil edge means the
// walk cannot continue; the returned issue explains why when known.
func (s *ScriptedResolver) choose(ctx context.Context, flow *schema.FlowData, cur *schema.FlowNode, req TurnRequest, lead string) (*schema.FlowEdge, *schema.SimulationIssue) {
	out := flow.Outgoing(cur.ID)
	if len(out) == 0 {
		return nil, nil
	}
	if cur.Type != schema.NodeTypeDecision {
		for i := range out {
			if t := flow.Node(out[i].Target); t != nil && matchesAny(lead, keywords(t)) {
				return &out[i], nil
			}
		}
		return &out[0], nil
	}

	branch, issue := s.decide(ctx, cur, req, lead)
	for i := range out {
		if validation.BranchOf(out[i]) == branch {
			return &out[i], issue
		}
	}
	return nil, &schema.SimulationIssue{
		Severity: schema.IssueCritical,
		Message:  fmt.Sprintf("decision %q has no %q branch", displayLabel(cur), branch),
		NodeID:   cur.ID,
	}
}

func (s *ScriptedResolver) decide(ctx context.Context, cur *schema.FlowNode, req TurnRequest, lead string) (string, *schema.SimulationIssue) {
	var issue *schema.SimulationIssue
	if cond := condition(cur); cond != "" {
		ok, err := expressions.EvaluateBool(ctx, s.engine, cond, conditionEnv(req, lead))
		if err == nil {
			return branchName(ok), nil
		}
		issue = &schema.SimulationIssue{
			Severity: schema.IssueWarning,
			Message:  fmt.Sprintf("condition on %q failed, falling back to keywords: %v", displayLabel(cur), err),
			NodeID:   cur.ID,
		}
	}
	return branchName(matchesAny(lead, keywords(cur))), issue
}

func conditionEnv(req TurnRequest, lead string) map[string]any {
	traits := req.Persona.Traits
	if traits == nil {
		traits = map[string]any{}
	}
	return map[string]any{
		expressions.ExprVarTraits: traits,
		expressions.ExprVarPersona: map[string]any{
			"id":       req.Persona.ID,
			"name":     req.Persona.Name,
			"patience": req.Persona.Patience,
		},
		expressions.ExprVarLead: lead,
		expressions.ExprVarTurn: req.TurnNumber,
	}
}

func branchName(yes bool) string {
	if yes {
		return schema.HandleYes
	}
	return schema.HandleNo
}

func leadLine(p schema.Persona, turn int) string {
	if i := turn - 1; i >= 0 && i < len(p.Script) {
		return p.Script[i]
	}
	return DefaultLeadLine
}

// lastAgentNode returns the node of the latest agent message, or "" when
// there is none or the run was just handed over to another flow.
func lastAgentNode(history []schema.SimulationMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != schema.RoleAgent {
			continue
		}
		if strings.HasPrefix(m.Annotation, RedirectAnnotation) {
			return ""
		}
		if m.NodeID != "" {
			return m.NodeID
		}
	}
	return ""
}

// endOutcome reads the outcome from an end node's keywords, then its label.
func endOutcome(n *schema.FlowNode) schema.Outcome {
	for _, k := range keywords(n) {
		if o, ok := schema.ParseOutcome(k); ok {
			return o
		}
	}
	if o, ok := schema.ParseOutcome(n.Label); ok {
		return o
	}
	return ""
}

func agentLine(n *schema.FlowNode) string {
	if n.Data != nil && strings.TrimSpace(n.Data.Instructions) != "" {
		return n.Data.Instructions
	}
	return displayLabel(n)
}

func displayLabel(n *schema.FlowNode) string {
	if l := strings.TrimSpace(n.Label); l != "" {
		return l
	}
	return n.ID
}

func keywords(n *schema.FlowNode) []string {
	if n.Data == nil {
		return nil
	}
	return n.Data.Keywords
}

func condition(n *schema.FlowNode) string {
	if n.Data == nil {
		return ""
	}
	return strings.TrimSpace(n.Data.Condition)
}

func matchesAny(text string, words []string) bool {
	text = strings.ToLower(text)
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}
