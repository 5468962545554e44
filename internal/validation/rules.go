package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/flowsim/internal/expressions"
	"github.com/rendis/flowsim/pkg/schema"
)

// Rule is an author-defined CEL assertion checked against every node it
// applies to. A finding is emitted for each node on which Assert is false.
//
// Assert sees node (id, type, label, data), incoming and outgoing (edge lists)
// and flow (node and edge totals). Example:
//
//	Rule{Name: "short-labels", Assert: "size(node.label) <= 40", Severity: schema.SeverityInfo}
type Rule struct {
	Name      string            `json:"name" yaml:"name"`
	Assert    string            `json:"assert" yaml:"assert"`
	Message   string            `json:"message,omitempty" yaml:"message"`
	Severity  schema.Severity   `json:"severity,omitempty" yaml:"severity"`
	NodeTypes []schema.NodeType `json:"nodeTypes,omitempty" yaml:"node_types"`
}

func (r Rule) appliesTo(t schema.NodeType) bool {
	if len(r.NodeTypes) == 0 {
		return true
	}
	for _, nt := range r.NodeTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// Validator runs the built-in rule set plus any custom CEL rules.
// Safe for concurrent use.
type Validator struct {
	cel        *expressions.CELEngine
	conditions *expressions.ExprEngine
	rules      []Rule
	logger     *slog.Logger
}

// NewValidator compiles rules up front; an invalid rule fails construction.
// Severity defaults to warning.
func NewValidator(rules ...Rule) (*Validator, error) {
	engine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	compiled := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "validation rule has no name")
		}
		if r.Severity == "" {
			r.Severity = schema.SeverityWarning
		}
		if r.Severity.Rank() > schema.SeverityInfo.Rank() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"rule %q: unknown severity %q", r.Name, r.Severity)
		}
		if err := engine.Compile(r.Assert); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rule %q does not compile", r.Name).
				WithCause(err)
		}
		compiled = append(compiled, r)
	}

	return &Validator{
		cel:        engine,
		conditions: expressions.NewExprEngine(),
		rules:      compiled,
		logger:     slog.Default(),
	}, nil
}

// WithLogger routes rule evaluation diagnostics to logger. A nil logger is
// ignored.
func (v *Validator) WithLogger(logger *slog.Logger) *Validator {
	if logger != nil {
		v.logger = logger
	}
	return v
}

// Rules returns the configured custom rules.
func (v *Validator) Rules() []Rule {
	return append([]Rule(nil), v.rules...)
}

// Validate checks data with the built-in rules, compiles decision
// conditions and runs every custom rule. A rule that fails to evaluate on a
// node is reported as a warning finding rather than aborting validation.
func (v *Validator) Validate(ctx context.Context, data schema.FlowData) []schema.Warning {
	out := Validate(data.Nodes, data.Edges)
	out = append(out, v.checkConditions(data.Nodes)...)
	if len(v.rules) == 0 {
		schema.SortWarnings(out)
		return out
	}

	flowVars := map[string]any{
		"nodes": len(data.Nodes),
		"edges": len(data.Edges),
	}
	incoming := make(map[string][]any, len(data.Nodes))
	outgoing := make(map[string][]any, len(data.Nodes))
	for _, e := range data.Edges {
		ev := edgeVars(e)
		outgoing[e.Source] = append(outgoing[e.Source], ev)
		incoming[e.Target] = append(incoming[e.Target], ev)
	}

	c := &collector{out: out}
	for _, r := range v.rules {
		for _, n := range data.Nodes {
			if !r.appliesTo(n.Type) {
				continue
			}
			vars := map[string]any{
				expressions.CELVarNode:     nodeVars(n),
				expressions.CELVarIncoming: orEmpty(incoming[n.ID]),
				expressions.CELVarOutgoing: orEmpty(outgoing[n.ID]),
				expressions.CELVarFlow:     flowVars,
			}
			ok, err := expressions.EvaluateBool(ctx, v.cel, r.Assert, vars)
			if err != nil {
				v.logger.DebugContext(ctx, "validation rule failed to evaluate",
					slog.String("rule", r.Name), slog.String("node_id", n.ID), slog.Any("error", err))
				c.addKeyed(schema.SeverityWarning, schema.WarnCustomRule, n.ID, r.Name,
					fmt.Sprintf("rule %q could not be evaluated on %s: %v", r.Name, displayName(n), err))
				continue
			}
			if !ok {
				c.addKeyed(r.Severity, schema.WarnCustomRule, n.ID, r.Name, ruleMessage(r, n))
			}
		}
	}

	schema.SortWarnings(c.out)
	return c.out
}

// checkConditions reports decision conditions the scripted resolver could
// not compile.
func (v *Validator) checkConditions(nodes []schema.FlowNode) []schema.Warning {
	c := &collector{}
	for _, n := range nodes {
		if n.Type != schema.NodeTypeDecision || n.Data == nil || strings.TrimSpace(n.Data.Condition) == "" {
			continue
		}
		if err := v.conditions.Compile(n.Data.Condition); err != nil {
			c.add(schema.SeverityError, schema.WarnBadCondition, n.ID, "",
				fmt.Sprintf("%s has a condition that does not compile: %v", displayName(n), err))
		}
	}
	return c.out
}

func ruleMessage(r Rule, n schema.FlowNode) string {
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", displayName(n), r.Message)
	}
	return fmt.Sprintf("%s violates rule %q", displayName(n), r.Name)
}

func nodeVars(n schema.FlowNode) map[string]any {
	data := map[string]any{
		"description":  "",
		"instructions": "",
		"keywords":     []any{},
		"flowRef":      "",
		"condition":    "",
	}
	if n.Data != nil {
		kw := make([]any, len(n.Data.Keywords))
		for i, k := range n.Data.Keywords {
			kw[i] = k
		}
		data["description"] = n.Data.Description
		data["instructions"] = n.Data.Instructions
		data["keywords"] = kw
		data["flowRef"] = n.Data.FlowRef
		data["condition"] = n.Data.Condition
	}
	return map[string]any{
		"id":    n.ID,
		"type":  string(n.Type),
		"label": n.Label,
		"data":  data,
	}
}

func edgeVars(e schema.FlowEdge) map[string]any {
	return map[string]any{
		"id":           e.ID,
		"source":       e.Source,
		"target":       e.Target,
		"label":        e.Label,
		"sourceHandle": e.SourceHandle,
	}
}

func orEmpty(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}
