package simulation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/pkg/schema"
)

func runScripted(t *testing.T, flow schema.FlowData, p schema.Persona) *schema.SimulationRun {
	t.Helper()
	run, err := newTestOrchestrator(NewScriptedResolver()).Run(context.Background(), flow, p)
	require.NoError(t, err)
	return run
}

func TestScripted_WalksToConversion(t *testing.T) {
	run := runScripted(t, salesFlow(), testPersona())

	assert.Equal(t, schema.OutcomeConverted, run.Outcome)
	assert.Equal(t, 3, run.Turns)
	assert.Equal(t, []string{"s", "greet", "d", "won"}, run.NodesVisited)
	assert.InDelta(t, 80.0, run.NodesCoverage, 0.001)
	require.Len(t, run.Messages, 6)
	assert.Equal(t, "Hi! Are you interested in our plan?", run.Messages[1].Content)
	assert.Equal(t, DefaultLeadLine, run.Messages[0].Content)
	assert.Empty(t, run.Issues)
}

func TestScripted_ConditionFalseTakesNoBranch(t *testing.T) {
	p := schema.Persona{ID: "cold", Traits: map[string]any{"interested": false}}
	run := runScripted(t, salesFlow(), p)

	assert.Equal(t, schema.OutcomeNurture, run.Outcome)
	assert.Contains(t, run.NodesVisited, "later")
	assert.NotContains(t, run.NodesVisited, "won")
}

func TestScripted_PatienceRunsOut(t *testing.T) {
	p := schema.Persona{ID: "busy", Patience: 2, Traits: map[string]any{"interested": true}}
	run := runScripted(t, salesFlow(), p)

	assert.Equal(t, schema.OutcomeLost, run.Outcome)
	assert.Equal(t, 3, run.Turns)
	last := run.Messages[len(run.Messages)-1]
	assert.Equal(t, schema.RoleLead, last.Role)
	assert.Equal(t, DropOffLine, last.Content)
}

func TestScripted_ScriptLinesUsedInOrder(t *testing.T) {
	p := testPersona()
	p.Script = []string{"first", "second"}
	run := runScripted(t, salesFlow(), p)

	var leads []string
	for _, m := range run.Messages {
		if m.Role == schema.RoleLead {
			leads = append(leads, m.Content)
		}
	}
	assert.Equal(t, []string{"first", "second", DefaultLeadLine}, leads)
}

func TestScripted_DeadEndBlocks(t *testing.T) {
	flow := schema.FlowData{
		Nodes: []schema.FlowNode{
			{ID: "s", Type: schema.NodeTypeStart, Label: "Start"},
			{ID: "a", Type: schema.NodeTypeAction, Label: "Pitch"},
		},
		Edges: []schema.FlowEdge{{ID: "e1", Source: "s", Target: "a"}},
	}
	run := runScripted(t, flow, testPersona())

	assert.Equal(t, schema.OutcomeBlocked, run.Outcome)
	require.Len(t, run.Issues, 1)
	assert.Equal(t, schema.IssueCritical, run.Issues[0].Severity)
	assert.Equal(t, "a", run.Issues[0].NodeID)
	assert.Equal(t, 2, run.Issues[0].Turn)
}

func TestScripted_MissingBranchBlocks(t *testing.T) {
	flow := salesFlow()
	flow.Edges = flow.Edges[:3] // drop the "no" edge
	p := schema.Persona{ID: "cold", Traits: map[string]any{"interested": false}}
	run := runScripted(t, flow, p)

	assert.Equal(t, schema.OutcomeBlocked, run.Outcome)
	require.Len(t, run.Issues, 1)
	assert.Contains(t, run.Issues[0].Message, `"no" branch`)
}

func TestScripted_KeywordDecision(t *testing.T) {
	flow := salesFlow()
	flow.Nodes[2].Data = &schema.NodeData{Keywords: []string{"buy"}}

	buyer := schema.Persona{ID: "buyer", Script: []string{"hello", "hmm", "I want to buy"}}
	assert.Equal(t, schema.OutcomeConverted, runScripted(t, flow, buyer).Outcome)

	browser := schema.Persona{ID: "browser", Script: []string{"hello", "hmm", "just looking"}}
	assert.Equal(t, schema.OutcomeNurture, runScripted(t, flow, browser).Outcome)
}

func TestScripted_BrokenConditionFallsBackToKeywords(t *testing.T) {
	flow := salesFlow()
	flow.Nodes[2].Data = &schema.NodeData{Condition: "traits.budget >", Keywords: []string{"yes"}}

	p := schema.Persona{ID: "p", Script: []string{"a", "b", "yes please"}}
	run := runScripted(t, flow, p)

	assert.Equal(t, schema.OutcomeConverted, run.Outcome)
	require.Len(t, run.Issues, 1)
	assert.Equal(t, schema.IssueWarning, run.Issues[0].Severity)
	assert.Equal(t, "d", run.Issues[0].NodeID)
}

func TestScripted_ActionPrefersKeywordTarget(t *testing.T) {
	flow := schema.FlowData{
		Nodes: []schema.FlowNode{
			{ID: "s", Type: schema.NodeTypeStart, Label: "Start"},
			{ID: "x", Type: schema.NodeTypeEnd, Label: "Lost"},
			{ID: "y", Type: schema.NodeTypeEnd, Label: "Pricing", Data: &schema.NodeData{Keywords: []string{"price", "converted"}}},
		},
		Edges: []schema.FlowEdge{
			{ID: "e1", Source: "s", Target: "x"},
			{ID: "e2", Source: "s", Target: "y"},
		},
	}
	p := schema.Persona{ID: "p", Script: []string{"What's the price?"}}
	run := runScripted(t, flow, p)
	assert.Equal(t, schema.OutcomeConverted, run.Outcome)

	p.Script = []string{"bye"}
	run = runScripted(t, flow, p)
	assert.Equal(t, schema.OutcomeLost, run.Outcome)
}

func TestScripted_NoStartNode(t *testing.T) {
	flow := schema.FlowData{Nodes: []schema.FlowNode{{ID: "e", Type: schema.NodeTypeEnd}}}
	run := runScripted(t, flow, testPersona())
	assert.Equal(t, schema.OutcomeBlocked, run.Outcome)
	assert.True(t, run.HasCritical())
}
