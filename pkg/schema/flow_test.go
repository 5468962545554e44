package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFlow() FlowData {
	return FlowData{
		Nodes: []FlowNode{
			{ID: "s", Type: NodeTypeStart, Label: "Start", Position: Position{X: 1.5, Y: 2.25}},
			{ID: "d", Type: NodeTypeDecision, Label: "Budget?", Data: &NodeData{Keywords: []string{"budget", "price"}}},
			{ID: "e", Type: NodeTypeEnd, Label: "Done", Data: &NodeData{FlowRef: "follow-up"}},
		},
		Edges: []FlowEdge{
			{ID: "e1", Source: "s", Target: "d"},
			{ID: "e2", Source: "d", Target: "e", SourceHandle: HandleYes, Label: "yes"},
		},
	}
}

func TestFlowData_CloneIsDeep(t *testing.T) {
	orig := sampleFlow()
	cp := orig.Clone()
	require.Equal(t, orig, cp)

	cp.Nodes[0].Label = "changed"
	cp.Nodes[1].Data.Keywords[0] = "changed"
	cp.Nodes[2].Data.FlowRef = "other"
	cp.Edges[0].Target = "e"

	assert.Equal(t, "Start", orig.Nodes[0].Label)
	assert.Equal(t, "budget", orig.Nodes[1].Data.Keywords[0])
	assert.Equal(t, "follow-up", orig.Nodes[2].Data.FlowRef)
	assert.Equal(t, "d", orig.Edges[0].Target)
}

func TestFlowData_ClonePreservesNilSlices(t *testing.T) {
	var empty FlowData
	cp := empty.Clone()
	assert.Nil(t, cp.Nodes)
	assert.Nil(t, cp.Edges)
	assert.Equal(t, empty, cp)
}

func TestFlowData_JSONRoundTrip(t *testing.T) {
	orig := sampleFlow()
	b, err := json.Marshal(orig)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sourceHandle":"yes"`)
	assert.Contains(t, string(b), `"flowRef":"follow-up"`)

	var back FlowData
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, orig, back)
}

func TestFlowData_Lookups(t *testing.T) {
	f := sampleFlow()
	assert.True(t, f.HasNode("d"))
	assert.False(t, f.HasNode("missing"))
	assert.Equal(t, "follow-up", f.Node("e").FlowRef())
	assert.Equal(t, "", f.Node("s").FlowRef())
	require.Len(t, f.Outgoing("d"), 1)
	assert.Equal(t, "e2", f.Outgoing("d")[0].ID)
	require.Len(t, f.StartNodes(), 1)
}

func TestOutcome_ParseAndMatch(t *testing.T) {
	o, ok := ParseOutcome(" Conversion ")
	require.True(t, ok)
	assert.Equal(t, OutcomeConverted, o)

	_, ok = ParseOutcome("maybe")
	assert.False(t, ok)

	assert.True(t, OutcomeConversion.Matches(OutcomeConverted))
	assert.True(t, OutcomeNurture.Matches(OutcomeNurture))
	assert.False(t, OutcomeConverted.Matches(OutcomeLost))
}

func TestSimulationRun_CloneAndCritical(t *testing.T) {
	run := &SimulationRun{
		ID:           "r1",
		FlowData:     sampleFlow(),
		Messages:     []SimulationMessage{{Role: RoleLead, Content: "hi"}},
		Issues:       []SimulationIssue{{Severity: IssueWarning, Message: "slow"}},
		NodesVisited: []string{"s"},
	}
	assert.False(t, run.HasCritical())

	cp := run.Clone()
	cp.Issues = append(cp.Issues, SimulationIssue{Severity: IssueCritical})
	cp.NodesVisited[0] = "x"
	assert.True(t, cp.HasCritical())
	assert.False(t, run.HasCritical())
	assert.Equal(t, "s", run.NodesVisited[0])
}

func TestSortWarnings_GroupsBySeverity(t *testing.T) {
	ws := []Warning{
		{ID: "a", Severity: SeverityInfo},
		{ID: "b", Severity: SeverityWarning},
		{ID: "c", Severity: SeverityError},
		{ID: "d", Severity: SeverityWarning},
		{ID: "e", Severity: SeverityError},
	}
	SortWarnings(ws)
	ids := make([]string, len(ws))
	for i, w := range ws {
		ids[i] = w.ID
	}
	assert.Equal(t, []string{"c", "e", "b", "d", "a"}, ids)
}

func TestFlowsimError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeTurnFailed, "resolver returned %d", 502).WithNode("n1")
	assert.Equal(t, "[TURN_FAILED] node n1: resolver returned 502", err.Error())

	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", NewError(ErrCodeStore, "write").WithCause(cause))
	assert.True(t, HasCode(wrapped, ErrCodeStore))
	assert.False(t, HasCode(wrapped, ErrCodeNotFound))
	assert.ErrorIs(t, wrapped, cause)
}
