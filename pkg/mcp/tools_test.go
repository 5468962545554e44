package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/pkg/schema"
)

// --- Fixtures ---

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *recordingNotifier) events(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, p := range n.payloads {
		if p["event"] == name {
			count++
		}
	}
	return count
}

// interestedResolver converts personas with the "interested" trait in one
// turn and nurtures the rest.
var interestedResolver = simulation.TurnResolverFunc(func(_ context.Context, req simulation.TurnRequest) (*simulation.TurnResult, error) {
	outcome := schema.OutcomeNurture
	next := "later"
	if interested, _ := req.Persona.Traits["interested"].(bool); interested {
		outcome = schema.OutcomeConverted
		next = "won"
	}
	return &simulation.TurnResult{
		LeadMessage:   "hello",
		AgentResponse: "welcome",
		CurrentNodeID: "s",
		NextNodeID:    next,
		IsComplete:    true,
		Outcome:       outcome,
	}, nil
})

func salesFlow() schema.FlowData {
	return schema.FlowData{
		Nodes: []schema.FlowNode{
			{ID: "s", Type: schema.NodeTypeStart, Label: "Start", Position: schema.Position{X: 0, Y: 0}},
			{ID: "won", Type: schema.NodeTypeEnd, Label: "Won", Position: schema.Position{X: 0, Y: 100}},
			{ID: "later", Type: schema.NodeTypeEnd, Label: "Later", Position: schema.Position{X: 200, Y: 100}},
		},
		Edges: []schema.FlowEdge{
			{ID: "e1", Source: "s", Target: "won"},
			{ID: "e2", Source: "s", Target: "later"},
		},
	}
}

// flowArg converts flow data to the generic shape a tool call carries.
func flowArg(t *testing.T, data schema.FlowData) map[string]any {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, st store.Store) (*FlowsimServer, *recordingNotifier) {
	t.Helper()
	s, err := NewFlowsimServer(FlowsimServerDeps{
		Store:    st,
		Resolver: interestedResolver,
		IDs:      schema.SequentialIDs("id"),
	})
	require.NoError(t, err)
	rec := &recordingNotifier{}
	s.notifier = rec
	return s, rec
}

func newStoredServer(t *testing.T) (*FlowsimServer, *store.LibSQLStore, *recordingNotifier) {
	t.Helper()
	st := newTestStore(t)
	require.NoError(t, st.SaveFlow(context.Background(), &store.Flow{ID: "sales", Name: "Sales", Data: salesFlow()}))
	s, rec := newTestServer(t, st)
	return s, st, rec
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Validate ---

func TestValidateToolInlineFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleValidate(context.Background(), buildRequest("flowsim.validate", map[string]any{
		"flow": flowArg(t, salesFlow()),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Valid   bool                  `json:"valid"`
		Summary schema.WarningSummary `json:"summary"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid)
	assert.Equal(t, 0, out.Summary.Errors)
}

func TestValidateToolReportsMissingEnd(t *testing.T) {
	s, _ := newTestServer(t, nil)
	flow := salesFlow()
	flow.Nodes = flow.Nodes[:1]
	flow.Edges = nil

	result, err := s.handleValidate(context.Background(), buildRequest("flowsim.validate", map[string]any{
		"flow": flowArg(t, flow),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Valid    bool             `json:"valid"`
		Warnings []schema.Warning `json:"warnings"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	require.NotEmpty(t, out.Warnings)
	assert.Equal(t, schema.SeverityError, out.Warnings[0].Severity)
}

func TestValidateToolRejectsMalformedFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleValidate(context.Background(), buildRequest("flowsim.validate", map[string]any{
		"flow": map[string]any{"nodes": []any{map[string]any{"id": "s", "type": "start"}}, "edges": []any{}},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "node without position fails the flow schema")
}

func TestValidateToolMissingFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleValidate(context.Background(), buildRequest("flowsim.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleValidate(context.Background(), buildRequest("flowsim.validate", map[string]any{"flow_id": "sales"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "flow_id needs a store")
}

// --- Layout ---

func TestLayoutToolSavesPositions(t *testing.T) {
	s, st, _ := newStoredServer(t)
	ctx := context.Background()

	result, err := s.handleLayout(ctx, buildRequest("flowsim.layout", map[string]any{
		"flow_id": "sales",
		"save":    true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Flow    schema.FlowData `json:"flow"`
		Version int             `json:"version"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.Version)

	saved, err := st.GetFlow(ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, out.Flow.Nodes, saved.Data.Nodes)
	assert.Less(t, saved.Data.Node("s").Position.Y, saved.Data.Node("won").Position.Y)
}

func TestLayoutToolSaveRequiresFlowID(t *testing.T) {
	s, _, _ := newStoredServer(t)

	result, err := s.handleLayout(context.Background(), buildRequest("flowsim.layout", map[string]any{
		"flow": flowArg(t, salesFlow()),
		"save": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Simulate ---

func TestSimulateToolStoresRun(t *testing.T) {
	s, st, _ := newStoredServer(t)
	ctx := context.Background()

	result, err := s.handleSimulate(ctx, buildRequest("flowsim.simulate", map[string]any{
		"flow_id":    "sales",
		"persona_id": "eager-buyer",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Run     schema.SimulationRun `json:"run"`
		Verdict schema.Verdict       `json:"verdict"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, schema.RunStatusCompleted, out.Run.Status)
	assert.Equal(t, schema.OutcomeConverted, out.Run.Outcome)
	assert.Equal(t, schema.VerdictPass, out.Verdict)

	rec, err := st.GetRun(ctx, out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, "sales", rec.FlowID)
	assert.Equal(t, "eager-buyer", rec.Run.PersonaID)
}

func TestSimulateToolPersonaYAML(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleSimulate(context.Background(), buildRequest("flowsim.simulate", map[string]any{
		"flow": flowArg(t, salesFlow()),
		"personas_yaml": `
personas:
  - id: cold
    traits: {interested: false}
    expected_outcome: nurture
`,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Run     schema.SimulationRun `json:"run"`
		Verdict schema.Verdict       `json:"verdict"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "cold", out.Run.PersonaID)
	assert.Equal(t, schema.OutcomeNurture, out.Run.Outcome)
	assert.Equal(t, schema.VerdictPass, out.Verdict)
}

func TestSimulateToolUnknownPersona(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleSimulate(context.Background(), buildRequest("flowsim.simulate", map[string]any{
		"flow":       flowArg(t, salesFlow()),
		"persona_id": "nobody",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Batch ---

func TestBatchToolInlineFlow(t *testing.T) {
	s, rec := newTestServer(t, nil)

	result, err := s.handleBatch(context.Background(), buildRequest("flowsim.batch", map[string]any{
		"flow":        flowArg(t, salesFlow()),
		"persona_ids": "eager-buyer, skeptic",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Report   schema.BatchTestResult `json:"report"`
		Verdicts map[string]int         `json:"verdicts"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Report.Runs, 2)
	assert.InDelta(t, 50.0, out.Report.ConversionRate, 0.001)
	assert.Equal(t, 1, out.Verdicts["pass"])
	assert.Equal(t, 2, rec.events(schema.EventRunCompleted), "one notification per finished run")
}

func TestBatchToolStoredFlowPersists(t *testing.T) {
	s, st, _ := newStoredServer(t)
	ctx := context.Background()

	result, err := s.handleBatch(ctx, buildRequest("flowsim.batch", map[string]any{"flow_id": "sales"}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Report schema.BatchTestResult `json:"report"`
	}
	unmarshalResult(t, result, &out)
	assert.Len(t, out.Report.Runs, len(simulation.DefaultPersonas()))
	assert.Equal(t, "sales", out.Report.FlowID)

	saved, err := st.GetBatch(ctx, out.Report.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Runs, len(out.Report.Runs))

	cases, err := st.ListTestCases(ctx, "sales")
	require.NoError(t, err)
	assert.NotEmpty(t, cases)
}

func TestBatchToolUnknownPersona(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleBatch(context.Background(), buildRequest("flowsim.batch", map[string]any{
		"flow":        flowArg(t, salesFlow()),
		"persona_ids": "ghost,nobody",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Query ---

func TestQueryToolFlowsWithJQ(t *testing.T) {
	s, _, _ := newStoredServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("flowsim.query", map[string]any{
		"resource": "flows",
		"jq":       "[.flows[] | .name]",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Results []any `json:"results"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Results, 1)
	assert.Equal(t, []any{"Sales"}, out.Results[0])
}

func TestQueryToolRunEventsAndReplay(t *testing.T) {
	s, _, _ := newStoredServer(t)
	ctx := context.Background()

	simResult, err := s.handleSimulate(ctx, buildRequest("flowsim.simulate", map[string]any{"flow_id": "sales"}))
	require.NoError(t, err)
	var sim struct {
		Run schema.SimulationRun `json:"run"`
	}
	unmarshalResult(t, simResult, &sim)

	result, err := s.handleQuery(ctx, buildRequest("flowsim.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": sim.Run.ID},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var events struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &events)
	require.NotEmpty(t, events.Events)
	assert.Equal(t, schema.EventRunStarted, events.Events[0].Type)

	result, err = s.handleQuery(ctx, buildRequest("flowsim.query", map[string]any{
		"resource": "replay",
		"filter":   map[string]any{"run_id": sim.Run.ID},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var replay store.RunReplay
	unmarshalResult(t, result, &replay)
	assert.Equal(t, schema.RunStatusCompleted, replay.Status)
	assert.Equal(t, sim.Run.Outcome, replay.Outcome)

	result, err = s.handleQuery(ctx, buildRequest("flowsim.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"flow_id": "sales"},
		"jq":       ".runs | length",
	}))
	require.NoError(t, err)
	var count struct {
		Results []float64 `json:"results"`
	}
	unmarshalResult(t, result, &count)
	assert.Equal(t, []float64{1}, count.Results)
}

func TestQueryToolErrors(t *testing.T) {
	s, _, _ := newStoredServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing resource", map[string]any{}},
		{"unknown resource", map[string]any{"resource": "widgets"}},
		{"events without stream", map[string]any{"resource": "events"}},
		{"test cases without flow", map[string]any{"resource": "test_cases"}},
		{"replay without run", map[string]any{"resource": "replay"}},
		{"bad jq", map[string]any{"resource": "flows", "jq": ".flows[["}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleQuery(ctx, buildRequest("flowsim.query", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestQueryToolRequiresStore(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleQuery(context.Background(), buildRequest("flowsim.query", map[string]any{"resource": "flows"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Diagram ---

func TestDiagramToolMermaid(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleDiagram(context.Background(), buildRequest("flowsim.diagram", map[string]any{
		"flow":   flowArg(t, salesFlow()),
		"format": "mermaid",
		"title":  "Sales",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "s --> won")
}

func TestDiagramToolRunOverlay(t *testing.T) {
	s, _, _ := newStoredServer(t)
	ctx := context.Background()

	simResult, err := s.handleSimulate(ctx, buildRequest("flowsim.simulate", map[string]any{"flow_id": "sales"}))
	require.NoError(t, err)
	var sim struct {
		Run schema.SimulationRun `json:"run"`
	}
	unmarshalResult(t, simResult, &sim)

	result, err := s.handleDiagram(ctx, buildRequest("flowsim.diagram", map[string]any{
		"run_id": sim.Run.ID,
		"format": "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "[#1]")
}

func TestDiagramToolPNG(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleDiagram(context.Background(), buildRequest("flowsim.diagram", map[string]any{
		"flow":   flowArg(t, salesFlow()),
		"format": "png",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	png, err := base64.StdEncoding.DecodeString(extractText(t, result))
	require.NoError(t, err)
	require.NotEmpty(t, png)
	assert.Equal(t, byte(0x89), png[0])
}

func TestDiagramToolBadFormat(t *testing.T) {
	s, _ := newTestServer(t, nil)

	result, err := s.handleDiagram(context.Background(), buildRequest("flowsim.diagram", map[string]any{
		"flow":   flowArg(t, salesFlow()),
		"format": "gif",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
