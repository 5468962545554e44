package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowsim/internal/batch"
	"github.com/rendis/flowsim/internal/diagram"
	"github.com/rendis/flowsim/internal/layout"
	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// handleValidate runs the validator over a stored or inline flow.
func (s *FlowsimServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, _, err := s.loadFlow(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(s.findings(ctx, data))
}

// handleLayout recomputes node positions, optionally saving them.
func (s *FlowsimServer) handleLayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, flowID, err := s.loadFlow(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data.Nodes = layout.AutoLayout(data.Nodes, data.Edges)

	out := map[string]any{"flow": data}
	if req.GetBool("save", false) {
		if flowID == "" || s.store == nil {
			return mcp.NewToolResultError("save requires a stored flow_id"), nil
		}
		flow, getErr := s.store.GetFlow(ctx, flowID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", getErr)), nil
		}
		flow.Data = data
		if saveErr := s.store.SaveFlow(ctx, flow); saveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to save flow: %v", saveErr)), nil
		}
		out["version"] = flow.Version
	}
	return marshalResult(out)
}

// handleSimulate walks one persona through a flow and stores the run.
func (s *FlowsimServer) handleSimulate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, flowID, err := s.loadFlow(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	personas, err := personaSet(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	persona := personas[0]
	if id := req.GetString("persona_id", ""); id != "" {
		if persona, err = simulation.FindPersona(personas, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	orch := simulation.NewOrchestrator(s.resolverFor(req), s.simConfig())
	run, runErr := orch.Run(ctx, data, persona)
	if run == nil {
		return mcp.NewToolResultError(fmt.Sprintf("simulation failed: %v", runErr)), nil
	}
	if runErr != nil && schema.HasCode(runErr, schema.ErrCodeCancelled) {
		return mcp.NewToolResultError(fmt.Sprintf("simulation cancelled after %d turns", run.Turns)), nil
	}

	if s.store != nil {
		rec := &store.RunRecord{Run: run, FlowID: flowID}
		if saveErr := s.store.SaveRun(context.WithoutCancel(ctx), rec); saveErr != nil {
			s.logger.WarnContext(ctx, "run not saved", "run_id", run.ID, "error", saveErr)
		}
	}
	return marshalResult(map[string]any{
		"run":     run,
		"verdict": batch.Verdict(run, persona.ExpectedOutcome),
	})
}

// handleBatch runs a persona set and returns the report. Stored flows go
// through the store launcher so the report and derived test cases persist.
// Each finished run is pushed to the calling client as a notification.
func (s *FlowsimServer) handleBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	personas, err := personaSet(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if ids := splitList(req.GetString("persona_ids", "")); len(ids) > 0 {
		selected := make([]schema.Persona, 0, len(ids))
		for _, id := range ids {
			p, findErr := simulation.FindPersona(personas, id)
			if findErr != nil {
				return mcp.NewToolResultError(findErr.Error()), nil
			}
			selected = append(selected, p)
		}
		personas = selected
	}

	clientID := clientSessionID(ctx)
	resolver := s.resolverFor(req)
	newRunner := func() *batch.Runner {
		cfg := s.batchCfg
		cfg.IDs = s.ids
		cfg.Logger = s.logger
		cfg.OnRun = func(run *schema.SimulationRun) {
			_ = s.notifier.Notify(ctx, clientID, map[string]any{
				"event":     schema.EventRunCompleted,
				"runId":     run.ID,
				"personaId": run.PersonaID,
				"status":    run.Status,
				"outcome":   run.Outcome,
			})
		}
		return batch.NewRunner(resolver, s.simConfig(), cfg)
	}

	var res *schema.BatchTestResult
	var runErr error
	if flowID := req.GetString("flow_id", ""); flowID != "" && s.store != nil {
		res, runErr = batch.NewStoreLauncher(s.store, newRunner, s.logger).Launch(ctx, flowID, personas)
	} else {
		data, _, loadErr := s.loadFlow(ctx, req)
		if loadErr != nil {
			return mcp.NewToolResultError(loadErr.Error()), nil
		}
		res, runErr = newRunner().Run(ctx, data, personas)
	}
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("batch failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"report":   res,
		"verdicts": batch.VerdictCounts(res),
	})
}

// handleQuery lists stored resources, optionally reshaping the result with jq.
func (s *FlowsimServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	result, err := s.Query(ctx, resource, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}

	if expr := req.GetString("jq", ""); expr != "" {
		out, jqErr := s.jq.Query(ctx, expr, result)
		if jqErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("jq failed: %v", jqErr)), nil
		}
		return marshalResult(map[string]any{"results": out})
	}
	return marshalResult(result)
}

// Query returns the stored resources matching filter. resource is one of
// flows, runs, batches, events, test_cases, schedules or replay.
func (s *FlowsimServer) Query(ctx context.Context, resource string, filter map[string]any) (any, error) {
	if s.store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no store configured")
	}
	switch resource {
	case "flows":
		return s.queryFlows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "batches":
		return s.queryBatches(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "test_cases":
		return s.queryTestCases(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	case "replay":
		return s.queryReplay(ctx, filter)
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("unknown resource type: %s", resource))
	}
}

// --- Query helpers ---

func (s *FlowsimServer) queryFlows(ctx context.Context, filter map[string]any) (any, error) {
	if id := extractString(filter, "id"); id != "" {
		flow, err := s.store.GetFlow(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"flows": []*store.Flow{flow}}, nil
	}
	flows, err := s.store.ListFlows(ctx, store.FlowFilter{
		Name:  extractString(filter, "name"),
		Limit: extractInt(filter, "limit", 50),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"flows": flows}, nil
}

func (s *FlowsimServer) queryRuns(ctx context.Context, filter map[string]any) (any, error) {
	if id := extractString(filter, "id"); id != "" {
		rec, err := s.store.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"runs": []*store.RunRecord{rec}}, nil
	}
	rf := store.RunFilter{
		FlowID:    extractString(filter, "flow_id"),
		BatchID:   extractString(filter, "batch_id"),
		PersonaID: extractString(filter, "persona_id"),
		Limit:     extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runs": runs}, nil
}

func (s *FlowsimServer) queryBatches(ctx context.Context, filter map[string]any) (any, error) {
	if id := extractString(filter, "id"); id != "" {
		res, err := s.store.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"batches": []*schema.BatchTestResult{res}}, nil
	}
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{
		FlowID: extractString(filter, "flow_id"),
		Since:  extractTime(filter, "since"),
		Limit:  extractInt(filter, "limit", 20),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"batches": batches}, nil
}

func (s *FlowsimServer) queryEvents(ctx context.Context, filter map[string]any) (any, error) {
	ef := store.EventFilter{
		RunID:   extractString(filter, "run_id"),
		BatchID: extractString(filter, "batch_id"),
		Since:   extractTime(filter, "since"),
		Limit:   extractInt(filter, "limit", 100),
	}

	if eventType := extractString(filter, "event_type"); eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": events}, nil
	}

	streamID := ef.RunID
	if streamID == "" {
		streamID = ef.BatchID
	}
	if streamID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"event query requires 'event_type', 'run_id' or 'batch_id' in filter")
	}
	events, err := s.store.GetEvents(ctx, streamID, int64(extractInt(filter, "after_sequence", 0)))
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (s *FlowsimServer) queryTestCases(ctx context.Context, filter map[string]any) (any, error) {
	flowID := extractString(filter, "flow_id")
	if flowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "test case query requires 'flow_id' in filter")
	}
	cases, err := s.store.ListTestCases(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"test_cases": cases}, nil
}

func (s *FlowsimServer) querySchedules(ctx context.Context, filter map[string]any) (any, error) {
	sf := store.ScheduledBatchFilter{
		FlowID: extractString(filter, "flow_id"),
		Limit:  extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}
	jobs, err := s.store.ListScheduledBatches(ctx, sf)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schedules": jobs}, nil
}

func (s *FlowsimServer) queryReplay(ctx context.Context, filter map[string]any) (any, error) {
	runID := extractString(filter, "run_id")
	if runID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "replay requires 'run_id' in filter")
	}
	return store.NewEventLog(s.store).ReplayRun(ctx, runID)
}

// handleDiagram renders a flow, run or batch report in the requested format.
func (s *FlowsimServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if !slices.Contains([]string{"ascii", "mermaid", "png", "svg"}, format) {
		return mcp.NewToolResultError("format must be ascii, mermaid, png, or svg"), nil
	}

	model, buildErr := s.diagramModel(ctx, req)
	if buildErr != nil {
		return mcp.NewToolResultError(buildErr.Error()), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

func (s *FlowsimServer) diagramModel(ctx context.Context, req mcp.CallToolRequest) (*diagram.DiagramModel, error) {
	title := req.GetString("title", "")

	if runID := req.GetString("run_id", ""); runID != "" {
		if s.store == nil {
			return nil, fmt.Errorf("no store configured")
		}
		rec, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("run not found: %w", err)
		}
		return diagram.BuildRun(title, rec.Run), nil
	}

	if batchID := req.GetString("batch_id", ""); batchID != "" {
		if s.store == nil {
			return nil, fmt.Errorf("no store configured")
		}
		res, err := s.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("batch not found: %w", err)
		}
		var data schema.FlowData
		switch {
		case res.FlowID != "":
			flow, flowErr := s.store.GetFlow(ctx, res.FlowID)
			if flowErr != nil {
				return nil, fmt.Errorf("flow lookup failed: %w", flowErr)
			}
			data = flow.Data
		case len(res.Runs) > 0:
			data = res.Runs[0].FlowData
		}
		return diagram.BuildBatch(title, data, res), nil
	}

	data, _, err := s.loadFlow(ctx, req)
	if err != nil {
		return nil, err
	}
	return diagram.Build(title, data), nil
}

// --- Internal helpers ---

// loadFlow resolves the flow_id or flow argument. Inline flows are checked
// against the flow JSON Schema before decoding.
func (s *FlowsimServer) loadFlow(ctx context.Context, req mcp.CallToolRequest) (schema.FlowData, string, error) {
	if flowID := req.GetString("flow_id", ""); flowID != "" {
		if s.store == nil {
			return schema.FlowData{}, "", fmt.Errorf("no store configured")
		}
		flow, err := s.store.GetFlow(ctx, flowID)
		if err != nil {
			return schema.FlowData{}, "", fmt.Errorf("flow lookup failed: %w", err)
		}
		return flow.Data, flowID, nil
	}

	inline := mcp.ParseStringMap(req, "flow", nil)
	if inline == nil {
		return schema.FlowData{}, "", fmt.Errorf("one of flow_id or flow is required")
	}
	raw, err := json.Marshal(inline)
	if err != nil {
		return schema.FlowData{}, "", fmt.Errorf("invalid flow: %w", err)
	}
	data, err := validation.ParseFlowData(raw)
	if err != nil {
		return schema.FlowData{}, "", err
	}
	return data, "", nil
}

func (s *FlowsimServer) findings(ctx context.Context, data schema.FlowData) map[string]any {
	ws := s.validator.Validate(ctx, data)
	summary := validation.Summarize(ws)
	return map[string]any{
		"valid":    !summary.HasErrors(),
		"summary":  summary,
		"warnings": ws,
	}
}

func (s *FlowsimServer) resolverFor(req mcp.CallToolRequest) simulation.TurnResolver {
	if s.resolver == nil || req.GetString("resolver", "") == "scripted" {
		return simulation.NewScriptedResolver()
	}
	return s.resolver
}

func (s *FlowsimServer) simConfig() simulation.Config {
	cfg := s.simCfg
	cfg.IDs = s.ids
	cfg.Hub = s.hub
	cfg.Logger = s.logger
	if s.store != nil {
		cfg.Appender = s.store
		cfg.Flows = store.FlowLookup{Store: s.store}
	}
	return cfg
}

// personaSet returns the personas_yaml set, or the built-in personas.
func personaSet(req mcp.CallToolRequest) ([]schema.Persona, error) {
	if doc := req.GetString("personas_yaml", ""); doc != "" {
		return simulation.ParsePersonas([]byte(doc))
	}
	return simulation.DefaultPersonas(), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractTime(filter map[string]any, key string) *time.Time {
	raw := extractString(filter, key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// clientSessionID returns the MCP session of the calling client, if any.
func clientSessionID(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return ""
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
