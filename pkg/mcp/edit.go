package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowsim/internal/graph"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// handleEdit applies one edit operation to a session's graph model.
func (s *FlowsimServer) handleEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}
	if op == "open" {
		return s.openSession(ctx, req)
	}

	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if op == "close" {
		if !s.sessions.Close(sessionID) {
			return mcp.NewToolResultError(fmt.Sprintf("edit session %q not found", sessionID)), nil
		}
		return marshalResult(map[string]any{"session_id": sessionID, "closed": true})
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("edit session %q not found", sessionID)), nil
	}
	m := sess.model
	extra := map[string]any{}

	switch op {
	case "state":

	case "add_node":
		typ := schema.NodeType(req.GetString("node_type", ""))
		if !typ.Valid() {
			return mcp.NewToolResultError("add_node requires a valid node_type"), nil
		}
		id := m.AddNode(typ, positionArg(req))
		if label := req.GetString("label", ""); label != "" {
			m.UpdateNode(id, graph.NodePatch{Label: &label})
		}
		extra["node_id"] = id

	case "update_node":
		nodeID, reqErr := req.RequireString("node_id")
		if reqErr != nil {
			return mcp.NewToolResultError("update_node requires node_id"), nil
		}
		var patch graph.NodePatch
		if label, ok := stringArg(req, "label"); ok {
			patch.Label = &label
		}
		if raw, ok := stringArg(req, "node_type"); ok {
			typ := schema.NodeType(raw)
			if !typ.Valid() {
				return mcp.NewToolResultError(fmt.Sprintf("invalid node_type %q", raw)), nil
			}
			patch.Type = &typ
		}
		extra["changed"] = m.UpdateNode(nodeID, patch)

	case "move_node":
		nodeID, reqErr := req.RequireString("node_id")
		pos := positionArg(req)
		if reqErr != nil || pos == nil {
			return mcp.NewToolResultError("move_node requires node_id, x and y"), nil
		}
		m.BeginDrag()
		moved := m.UpdateNodePosition(nodeID, *pos)
		m.EndDrag()
		extra["changed"] = moved

	case "delete_node":
		nodeID, reqErr := req.RequireString("node_id")
		if reqErr != nil {
			return mcp.NewToolResultError("delete_node requires node_id"), nil
		}
		extra["changed"] = m.DeleteNode(nodeID)

	case "add_edge":
		source := req.GetString("source", "")
		target := req.GetString("target", "")
		if source == "" || target == "" {
			return mcp.NewToolResultError("add_edge requires source and target"), nil
		}
		id := m.AddEdge(source, target, req.GetString("label", ""), req.GetString("handle", ""))
		extra["edge_id"] = id
		extra["changed"] = id != ""

	case "update_edge":
		edgeID, reqErr := req.RequireString("edge_id")
		if reqErr != nil {
			return mcp.NewToolResultError("update_edge requires edge_id"), nil
		}
		var patch graph.EdgePatch
		if v, ok := stringArg(req, "source"); ok {
			patch.Source = &v
		}
		if v, ok := stringArg(req, "target"); ok {
			patch.Target = &v
		}
		if v, ok := stringArg(req, "label"); ok {
			patch.Label = &v
		}
		if v, ok := stringArg(req, "handle"); ok {
			patch.SourceHandle = &v
		}
		extra["changed"] = m.UpdateEdge(edgeID, patch)

	case "delete_edge":
		edgeID, reqErr := req.RequireString("edge_id")
		if reqErr != nil {
			return mcp.NewToolResultError("delete_edge requires edge_id"), nil
		}
		extra["changed"] = m.DeleteEdge(edgeID)

	case "layout":
		m.ApplyLayout()

	case "undo":
		extra["changed"] = m.Undo()

	case "redo":
		extra["changed"] = m.Redo()

	case "save":
		version, saveErr := s.saveSession(ctx, sess, req)
		if saveErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to save flow: %v", saveErr)), nil
		}
		extra["flow_id"] = sess.flowID
		extra["version"] = version

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown edit op: %s", op)), nil
	}

	return marshalResult(sessionState(sess, extra))
}

// openSession starts an edit session on a stored, inline or empty flow.
// Findings are re-validated after each quiet period and pushed to the client.
func (s *FlowsimServer) openSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var data schema.FlowData
	var flowID, name string
	if req.GetString("flow_id", "") != "" || mcp.ParseStringMap(req, "flow", nil) != nil {
		var err error
		if data, flowID, err = s.loadFlow(ctx, req); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if flowID != "" {
			if flow, err := s.store.GetFlow(ctx, flowID); err == nil {
				name = flow.Name
			}
		}
	}

	sess := &editSession{
		id:       s.ids(),
		clientID: clientSessionID(ctx),
		flowID:   flowID,
		name:     name,
		model:    graph.NewModel(graph.Options{IDs: s.ids}),
	}
	sess.model.SetFlowData(data)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.cancel = cancel
	sess.watcher = validation.NewWatcher(watchCtx, s.validator, sess.model, validation.DefaultQuietPeriod,
		func(ws []schema.Warning) {
			_ = s.notifier.Notify(watchCtx, sess.clientID, map[string]any{
				"event":      "validation",
				"session_id": sess.id,
				"summary":    validation.Summarize(ws),
				"warnings":   ws,
			})
		})
	sess.model.OnChange(func(ev graph.ChangeEvent) {
		if ev.Kind != graph.ChangeSaved {
			sess.watcher.Notify()
		}
	})

	s.sessions.register(sess)
	s.logger.InfoContext(ctx, "edit session opened", slog.String("session_id", sess.id), slog.String("flow_id", flowID))
	return marshalResult(sessionState(sess, nil))
}

func (s *FlowsimServer) saveSession(ctx context.Context, sess *editSession, req mcp.CallToolRequest) (int, error) {
	if s.store == nil {
		return 0, fmt.Errorf("no store configured")
	}
	if id := req.GetString("flow_id", ""); id != "" {
		sess.flowID = id
	}
	if sess.flowID == "" {
		sess.flowID = s.ids()
	}
	if name := req.GetString("name", ""); name != "" {
		sess.name = name
	}
	if sess.name == "" {
		sess.name = sess.flowID
	}

	flow := &store.Flow{ID: sess.flowID, Name: sess.name, Data: sess.model.FlowData()}
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return 0, err
	}
	sess.model.MarkAsSaved()
	return flow.Version, nil
}

func sessionState(sess *editSession, extra map[string]any) map[string]any {
	ws := sess.watcher.Flush()
	out := map[string]any{
		"session_id": sess.id,
		"flow":       sess.model.FlowData(),
		"dirty":      sess.model.IsDirty(),
		"can_undo":   sess.model.CanUndo(),
		"can_redo":   sess.model.CanRedo(),
		"summary":    validation.Summarize(ws),
		"warnings":   ws,
	}
	if sess.flowID != "" {
		out["flow_id"] = sess.flowID
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// positionArg returns the x/y arguments, or nil unless both are present.
func positionArg(req mcp.CallToolRequest) *schema.Position {
	args := req.GetArguments()
	_, hasX := args["x"]
	_, hasY := args["y"]
	if !hasX || !hasY {
		return nil
	}
	return &schema.Position{X: req.GetFloat("x", 0), Y: req.GetFloat("y", 0)}
}

// stringArg distinguishes an absent argument from an empty one.
func stringArg(req mcp.CallToolRequest, key string) (string, bool) {
	v, ok := req.GetArguments()[key].(string)
	return v, ok
}
