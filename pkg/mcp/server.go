package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowsim/internal/batch"
	"github.com/rendis/flowsim/internal/expressions"
	"github.com/rendis/flowsim/internal/simulation"
	"github.com/rendis/flowsim/internal/store"
	"github.com/rendis/flowsim/internal/streaming"
	"github.com/rendis/flowsim/internal/validation"
	"github.com/rendis/flowsim/pkg/schema"
)

// FlowsimServerDeps holds the dependencies for creating a FlowsimServer.
type FlowsimServerDeps struct {
	Store     store.Store
	Hub       streaming.EventHub
	Validator *validation.Validator // nil = built-in rules only
	// Resolver answers simulation turns. nil = offline scripted resolver.
	Resolver   simulation.TurnResolver
	Simulation simulation.Config // MaxTurns and TurnDelay are honored
	Batch      batch.Config      // Parallelism and Summarizer are honored
	IDs        schema.IDGenerator
	Logger     *slog.Logger
}

// FlowsimServer wraps an MCP server with flowsim tool handlers.
type FlowsimServer struct {
	store     store.Store
	hub       streaming.EventHub
	validator *validation.Validator
	resolver  simulation.TurnResolver
	simCfg    simulation.Config
	batchCfg  batch.Config
	ids       schema.IDGenerator
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ClientNotifier
	mcpServer *server.MCPServer
}

// NewFlowsimServer creates a FlowsimServer with all tools registered.
func NewFlowsimServer(deps FlowsimServerDeps) (*FlowsimServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	v := deps.Validator
	if v == nil {
		var err error
		if v, err = validation.NewValidator(); err != nil {
			return nil, err
		}
		v.WithLogger(logger)
	}
	ids := deps.IDs
	if ids == nil {
		ids = schema.UUIDGenerator()
	}

	s := &FlowsimServer{
		store:     deps.Store,
		hub:       deps.Hub,
		validator: v,
		resolver:  deps.Resolver,
		simCfg:    deps.Simulation,
		batchCfg:  deps.Batch,
		ids:       ids,
		jq:        expressions.NewGoJQEngine(),
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		if n := s.sessions.RemoveClient(session.SessionID()); n > 0 {
			s.logger.Info("closed edit sessions of disconnected client", slog.Int("count", n))
		}
	})

	mcpSrv := server.NewMCPServer(
		"flowsim",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Flowsim validates and simulates conversation flows. Use flowsim.validate for structural findings, flowsim.simulate to walk one persona through a flow, flowsim.batch to run a persona set and get a report, flowsim.query to inspect stored flows, runs, reports and events, flowsim.diagram to render a flow, and flowsim.edit to edit a flow with undo/redo."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowsimServer) Serve(ctx context.Context) error {
	defer s.sessions.CloseAll()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowsimServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowsimServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: layoutTool(), Handler: s.handleLayout},
		{Tool: simulateTool(), Handler: s.handleSimulate},
		{Tool: batchTool(), Handler: s.handleBatch},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: editTool(), Handler: s.handleEdit},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("flowsim.validate",
		mcp.WithDescription("Validate a conversation flow and return structural findings"),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow")),
		mcp.WithObject("flow", mcp.Description("Inline flow data ({nodes, edges}); used when flow_id is empty")),
	)
}

func layoutTool() mcp.Tool {
	return mcp.NewTool("flowsim.layout",
		mcp.WithDescription("Auto-layout a flow by depth from its start nodes"),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow")),
		mcp.WithObject("flow", mcp.Description("Inline flow data ({nodes, edges}); used when flow_id is empty")),
		mcp.WithBoolean("save", mcp.Description("Save the new positions to the stored flow (flow_id only)")),
	)
}

func simulateTool() mcp.Tool {
	return mcp.NewTool("flowsim.simulate",
		mcp.WithDescription("Simulate one persona walking through a flow"),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow")),
		mcp.WithObject("flow", mcp.Description("Inline flow data ({nodes, edges}); used when flow_id is empty")),
		mcp.WithString("persona_id", mcp.Description("Persona to simulate (default: first persona of the set)")),
		mcp.WithString("personas_yaml", mcp.Description("YAML persona set (default: built-in personas)")),
		mcp.WithString("resolver", mcp.Enum("default", "scripted"),
			mcp.Description("Turn resolver: the configured one, or the offline scripted walker")),
	)
}

func batchTool() mcp.Tool {
	return mcp.NewTool("flowsim.batch",
		mcp.WithDescription("Run a persona set against a flow and return the batch report"),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow; the report and test cases are saved")),
		mcp.WithObject("flow", mcp.Description("Inline flow data ({nodes, edges}); used when flow_id is empty")),
		mcp.WithString("persona_ids", mcp.Description("Comma-separated persona ids to include (default: all)")),
		mcp.WithString("personas_yaml", mcp.Description("YAML persona set (default: built-in personas)")),
		mcp.WithString("resolver", mcp.Enum("default", "scripted"),
			mcp.Description("Turn resolver: the configured one, or the offline scripted walker")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowsim.query",
		mcp.WithDescription("Query stored flows, runs, batch reports, events, test cases or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("flows", "runs", "batches", "events", "test_cases", "schedules", "replay"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (id, flow_id, batch_id, run_id, persona_id, status, event_type, name, since, limit)")),
		mcp.WithString("jq", mcp.Description("jq expression applied to the result, e.g. .batches[] | {id, conversionRate}")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowsim.diagram",
		mcp.WithDescription("Render a flow diagram. Returns ASCII art, Mermaid flowchart syntax, SVG, or base64-encoded PNG"),
		mcp.WithString("flow_id", mcp.Description("ID of a stored flow")),
		mcp.WithObject("flow", mcp.Description("Inline flow data ({nodes, edges})")),
		mcp.WithString("run_id", mcp.Description("Stored run; overlays its visit order and issues")),
		mcp.WithString("batch_id", mcp.Description("Stored batch report; overlays visit counts")),
		mcp.WithString("title", mcp.Description("Diagram title")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "png", "svg"),
			mcp.Description("Output format"),
		),
	)
}

func editTool() mcp.Tool {
	return mcp.NewTool("flowsim.edit",
		mcp.WithDescription("Edit a flow in a session with undo/redo; every response carries the current flow and findings"),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("open", "add_node", "update_node", "move_node", "delete_node",
				"add_edge", "update_edge", "delete_edge", "layout", "undo", "redo", "state", "save", "close"),
			mcp.Description("Edit operation"),
		),
		mcp.WithString("session_id", mcp.Description("Edit session (required for every op but open)")),
		mcp.WithString("flow_id", mcp.Description("open: stored flow to load; save: target id")),
		mcp.WithObject("flow", mcp.Description("open: inline flow data to load")),
		mcp.WithString("name", mcp.Description("save: flow name")),
		mcp.WithString("node_id", mcp.Description("Target node")),
		mcp.WithString("node_type", mcp.Enum("start", "end", "action", "decision"), mcp.Description("add_node/update_node: node type")),
		mcp.WithString("label", mcp.Description("Node or edge label")),
		mcp.WithString("edge_id", mcp.Description("Target edge")),
		mcp.WithString("source", mcp.Description("add_edge/update_edge: source node")),
		mcp.WithString("target", mcp.Description("add_edge/update_edge: target node")),
		mcp.WithString("handle", mcp.Description("add_edge/update_edge: source handle (yes/no for decisions)")),
		mcp.WithNumber("x", mcp.Description("add_node/move_node: x position")),
		mcp.WithNumber("y", mcp.Description("add_node/move_node: y position")),
	)
}
