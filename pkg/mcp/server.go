// Package mcp exposes flowengine to agents over the Model Context Protocol:
// run a flow, list flows, inspect recorded runs and render diagrams.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/store"
)

// FlowCatalog lists and resolves the flows the server can run.
type FlowCatalog interface {
	List() []string
	Resolve(ctx context.Context, flowID string) (*graph.Graph, error)
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
// Store and EventLog are optional; without them the run inspection tools
// report that recording is disabled.
type FlowServerDeps struct {
	Flows      FlowCatalog
	Dispatcher *engine.Dispatcher
	Store      store.Store
	EventLog   *store.EventLog
	Logger     *slog.Logger
}

// FlowServer wraps an MCP server with the flowengine tool handlers.
type FlowServer struct {
	flows      FlowCatalog
	dispatcher *engine.Dispatcher
	store      store.Store
	eventLog   *store.EventLog
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		flows:      deps.Flows,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		eventLog:   deps.EventLog,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowengine",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowengine runs agent workflow graphs. Use flowengine.flows to discover flows, flowengine.run to execute one, flowengine.runs and flowengine.events to inspect recorded runs, and flowengine.diagram to see a flow's shape."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: flowsTool(), Handler: s.handleFlows},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("flowengine.run",
		mcp.WithDescription("Execute a flow and return its run result"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to execute")),
		mcp.WithString("content", mcp.Description("Trigger content, usually the user's message")),
		mcp.WithObject("params", mcp.Description("Trigger params, readable as trigger.params.<key>")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent the run acts for")),
		mcp.WithString("user_id", mcp.Description("ID of the user the run answers")),
		mcp.WithString("conversation_id", mcp.Description("Conversation whose history the run reads")),
	)
}

func flowsTool() mcp.Tool {
	return mcp.NewTool("flowengine.flows",
		mcp.WithDescription("List the flows that can be run"),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("flowengine.runs",
		mcp.WithDescription("Get one recorded run with its vertex results, or list recent runs"),
		mcp.WithString("run_id", mcp.Description("Run to fetch; omit to list")),
		mcp.WithString("flow_id", mcp.Description("List filter: flow ID")),
		mcp.WithString("status", mcp.Enum("running", "succeeded", "failed"), mcp.Description("List filter: run status")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to list (default 20)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("flowengine.events",
		mcp.WithDescription("Read the event log of a run, or its replayed per-node state"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run whose events to read")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence number")),
		mcp.WithBoolean("replay", mcp.Description("Return the replayed node state instead of raw events")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("flowengine.diagram",
		mcp.WithDescription("Render a flow as ASCII art or Mermaid flowchart syntax"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("Flow to render")),
		mcp.WithString("format", mcp.Required(), mcp.Enum("ascii", "mermaid"), mcp.Description("Output format")),
		mcp.WithString("run_id", mcp.Description("Overlay node status from this recorded run")),
	)
}
