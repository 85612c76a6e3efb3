package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowengine/internal/diagram"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

const defaultRunLimit = 20

// flowSummary describes a flow for flowengine.flows.
type flowSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Kind        schema.FlowKind `json:"kind"`
	Description string          `json:"description,omitempty"`
	Nodes       int             `json:"nodes"`
}

// handleRun executes a flow synchronously.
func (s *FlowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	if s.flows == nil || s.dispatcher == nil {
		return mcp.NewToolResultError("running flows is not enabled on this server"), nil
	}

	g, err := s.flows.Resolve(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", err)), nil
	}

	trigger := &schema.Trigger{
		Source:         schema.TriggerSourceAPI,
		Content:        req.GetString("content", ""),
		Params:         mcp.ParseStringMap(req, "params", nil),
		AgentID:        req.GetString("agent_id", ""),
		UserID:         req.GetString("user_id", ""),
		ConversationID: req.GetString("conversation_id", ""),
	}

	res, runErr := s.dispatcher.Run(ctx, g, trigger)
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	// A failed run is still a result: its error and trace are in the payload.
	return marshalResult(res)
}

func (s *FlowServer) handleFlows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.flows == nil {
		return marshalResult(map[string]any{"flows": []flowSummary{}})
	}
	out := make([]flowSummary, 0)
	for _, id := range s.flows.List() {
		g, err := s.flows.Resolve(ctx, id)
		if err != nil {
			s.logger.Warn("flow disappeared while listing", "flow_id", id, "error", err)
			continue
		}
		out = append(out, flowSummary{
			ID:          g.ID(),
			Name:        g.Name(),
			Kind:        g.Kind(),
			Description: g.Definition().Description,
			Nodes:       g.Size(),
		})
	}
	return marshalResult(map[string]any{"flows": out})
}

func (s *FlowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run recording is disabled"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		vertices, err := s.store.ListVertexResults(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("vertex lookup failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"run": run, "vertices": vertices})
	}

	filter := store.RunFilter{
		FlowID: req.GetString("flow_id", ""),
		Limit:  req.GetInt("limit", defaultRunLimit),
	}
	if st := req.GetString("status", ""); st != "" {
		status := schema.RunStatus(st)
		filter.Status = &status
	}
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *FlowServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("run recording is disabled"), nil
	}

	if req.GetBool("replay", false) {
		if s.eventLog == nil {
			return mcp.NewToolResultError("event log is disabled"), nil
		}
		replay, err := s.eventLog.Replay(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
		}
		return marshalResult(replay)
	}

	events, err := s.store.GetEvents(ctx, runID, int64(req.GetInt("since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"run_id": runID, "events": events})
}

func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if s.flows == nil {
		return mcp.NewToolResultError("no flows configured"), nil
	}

	g, err := s.flows.Resolve(ctx, flowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("flow lookup failed: %v", err)), nil
	}

	var replay *store.RunReplay
	if runID := req.GetString("run_id", ""); runID != "" && s.eventLog != nil {
		if replay, err = s.eventLog.Replay(ctx, runID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", err)), nil
		}
	}

	model := diagram.Build(g, replay)
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultError("unsupported format"), nil
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
