package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

// FlowInput declares one input of a tools flow, listed under the Start
// node's "inputs" param.
type FlowInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

type startParams struct {
	Inputs []FlowInput `json:"inputs"`
}

// RegisterFlow exposes a tools flow as a tool. Its params become the flow's
// Start inputs and its result is the output of the flow's End node. The flow
// runs in a child namespace of the calling run.
func (c *Catalog) RegisterFlow(code, description string, g *graph.Graph, walker execution.Walker) error {
	if g == nil || walker == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: flow and walker are required", code)
	}
	if g.Kind() != schema.FlowKindTools {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: flow %q is of kind %q, want %q",
			code, g.ID(), g.Kind(), schema.FlowKindTools)
	}

	start, _ := g.Node(g.Start())
	var sp startParams
	if err := execution.DecodeParams(start, &sp); err != nil {
		return err
	}

	opts := []mcp.ToolOption{mcp.WithDescription(description)}
	for _, in := range sp.Inputs {
		if in.Name == "" {
			continue
		}
		popts := []mcp.PropertyOption{mcp.Description(in.Description)}
		if in.Required {
			popts = append(popts, mcp.Required())
		}
		opts = append(opts, mcp.WithString(in.Name, popts...))
	}

	return c.Register(Tool{
		Code:   code,
		Schema: mcp.NewTool(code, opts...),
		Handler: func(ctx context.Context, ec *execution.Context, params map[string]any) (any, error) {
			child := ec.ChildFor("tool:"+code, g)
			outcome, err := walker.RunFlow(ctx, child, params)
			if err != nil {
				return nil, err
			}
			return outcome.Output, nil
		},
	})
}
