package runners

import (
	"context"

	"github.com/rendis/flowengine/internal/execution"
)

// ToolParams configure a Tool node.
type ToolParams struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ToolRunner invokes a catalog tool directly, without a model in between.
type ToolRunner struct {
	*base
}

func (r *ToolRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	if r.deps.Tools == nil {
		return missing(node, "tool catalog")
	}

	var p ToolParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	if p.Tool == "" {
		return execution.Required(node, "tool")
	}
	params, err := r.renderMap(node, p.Params, ec)
	if err != nil {
		return err
	}
	vr.SetInput(map[string]any{"tool": p.Tool, "params": params})

	out, err := r.deps.Tools.Invoke(ctx, p.Tool, ec, params)
	if err != nil {
		return withNode(err, node.ID)
	}
	vr.SetOutput(map[string]any{"result": out})
	return nil
}
