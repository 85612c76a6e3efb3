package runners

import (
	"context"

	"github.com/rendis/flowengine/internal/execution"
)

// EndParams configure an End node.
type EndParams struct {
	Outputs map[string]any `json:"outputs"`
}

// EndRunner produces the output of a flow or sub-flow. Without outputs it
// passes its upstream output through.
type EndRunner struct {
	*base
}

func (r *EndRunner) Run(_ context.Context, vr *execution.VertexResult, ec *execution.Context, upstream []*execution.VertexResult) error {
	node := vr.Node()
	var p EndParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	if len(p.Outputs) == 0 {
		out := make(map[string]any)
		for k, v := range upstreamOutput(upstream) {
			out[k] = v
		}
		vr.SetOutput(out)
		return nil
	}
	out, err := r.renderMap(node, p.Outputs, ec)
	if err != nil {
		return err
	}
	vr.SetOutput(out)
	return nil
}
