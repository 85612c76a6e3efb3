package runners

import (
	"context"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// Assignment sets one output field of a Variable node. Value is rendered
// first; JQ, when set, is then applied to the rendered value.
type Assignment struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	JQ    string `json:"jq"`
}

// VariableParams configure a Variable node.
type VariableParams struct {
	Assign []Assignment `json:"assign"`
}

// VariableRunner computes named values for downstream nodes.
type VariableRunner struct {
	*base
}

func (r *VariableRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	var p VariableParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}

	out := make(map[string]any, len(p.Assign))
	for i, a := range p.Assign {
		if a.Key == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "assign[%d]: missing key", i).WithNode(node.ID)
		}
		v, err := r.interp.RenderValue(a.Value, ec.Data())
		if err != nil {
			return withNode(err, node.ID)
		}
		if a.JQ != "" {
			// Without a value the filter runs over the whole scratch store.
			input := v
			if a.Value == nil {
				input = ec.Data()
			}
			if v, err = r.jq.Query(ctx, a.JQ, input); err != nil {
				return withNode(err, node.ID)
			}
		}
		out[a.Key] = v
	}
	vr.SetOutput(out)
	return nil
}
