package runners

import (
	"context"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/expressions"
	"github.com/rendis/flowengine/pkg/schema"
)

// IfCase is one labeled condition of an If node.
type IfCase struct {
	Label      string `json:"label"`
	Expression string `json:"expression"`
	Engine     string `json:"engine"`
}

// IfParams configure an If node: either a single CEL condition choosing
// "true"/"false", or ordered cases where the first truthy one wins and
// "else" is the fallback.
type IfParams struct {
	Condition string   `json:"condition"`
	Cases     []IfCase `json:"cases"`
}

// IfRunner selects exactly one branch.
type IfRunner struct {
	*base
}

func (r *IfRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	var p IfParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	data := ec.Data()

	if p.Condition != "" {
		ok, err := r.engines.CEL.EvaluateBool(ctx, p.Condition, data)
		if err != nil {
			return withNode(err, node.ID)
		}
		label := schema.BranchFalse
		if ok {
			label = schema.BranchTrue
		}
		vr.SetInput(map[string]any{"condition": p.Condition})
		vr.SetOutput(map[string]any{"result": ok, "branch": label})
		vr.SetChildren(children(ec, node, label))
		return nil
	}

	if len(p.Cases) == 0 {
		return execution.Required(node, "condition")
	}
	label := schema.BranchElse
	for _, c := range p.Cases {
		if c.Label == "" || c.Expression == "" {
			return schema.NewError(schema.ErrCodeValidation, "if case needs a label and an expression").WithNode(node.ID)
		}
		engine, err := r.engines.Get(c.Engine)
		if err != nil {
			return withNode(err, node.ID)
		}
		v, err := engine.Evaluate(ctx, c.Expression, data)
		if err != nil {
			return withNode(err, node.ID)
		}
		if expressions.Truthy(v) {
			label = c.Label
			break
		}
	}
	vr.SetOutput(map[string]any{"result": label != schema.BranchElse, "branch": label})
	vr.SetChildren(children(ec, node, label))
	return nil
}
