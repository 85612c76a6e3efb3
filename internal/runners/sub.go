package runners

import (
	"context"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// SubParams configure a Sub node. Without FlowID the node's "body" children
// are walked as an inline sub-flow.
type SubParams struct {
	FlowID string         `json:"flow_id"`
	Inputs map[string]any `json:"inputs"`
}

// SubRunner runs a nested flow in a child namespace and returns the output
// of its End node.
type SubRunner struct {
	*base
}

func (r *SubRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	walker := ec.Walker()
	if walker == nil {
		return missing(node, "walker")
	}

	var p SubParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	inputs, err := r.renderMap(node, p.Inputs, ec)
	if err != nil {
		return err
	}
	vr.SetInput(inputs)

	var outcome *execution.ScopeOutcome
	if p.FlowID != "" {
		if r.deps.Flows == nil {
			return missing(node, "flow resolver")
		}
		g, err := r.deps.Flows.Resolve(ctx, p.FlowID)
		if err != nil {
			return withNode(err, node.ID)
		}
		if g.Kind() != schema.FlowKindSub && g.Kind() != schema.FlowKindTools {
			return schema.NewErrorf(schema.ErrCodeValidation, "flow %q is of kind %q and cannot run as a sub-flow", p.FlowID, g.Kind()).
				WithNode(node.ID)
		}
		vr.Logf("running flow %s", p.FlowID)
		outcome, err = walker.RunFlow(ctx, ec.ChildFor(node.ID, g), inputs)
		if err != nil {
			return err
		}
	} else {
		scope := ec.Child(node.ID)
		// Inline bodies read their inputs as ${{ <sub id>.<input> }}.
		scope.SaveOutput(node.ID, inputs)
		outcome, err = walker.WalkScope(ctx, children(ec, node, schema.BranchBody), scope, execution.Bounds{
			Container:   node.ID,
			ReturnOnEnd: true,
		})
		if err != nil {
			return err
		}
	}

	if outcome.Exit != execution.ExitEnd {
		vr.Log(execution.LogWarn, "sub-flow finished without reaching its End node", map[string]any{"visited": outcome.Visited})
	}
	vr.SetOutput(outcome.Output)
	return nil
}
