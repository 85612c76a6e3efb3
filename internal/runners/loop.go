package runners

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultMaxLoopIterations is the ceiling applied to every loop.
const DefaultMaxLoopIterations = 100

// Loop variable fields written under the LoopMain node ID in the loop's
// namespace.
const (
	LoopVarItem  = "item"
	LoopVarIndex = "index"
	LoopVarCount = "count"
	LoopVarTotal = "total"
)

// LoopParams configure a LoopMain node. At least one of Source, Count or
// Condition is required; Condition is re-evaluated before every iteration.
type LoopParams struct {
	Source        any    `json:"source"`
	Count         int    `json:"count"`
	Condition     string `json:"condition"`
	MaxIterations int    `json:"max_iterations"`
}

// LoopMainRunner drives a bounded loop. Each iteration walks the body scope
// in the loop's own namespace until the body drains, reaches back to the
// header, or hits a LoopStop.
type LoopMainRunner struct {
	*base
}

func (r *LoopMainRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	walker := ec.Walker()
	if walker == nil {
		return missing(node, "walker")
	}

	var p LoopParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}

	limit := r.deps.MaxLoopIterations
	if p.MaxIterations > 0 && p.MaxIterations < limit {
		limit = p.MaxIterations
	}

	var items []any
	bounded := false
	switch {
	case p.Source != nil:
		var err error
		if items, err = r.resolveSource(node, p.Source, ec); err != nil {
			return err
		}
		bounded = true
	case p.Count > 0:
		items = make([]any, p.Count)
		for i := range items {
			items[i] = i
		}
		bounded = true
	case p.Condition == "":
		return schema.NewError(schema.ErrCodeValidation, "loop needs a source, a count or a condition").WithNode(node.ID)
	}

	truncated := false
	if bounded && len(items) > limit {
		vr.Log(execution.LogWarn, "loop source truncated", map[string]any{"items": len(items), "limit": limit})
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "loop source truncated",
			slog.String("node_id", node.ID), slog.Int("items", len(items)), slog.Int("limit", limit))
		items = items[:limit]
		truncated = true
	}

	body := children(ec, node, schema.BranchBody)
	scope := ec.Child(node.ID)
	vr.SetInput(map[string]any{"items": len(items), "limit": limit})

	var results []any
	stopped := false
	i := 0
	for ; ; i++ {
		if bounded && i >= len(items) {
			break
		}
		if !bounded && i >= limit {
			return schema.NewErrorf(schema.ErrCodeLimitExceeded,
				"loop condition still true after %d iterations", limit).WithNode(node.ID)
		}
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(node.ID).WithCause(err)
		}

		var item any = i
		if bounded {
			item = items[i]
		}
		// Nothing a previous iteration saved is visible to this one.
		scope.Clear()
		scope.Save(node.ID, LoopVarItem, item)
		scope.Save(node.ID, LoopVarIndex, i)
		scope.Save(node.ID, LoopVarCount, i+1)
		if bounded {
			scope.Save(node.ID, LoopVarTotal, len(items))
		}

		if p.Condition != "" {
			ok, err := r.engines.CEL.EvaluateBool(ctx, p.Condition, scope.Data())
			if err != nil {
				return withNode(err, node.ID)
			}
			if !ok {
				break
			}
		}

		outcome, err := walker.WalkScope(ctx, body, scope, execution.Bounds{
			Container:  node.ID,
			LoopHeader: node.ID,
			Iteration:  i,
		})
		if err != nil {
			return err
		}
		results = append(results, outcome.Output)
		if outcome.Exit == execution.ExitStop {
			stopped = true
			i++
			break
		}
	}

	vr.SetOutput(map[string]any{
		"iterations": i,
		"results":    results,
		"stopped":    stopped,
		"truncated":  truncated,
	})
	return nil
}

// resolveSource renders the source param into a list. A string that renders
// to a JSON array is decoded; nil renders to an empty list.
func (r *LoopMainRunner) resolveSource(node *schema.NodeDefinition, src any, ec *execution.Context) ([]any, error) {
	v, err := r.interp.RenderValue(src, ec.Data())
	if err != nil {
		return nil, withNode(err, node.ID)
	}
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return val, nil
	case string:
		var list []any
		if err := json.Unmarshal([]byte(strings.TrimSpace(val)), &list); err == nil {
			return list, nil
		}
	default:
		var list []any
		if b, err := json.Marshal(val); err == nil && json.Unmarshal(b, &list) == nil {
			return list, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop source is %T, not a list", v).WithNode(node.ID)
}

// LoopBodyRunner marks the start of an iteration and exposes the loop
// variables as its output.
type LoopBodyRunner struct {
	*base
}

func (r *LoopBodyRunner) Run(_ context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	out := make(map[string]any, 2)
	for _, field := range []string{LoopVarItem, LoopVarIndex} {
		if v, ok := ec.Lookup(node.ParentID, field); ok {
			out[field] = v
		}
	}
	vr.SetOutput(out)
	return nil
}

// LoopStopRunner breaks out of the enclosing loop. The walker ends the
// iteration as soon as it sees the node succeed.
type LoopStopRunner struct {
	*base
}

func (r *LoopStopRunner) Run(_ context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	out := map[string]any{"stopped": true}
	if reason, _ := node.Params["reason"].(string); reason != "" {
		rendered, err := r.renderString(node, reason, ec)
		if err != nil {
			return err
		}
		out["reason"] = rendered
	}
	vr.SetOutput(out)
	return nil
}
