package graph

import (
	"github.com/rendis/flowengine/pkg/schema"
)

// checkConfig validates kind-specific constraints that the traversal relies on.
// Runner-level parameter errors are reported at run time instead.
func checkConfig(g *Graph, n *schema.NodeDefinition, res *schema.ValidationResult) {
	path := schema.NodePath(n.ID)

	switch n.Kind {
	case schema.NodeKindLoopMain:
		if len(n.Children[schema.BranchBody]) == 0 {
			res.AddErrorf(path, schema.ErrCodeValidation, "loop %s has no body", n.ID)
		}
		_, hasSource := n.Params["source"]
		_, hasCond := n.Params["condition"]
		count, hasCount := n.Params["count"]
		if !hasSource && !hasCount && !hasCond {
			res.AddErrorf(path, schema.ErrCodeValidation,
				"loop %s must have a source, a count or a condition to terminate", n.ID)
		}
		if hasCount && !positiveNumber(count) {
			res.AddErrorf(path, schema.ErrCodeValidation, "loop %s count must be a positive number", n.ID)
		}
		if v, ok := n.Params["max_iterations"]; ok && !positiveNumber(v) {
			res.AddErrorf(path, schema.ErrCodeValidation, "loop %s max_iterations must be a positive number", n.ID)
		}

	case schema.NodeKindLoopBody, schema.NodeKindLoopStop:
		parent, ok := g.nodes[n.ParentID]
		if !ok || parent.Kind != schema.NodeKindLoopMain {
			res.AddErrorf(path, schema.ErrCodeBoundary, "%s node %s must be inside a loop", n.Kind, n.ID)
		}

	case schema.NodeKindSub:
		_, hasFlow := n.Params["flow_id"]
		hasBody := len(n.Children[schema.BranchBody]) > 0
		if !hasFlow && !hasBody {
			res.AddErrorf(path, schema.ErrCodeValidation, "sub node %s needs an inline body or a flow_id", n.ID)
		}
		if hasFlow && hasBody {
			res.AddErrorf(path, schema.ErrCodeValidation, "sub node %s cannot have both a body and a flow_id", n.ID)
		}

	case schema.NodeKindEnd:
		if n.ParentID != "" {
			if parent := g.nodes[n.ParentID]; parent != nil && parent.Kind != schema.NodeKindSub {
				res.AddErrorf(path, schema.ErrCodeBoundary, "end node %s cannot live inside %s %s", n.ID, parent.Kind, parent.ID)
			}
		}

	case schema.NodeKindIf:
		_, hasCond := n.Params["condition"]
		_, hasCases := n.Params["cases"]
		if !hasCond && !hasCases {
			res.AddErrorf(path, schema.ErrCodeValidation, "if node %s needs a condition or cases", n.ID)
		}

	case schema.NodeKindIntentRecognition:
		branches, _ := n.Params["branches"].([]any)
		if len(branches) == 0 {
			res.AddErrorf(path, schema.ErrCodeValidation, "intent node %s has no branches", n.ID)
			return
		}
		titles := make(map[string]bool, len(branches))
		for _, b := range branches {
			m, _ := b.(map[string]any)
			title, _ := m["title"].(string)
			if title == "" {
				res.AddErrorf(path, schema.ErrCodeValidation, "intent node %s has a branch without a title", n.ID)
				continue
			}
			titles[title] = true
		}
		for label := range n.Children {
			if label != schema.BranchElse && !titles[label] {
				res.AddWarning(path, schema.ErrCodeValidation,
					"intent node "+n.ID+" has children for unknown intent "+label)
			}
		}

	case schema.NodeKindTool:
		if code, _ := n.Params["tool"].(string); code == "" {
			res.AddErrorf(path, schema.ErrCodeValidation, "tool node %s has no tool code", n.ID)
		}
	}
}

// positiveNumber accepts the numeric shapes produced by JSON and YAML decoding.
func positiveNumber(v any) bool {
	switch n := v.(type) {
	case int:
		return n > 0
	case int64:
		return n > 0
	case float64:
		return n > 0
	case uint64:
		return n > 0
	default:
		return false
	}
}
