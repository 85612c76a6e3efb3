package runners

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/pkg/schema"
)

func ifGraph(params map[string]any, labels ...string) *graph.Graph {
	n := withParams(node("if", schema.NodeKindIf), params)
	more := make([]schema.NodeDefinition, 0, len(labels))
	for _, l := range labels {
		n = withBranch(n, l, "to_"+l)
		more = append(more, node("to_"+l, schema.NodeKindEnd))
	}
	return single(n, more...)
}

func runIf(t *testing.T, g *graph.Graph, ec *execution.Context) (*execution.VertexResult, error) {
	t.Helper()
	return run(t, &IfRunner{base: testBase(t, Deps{})}, ec, "if")
}

func TestIfRunner_Condition(t *testing.T) {
	g := ifGraph(map[string]any{"condition": `trigger.content == "yes"`}, schema.BranchTrue, schema.BranchFalse)

	vr, err := runIf(t, g, newEC(g, &schema.Trigger{Content: "yes"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"to_true"}, vr.Children())
	assert.Equal(t, map[string]any{"result": true, "branch": "true"}, vr.Output())

	vr, err = runIf(t, g, newEC(g, &schema.Trigger{Content: "no"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"to_false"}, vr.Children())
}

func TestIfRunner_Cases(t *testing.T) {
	g := ifGraph(map[string]any{"cases": []any{
		map[string]any{"label": "large", "expression": `nodes.calc.size == "large"`, "engine": "expr"},
		map[string]any{"label": "medium", "expression": `nodes.calc.size == "medium"`},
	}}, "large", "medium", schema.BranchElse)

	for size, want := range map[string]string{"large": "to_large", "medium": "to_medium", "tiny": "to_else"} {
		ec := newEC(g, nil)
		ec.Save("calc", "size", size)
		vr, err := runIf(t, g, ec)
		require.NoError(t, err)
		assert.Equal(t, []string{want}, vr.Children(), size)
	}
}

func TestIfRunner_MissingBranchDeadEnds(t *testing.T) {
	g := ifGraph(map[string]any{"condition": "false"}, schema.BranchTrue)
	vr, err := runIf(t, g, newEC(g, nil))
	require.NoError(t, err)
	assert.True(t, vr.ChildrenChosen())
	assert.Empty(t, vr.Children())
}

func TestIfRunner_Errors(t *testing.T) {
	g := ifGraph(map[string]any{"condition": "trigger.content ==="}, schema.BranchTrue)
	_, err := runIf(t, g, newEC(g, nil))
	assert.Equal(t, schema.ErrCodeExpression, errCode(err))

	g = ifGraph(map[string]any{"cases": []any{
		map[string]any{"label": "x", "expression": "true", "engine": "lua"},
	}}, "x")
	_, err = runIf(t, g, newEC(g, nil))
	assert.Equal(t, schema.ErrCodeValidation, errCode(err))
}
