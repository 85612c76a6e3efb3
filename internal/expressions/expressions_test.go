package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

// --- helpers ---

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func testData() map[string]any {
	return map[string]any{
		"nodes": map[string]any{
			"9527": map[string]any{"user_prompt": "hello"},
			"llm":  map[string]any{"text": "hi there", "tokens": 12},
			"loop": map[string]any{"item": map[string]any{"name": "ana"}, "index": 1},
			"list": map[string]any{"items": []any{"a", "b"}, "tags": []string{"x", "y"}},
			"geo":  map[string]any{"point": point{X: 1, Y: 2}},
		},
		"trigger": map[string]any{
			"content": "what is my balance?",
			"params":  map[string]any{"lang": "en"},
		},
		"sys": map[string]any{"run_id": "run-1"},
	}
}

// --- Interpolator ---

func TestInterpolator_WholeReferenceKeepsType(t *testing.T) {
	interp := NewInterpolator()

	v, err := interp.Render("${{ llm.tokens }}", testData())
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	v, err = interp.Render("  ${{list.items}} ", testData())
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)
}

func TestInterpolator_EmbeddedReferences(t *testing.T) {
	interp := NewInterpolator()
	data := testData()

	tests := []struct {
		tmpl string
		want string
	}{
		{"plain text", "plain text"},
		{"Q: ${{ trigger.content }}", "Q: what is my balance?"},
		{"${{9527.user_prompt}} / ${{ sys.run_id }}", "hello / run-1"},
		{"name=${{ loop.item.name }} i=${{ loop.index }}", "name=ana i=1"},
		{"first=${{ list.items.0 }}", "first=a"},
		{"via nodes: ${{ nodes.llm.text }}", "via nodes: hi there"},
		{"lang ${{ trigger.params.lang }}", "lang en"},
		{"items ${{ list.items }}", `items ["a","b"]`},
		{"x=${{ geo.point.x }}", "x=1"},
		{"tag=${{ list.tags.1 }}", "tag=y"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := interp.RenderString(tt.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolator_MissingReferenceAbortsBranch(t *testing.T) {
	interp := NewInterpolator()

	_, err := interp.Render("${{ ghost.text }}", testData())
	require.Error(t, err)
	assert.True(t, schema.IsBranchAbort(err))
	assert.Contains(t, err.Error(), "9527")

	_, err = interp.Render("x ${{ llm.missing }}", testData())
	assert.True(t, schema.IsBranchAbort(err))

	_, err = interp.Render("${{ list.items.5 }}", testData())
	assert.True(t, schema.IsBranchAbort(err))
}

func TestInterpolator_SyntaxErrors(t *testing.T) {
	interp := NewInterpolator()
	for _, tmpl := range []string{"${{ llm.text", "a ${{ }} b", "${{ }}", "${{ llm..text }}"} {
		_, err := interp.Render(tmpl, testData())
		require.Error(t, err, tmpl)
		assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err), tmpl)
	}
}

func TestInterpolator_RenderMap(t *testing.T) {
	interp := NewInterpolator()
	out, err := interp.RenderMap(map[string]any{
		"q":     "${{ trigger.content }}",
		"n":     3,
		"inner": map[string]any{"list": []any{"${{ llm.text }}", true}},
	}, testData())
	require.NoError(t, err)
	assert.Equal(t, "what is my balance?", out["q"])
	assert.Equal(t, 3, out["n"])
	assert.Equal(t, []any{"hi there", true}, out["inner"].(map[string]any)["list"])

	empty, err := interp.RenderMap(nil, testData())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReferences(t *testing.T) {
	refs := References("${{ llm.text }} ${{trigger.content}} ${{ nodes.9527.user_prompt }} ${{ llm.model }}")
	assert.Equal(t, []string{"9527", "llm"}, refs)
	assert.Empty(t, References("no refs"))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}

// --- CEL ---

func TestCEL_Conditions(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		expr string
		want bool
	}{
		{`nodes.llm.tokens > 10`, true},
		{`trigger.content.contains("balance")`, true},
		{`nodes["9527"].user_prompt == "hello"`, true},
		{`has(nodes.ghost)`, false},
		{`size(nodes.list.tags) == 2`, true},
		{`sys.run_id.startsWith("run-")`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.EvaluateBool(ctx, tt.expr, testData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := e.EvaluateBool(context.Background(), `size(nodes) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, "nodes.llm.tokens >", testData())
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))

	_, err = e.EvaluateBool(ctx, `"not a bool"`, testData())
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestCEL_ConcurrentCache(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := e.EvaluateBool(context.Background(), `nodes.llm.tokens == 12`, testData())
			assert.NoError(t, err)
			assert.True(t, got)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

// --- Expr ---

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `nodes.llm.tokens * 2`, testData())
	require.NoError(t, err)
	assert.Equal(t, 24, out)

	out, err = e.Evaluate(ctx, `trigger.content contains "balance" ? "billing" : "other"`, testData())
	require.NoError(t, err)
	assert.Equal(t, "billing", out)

	out, err = e.Evaluate(ctx, `missing ?? "fallback"`, testData())
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	_, err = e.Evaluate(ctx, `1 +`, nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Error(t, e.Compile("(("))
}

// --- GoJQ ---

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `.nodes.list.items | length`, testData())
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Query(ctx, `.[] | .name`, []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Query(ctx, `empty`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = e.Query(ctx, `.point.y`, map[string]any{"point": point{X: 1, Y: 2}})
	require.NoError(t, err)
	assert.Equal(t, float64(2), out)

	_, err = e.Query(ctx, `.[`, nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))

	_, err = e.Query(ctx, `error("boom")`, nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestGoJQ_NoEnvironment(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Query(context.Background(), `$ENV | length`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

// --- Engines ---

func TestEngines_Get(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	for name, want := range map[string]string{"": "cel", "cel": "cel", "expr": "expr", "jq": "jq"} {
		e, err := engines.Get(name)
		require.NoError(t, err)
		assert.Equal(t, want, e.Name())
	}
	_, err = engines.Get("lua")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(int64(2)))
	assert.True(t, Truthy(map[string]any{"a": 1}))
}

func TestNormalize(t *testing.T) {
	got := Normalize(map[string]any{
		"i64":  int64(3),
		"strs": []string{"a"},
		"pt":   point{X: 1},
	}).(map[string]any)
	assert.Equal(t, 3, got["i64"])
	assert.Equal(t, []any{"a"}, got["strs"])
	assert.Equal(t, map[string]any{"x": float64(1), "y": float64(0)}, got["pt"])
}
