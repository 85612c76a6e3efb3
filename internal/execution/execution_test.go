package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/pkg/schema"
)

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.Parse(&schema.FlowDefinition{
		ID: "f",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Kind: schema.NodeKindStart, Children: map[string][]string{"next": {"a"}}},
			{ID: "a", Kind: schema.NodeKindVariable},
		},
	})
	require.NoError(t, err)
	return g
}

func noop(context.Context, *VertexResult, *Context, []*VertexResult) error { return nil }

// --- Context ---

func TestContext_SaveLookup(t *testing.T) {
	ec := NewContext("run-1", &schema.Trigger{Content: "hi"}, testGraph(t))
	ec.Save("9527", "user_prompt", "hello")

	v, ok := ec.Lookup("9527", "user_prompt")
	require.True(t, ok)
	assert.Equal(t, "hello", v)

	_, ok = ec.Lookup("9527", "missing")
	assert.False(t, ok)
	assert.Equal(t, "run-1", ec.RunID())
	assert.Equal(t, "hi", ec.Trigger().Content)
}

func TestContext_ChildNamespaces(t *testing.T) {
	ec := NewContext("run", nil, testGraph(t))
	ec.Save("outer", "v", 1)
	ec.Save("shared", "v", "root")

	child := ec.Child("loop")
	assert.Equal(t, "loop", child.Namespace())
	child.Save("shared", "v", "child")
	child.Save("inner", "v", 2)

	// Child reads through to the parent and shadows it.
	v, ok := child.Lookup("outer", "v")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, _ = child.Lookup("shared", "v")
	assert.Equal(t, "child", v)

	// Parent never sees the child's writes.
	v, _ = ec.Lookup("shared", "v")
	assert.Equal(t, "root", v)
	_, ok = ec.Lookup("inner", "v")
	assert.False(t, ok)

	grand := child.Child("sub")
	assert.Equal(t, "loop/sub", grand.Namespace())
	assert.Same(t, child, grand.Parent())

	nodes := child.Nodes()
	assert.Equal(t, map[string]any{"v": "child"}, nodes["shared"])
	assert.Contains(t, nodes, "outer")
	assert.Contains(t, nodes, "inner")

	scratch := ec.Scratch()
	assert.Contains(t, scratch, "")
	assert.Contains(t, scratch, "loop")
}

func TestContext_ClearDropsNestedNamespaces(t *testing.T) {
	ec := NewContext("run-1", nil, testGraph(t))
	ec.Save("outer", "v", 1)
	loop := ec.Child("loop")
	loop.Save("a", "x", "stale")
	loop.Child("sub").Save("b", "y", 2)
	ec.Child("loop2").Save("c", "z", 3)

	loop.Clear()

	_, ok := loop.Lookup("a", "x")
	assert.False(t, ok)
	scratch := ec.Scratch()
	assert.NotContains(t, scratch, "loop")
	assert.NotContains(t, scratch, "loop/sub")
	assert.Contains(t, scratch, "loop2", "sibling with a shared prefix survives")

	v, ok := loop.Lookup("outer", "v")
	require.True(t, ok, "enclosing namespaces stay readable")
	assert.Equal(t, 1, v)

	ec.Clear()
	_, ok = ec.Lookup("outer", "v")
	assert.True(t, ok, "the root namespace is never cleared")
}

func TestContext_IsolatedAcrossRuns(t *testing.T) {
	g := testGraph(t)
	a := NewContext("a", nil, g)
	b := NewContext("b", nil, g)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Save("9527", "user_prompt", "from a") }()
	go func() { defer wg.Done(); b.Save("other", "x", 1) }()
	wg.Wait()

	_, ok := b.Lookup("9527", "user_prompt")
	assert.False(t, ok)
	v, ok := a.Lookup("9527", "user_prompt")
	require.True(t, ok)
	assert.Equal(t, "from a", v)
}

func TestContext_SaveOutputCopiesFields(t *testing.T) {
	ec := NewContext("r", nil, testGraph(t))
	out := map[string]any{"text": "x", "n": 2}
	ec.SaveOutput("llm", out)
	out["text"] = "changed"

	v, _ := ec.Lookup("llm", "text")
	assert.Equal(t, "x", v)
}

func TestContext_Messages(t *testing.T) {
	ec := NewContext("r", nil, testGraph(t))
	ec.Child("sub").AppendMessages(llm.Message{Role: llm.RoleUser, Content: "q"})
	ec.AppendMessages(llm.Message{Role: llm.RoleAssistant, Content: "a"})

	msgs := ec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "q", msgs[0].Content)
	assert.Equal(t, "a", msgs[1].Content)
}

func TestContext_OnceCachesValueAndError(t *testing.T) {
	ec := NewContext("r", nil, testGraph(t))
	calls := 0
	fn := func() (any, error) {
		calls++
		return "desc", nil
	}
	v1, err := ec.Once("vision", fn)
	require.NoError(t, err)
	v2, _ := ec.Child("loop").Once("vision", fn)
	assert.Equal(t, "desc", v1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = ec.Once("fails", func() (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	_, err = ec.Once("fails", func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, boom)
}

func TestContext_Data(t *testing.T) {
	trig := &schema.Trigger{
		Content:     "hello",
		Params:      map[string]any{"lang": "en"},
		Attachments: []schema.Attachment{{URL: "https://x/cat.png"}},
	}
	ec := NewContext("r", trig, testGraph(t))
	ec.Save("a", "out", 1)

	data := ec.Data()
	trigger := data["trigger"].(map[string]any)
	assert.Equal(t, "hello", trigger["content"])
	assert.Equal(t, "en", trigger["params"].(map[string]any)["lang"])
	att := trigger["attachments"].([]any)[0].(map[string]any)
	assert.Equal(t, true, att["is_image"])
	assert.Equal(t, map[string]any{"out": 1}, data["nodes"].(map[string]any)["a"])
	assert.Equal(t, "r", data["sys"].(map[string]any)["run_id"])
}

// --- VertexResult ---

func TestVertexResult_SealedAfterFinish(t *testing.T) {
	n := &schema.NodeDefinition{ID: "llm", Kind: schema.NodeKindLLM, Version: "1"}
	vr := NewVertexResult(n, "", 0)
	vr.SetInput(map[string]any{"prompt": "p"})
	vr.SetOutputField("text", "hi")
	vr.Logf("called model %s", "m")
	assert.False(t, vr.ChildrenChosen())

	vr.Finish(nil)
	assert.True(t, vr.Success())
	assert.True(t, vr.Sealed())

	vr.SetOutputField("text", "late")
	vr.SetChildren([]string{"x"})
	vr.Log(LogWarn, "late", nil)
	vr.Finish(errors.New("ignored"))

	assert.Equal(t, "hi", vr.Output()["text"])
	assert.Empty(t, vr.Children())
	assert.False(t, vr.ChildrenChosen())
	assert.Len(t, vr.Logs(), 1)
	assert.True(t, vr.Success())
}

func TestVertexResult_EmptyChoiceIsAChoice(t *testing.T) {
	vr := NewVertexResult(&schema.NodeDefinition{ID: "i", Kind: schema.NodeKindIntentRecognition}, "", 0)
	vr.SetChildren(nil)
	assert.True(t, vr.ChildrenChosen())
	assert.Empty(t, vr.Children())
}

func TestVertexResult_FailureRecord(t *testing.T) {
	vr := NewVertexResult(&schema.NodeDefinition{ID: "n", Kind: schema.NodeKindLLM, Version: "1"}, "loop", 2)
	vr.Finish(schema.NewError(schema.ErrCodeUpstream, "model down"))

	rec := vr.Record()
	assert.False(t, rec.Success)
	assert.Equal(t, schema.ErrCodeUpstream, rec.ErrorCode)
	assert.Equal(t, "loop", rec.Namespace)
	assert.Equal(t, 2, rec.Iteration)
	assert.Equal(t, []string{}, rec.ChildrenIDs)

	raw, err := json.Marshal(vr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error_code":"UPSTREAM_ERROR"`)
	assert.Contains(t, string(raw), `"children_ids":[]`)
}

// --- Registry ---

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(schema.NodeKindLLM, "1", RunnerFunc(noop)))
	require.NoError(t, r.Register(schema.NodeKindLLM, "2", RunnerFunc(noop)))

	_, err := r.Resolve(schema.NodeKindLLM, "")
	assert.NoError(t, err)

	err = r.Register(schema.NodeKindLLM, "1", RunnerFunc(noop))
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	_, err = r.Resolve(schema.NodeKindIf, "1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	assert.Equal(t, []RunnerInfo{
		{Kind: schema.NodeKindLLM, Version: "1"},
		{Kind: schema.NodeKindLLM, Version: "2"},
	}, r.List())
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(r.Register(schema.NodeKindLLM, "1", nil)))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(r.Register("", "1", RunnerFunc(noop))))
}

func TestRegistry_CheckGraph(t *testing.T) {
	r := NewRegistry()
	g := testGraph(t)
	err := r.CheckGraph(g)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	require.NoError(t, r.Register(schema.NodeKindVariable, "1", RunnerFunc(noop)))
	assert.NoError(t, r.CheckGraph(g))
}

// --- params ---

type sampleConfig struct {
	Model       string   `json:"model"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	Enabled     bool     `json:"enabled"`
}

func TestDecodeParams(t *testing.T) {
	n := &schema.NodeDefinition{ID: "llm", Kind: schema.NodeKindLLM, Params: map[string]any{
		"model": "gpt", "max_tokens": "256", "temperature": 0.2, "enabled": 1,
	}}
	var cfg sampleConfig
	require.NoError(t, DecodeParams(n, &cfg))
	assert.Equal(t, "gpt", cfg.Model)
	assert.Equal(t, 256, cfg.MaxTokens)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.2, *cfg.Temperature, 1e-9)
	assert.True(t, cfg.Enabled)
}

func TestDecodeParams_Invalid(t *testing.T) {
	n := &schema.NodeDefinition{ID: "llm", Kind: schema.NodeKindLLM, Params: map[string]any{
		"max_tokens": map[string]any{"bad": true},
	}}
	var cfg sampleConfig
	err := DecodeParams(n, &cfg)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.True(t, schema.IsBranchAbort(err))

	err = Required(n, "user_prompt")
	assert.Contains(t, err.Error(), "node llm")
}
