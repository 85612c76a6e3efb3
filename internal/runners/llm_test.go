package runners

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/intent"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/internal/tools"
	"github.com/rendis/flowengine/pkg/schema"
)

func TestLLMRunner_DefaultsToTriggerContent(t *testing.T) {
	model := replying("  hello back  ")
	g := single(withParams(node("llm", schema.NodeKindLLM), map[string]any{
		"system_prompt": "You help user ${{ trigger.user_id }}.",
		"model":         "gpt-4o-mini",
		"temperature":   0.2,
	}))
	ec := newEC(g, nil)

	vr, err := run(t, &LLMRunner{base: testBase(t, Deps{Model: model})}, ec, "llm")
	require.NoError(t, err)
	assert.Equal(t, "hello back", vr.Output()["text"])
	assert.Equal(t, "fake", vr.Output()["model"])

	reqs := model.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "You help user u1.", reqs[0].System)
	assert.Equal(t, "gpt-4o-mini", reqs[0].Model)
	require.NotNil(t, reqs[0].Temperature)
	assert.InDelta(t, 0.2, *reqs[0].Temperature, 1e-9)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "hello", reqs[0].Messages[0].Content)

	msgs := ec.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
}

func TestLLMRunner_JSONFormat(t *testing.T) {
	g := single(withParams(node("llm", schema.NodeKindLLM), map[string]any{"response_format": "json"}))

	vr, err := run(t, &LLMRunner{base: testBase(t, Deps{Model: replying("```json\n{\"score\": 7}\n```")})}, newEC(g, nil), "llm")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": float64(7)}, vr.Output()["json"])

	_, err = run(t, &LLMRunner{base: testBase(t, Deps{Model: replying("not json")})}, newEC(g, nil), "llm")
	assert.True(t, schema.IsBranchAbort(err))

	_, err = run(t, &LLMRunner{base: testBase(t, Deps{Model: replying("")})}, newEC(g, nil), "llm")
	assert.True(t, schema.IsBranchAbort(err))
}

func TestLLMRunner_CapabilityErrors(t *testing.T) {
	g := single(node("llm", schema.NodeKindLLM))

	_, err := run(t, &LLMRunner{base: testBase(t, Deps{})}, newEC(g, nil), "llm")
	assert.Equal(t, schema.ErrCodeNotFound, errCode(err))

	failing := &scriptedModel{err: errors.New("rate limited")}
	_, err = run(t, &LLMRunner{base: testBase(t, Deps{Model: failing})}, newEC(g, nil), "llm")
	assert.Equal(t, schema.ErrCodeUpstream, errCode(err))
	assert.False(t, schema.IsBranchAbort(err))
}

func TestLLMRunner_ToolLoop(t *testing.T) {
	cat := tools.NewCatalog()
	require.NoError(t, cat.Register(tools.Tool{
		Code:   "echo",
		Schema: mcp.NewTool("echo", mcp.WithDescription("echo text"), mcp.WithString("text", mcp.Required())),
		Handler: func(_ context.Context, _ *execution.Context, params map[string]any) (any, error) {
			return map[string]any{"echoed": params["text"]}, nil
		},
	}))
	model := &scriptedModel{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "echo", Arguments: `{"text":"ping"}`},
			{ID: "c2", Name: "ghost", Arguments: `{}`},
		}},
		{Model: "fake", Content: "pong"},
	}}

	g := single(withParams(node("llm", schema.NodeKindLLM), map[string]any{"tools": []any{"echo"}}))
	vr, err := run(t, &LLMRunner{base: testBase(t, Deps{Model: model, Tools: cat})}, newEC(g, nil), "llm")
	require.NoError(t, err)
	assert.Equal(t, "pong", vr.Output()["text"])

	calls, ok := vr.Output()["tool_calls"].([]ToolCallRecord)
	require.True(t, ok)
	require.Len(t, calls, 2)
	assert.Equal(t, map[string]any{"echoed": "ping"}, calls[0].Result)
	assert.Contains(t, calls[1].Error, schema.ErrCodeNotFound)

	reqs := model.calls()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "echo", reqs[0].Tools[0].Name)

	second := reqs[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	assert.Equal(t, llm.RoleTool, second[2].Role)
	assert.Equal(t, "c1", second[2].ToolCallID)
	assert.JSONEq(t, `{"echoed":"ping"}`, second[2].Content)
}

func TestLLMRunner_ToolRoundLimit(t *testing.T) {
	cat := tools.NewCatalog()
	require.NoError(t, cat.Register(tools.Tool{
		Code:   "noop",
		Schema: mcp.NewTool("noop"),
		Handler: func(context.Context, *execution.Context, map[string]any) (any, error) {
			return "ok", nil
		},
	}))
	model := &scriptedModel{responses: []*llm.Response{
		{Content: "thinking", ToolCalls: []llm.ToolCall{{ID: "c", Name: "noop"}}},
	}}

	g := single(withParams(node("llm", schema.NodeKindLLM), map[string]any{"tools": []any{"noop"}, "max_tool_rounds": 2}))
	vr, err := run(t, &LLMRunner{base: testBase(t, Deps{Model: model, Tools: cat})}, newEC(g, nil), "llm")
	require.NoError(t, err)
	assert.Len(t, model.calls(), 3)
	assert.Equal(t, "thinking", vr.Output()["text"])
}

// --- intent recognition ---

func intentNodes() []schema.NodeDefinition {
	return []schema.NodeDefinition{
		withBranch(withBranch(withBranch(withParams(node("intent", schema.NodeKindIntentRecognition), map[string]any{
			"branches": []any{
				map[string]any{"title": "billing", "description": "charges, invoices, refunds"},
				map[string]any{"title": "support", "description": "product problems"},
			},
		}), "billing", "billing_end"), "support", "support_end"), schema.BranchElse, "fallback"),
		node("billing_end", schema.NodeKindEnd),
		node("support_end", schema.NodeKindEnd),
		node("fallback", schema.NodeKindEnd),
	}
}

func runIntent(t *testing.T, deps Deps, trigger *schema.Trigger) (*execution.VertexResult, error) {
	t.Helper()
	nodes := intentNodes()
	g := single(nodes[0], nodes[1:]...)
	return run(t, &IntentRunner{base: testBase(t, deps)}, newEC(g, trigger), "intent")
}

func TestIntentRunner_Matched(t *testing.T) {
	model := replying(`{"matched": true, "best_intent": "BILLING", "ranking": [{"title":"billing","confidence":0.9}]}`)
	vr, err := runIntent(t, Deps{Model: model}, &schema.Trigger{Content: "I was charged twice"})
	require.NoError(t, err)

	assert.True(t, vr.ChildrenChosen())
	assert.Equal(t, []string{"billing_end"}, vr.Children())
	assert.Equal(t, true, vr.Output()["matched"])
	assert.Equal(t, "BILLING", vr.Output()["best_intent"])
	assert.Equal(t, []intent.Ranked{{Title: "billing", Confidence: 0.9}}, vr.Output()["ranking"])

	req := model.calls()[0]
	assert.True(t, req.JSONMode)
	assert.Contains(t, req.System, "billing")
	assert.Equal(t, "I was charged twice", req.Messages[len(req.Messages)-1].Content)
}

func TestIntentRunner_NotMatchedTakesElse(t *testing.T) {
	vr, err := runIntent(t, Deps{Model: replying(`{"matched": false, "best_intent": "", "ranking": []}`)},
		&schema.Trigger{Content: "what's the weather"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback"}, vr.Children())
	assert.Equal(t, false, vr.Output()["matched"])
}

func TestIntentRunner_UnparseableTakesElse(t *testing.T) {
	vr, err := runIntent(t, Deps{Model: replying("I think it's billing")}, &schema.Trigger{Content: "refund?"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback"}, vr.Children())
	assert.Equal(t, false, vr.Output()["matched"])
	require.NotEmpty(t, vr.Logs())
	assert.Equal(t, execution.LogWarn, vr.Logs()[0].Level)
}

func TestIntentRunner_UnknownTitleDeadEnds(t *testing.T) {
	vr, err := runIntent(t, Deps{Model: replying(`{"matched": true, "best_intent": "shipping"}`)}, &schema.Trigger{Content: "where is it"})
	require.NoError(t, err)
	assert.True(t, vr.ChildrenChosen())
	assert.Empty(t, vr.Children())
}

func TestIntentRunner_EmptyTextKeepsElse(t *testing.T) {
	model := replying(`{"matched": true, "best_intent": "billing"}`)
	vr, err := runIntent(t, Deps{Model: model}, &schema.Trigger{Content: "   "})
	assert.True(t, schema.IsBranchAbort(err))
	assert.Equal(t, []string{"fallback"}, vr.Children())
	assert.Empty(t, model.calls())
}

func TestIntentRunner_MemoryExcludesCurrentMessage(t *testing.T) {
	h := memory.NewInMemoryHistory()
	trigger := &schema.Trigger{AgentID: "bot", ConversationID: "c1", MessageID: "m2", Content: "charged twice"}
	require.NoError(t, h.Append(context.Background(), memory.ConversationKey(trigger),
		memory.Record{ID: "m1", Role: llm.RoleUser, Content: "hi"},
		memory.Record{ID: "m2", Role: llm.RoleUser, Content: "charged twice"},
	))
	model := replying(`{"matched": false}`)

	nodes := intentNodes()
	nodes[0].Params["memory"] = map[string]any{"enabled": true}
	g := single(nodes[0], nodes[1:]...)
	deps := Deps{Model: model, Memory: memory.NewManager(memory.Options{History: h})}
	_, err := run(t, &IntentRunner{base: testBase(t, deps)}, newEC(g, trigger), "intent")
	require.NoError(t, err)

	msgs := model.calls()[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "charged twice", msgs[1].Content)
}

func TestIntentRunner_UpstreamFailureIsFatal(t *testing.T) {
	vr, err := runIntent(t, Deps{Model: &scriptedModel{err: errors.New("timeout")}}, &schema.Trigger{Content: "hi"})
	assert.Equal(t, schema.ErrCodeUpstream, errCode(err))
	assert.Equal(t, []string{"fallback"}, vr.Children())
}
