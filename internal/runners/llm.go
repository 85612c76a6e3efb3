package runners

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultMaxToolRounds bounds the model/tool exchange of one LLM node.
const DefaultMaxToolRounds = 5

// Response formats of an LLM node.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// LLMParams configure an LLM node.
type LLMParams struct {
	SystemPrompt   string        `json:"system_prompt"`
	UserPrompt     string        `json:"user_prompt"`
	Model          string        `json:"model"`
	Temperature    *float64      `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	Memory         memory.Config `json:"memory"`
	Vision         bool          `json:"vision"`
	Tools          []string      `json:"tools"`
	MaxToolRounds  int           `json:"max_tool_rounds"`
	ResponseFormat string        `json:"response_format"`
}

// ToolCallRecord is one tool invocation made on the model's behalf.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// LLMRunner calls the language model with prompts, memory, optional vision
// enrichment and bound tools.
type LLMRunner struct {
	*base
}

func (r *LLMRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	if r.deps.Model == nil {
		return missing(node, "language model")
	}

	var p LLMParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	if p.ResponseFormat == "" {
		p.ResponseFormat = FormatText
	}
	if p.ResponseFormat != FormatText && p.ResponseFormat != FormatJSON {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown response_format %q", p.ResponseFormat).WithNode(node.ID)
	}
	if p.MaxToolRounds <= 0 {
		p.MaxToolRounds = DefaultMaxToolRounds
	}

	system, err := r.renderString(node, p.SystemPrompt, ec)
	if err != nil {
		return err
	}
	user, err := r.userContent(ctx, node, p, ec)
	if err != nil {
		return err
	}
	vr.SetInput(map[string]any{"system_prompt": system, "user_prompt": user})

	var msgs []llm.Message
	if p.Memory.Enabled && r.deps.Memory != nil {
		msgs, err = r.deps.Memory.Build(ctx, ec, p.Memory, nil)
		if err != nil {
			return err
		}
		vr.Logf("memory: %d messages", len(msgs))
	}
	userMsg := llm.Message{Role: llm.RoleUser, Content: user}
	if user != "" {
		msgs = append(msgs, userMsg)
	}

	var defs []llm.ToolDefinition
	if len(p.Tools) > 0 {
		if r.deps.Tools == nil {
			return missing(node, "tool catalog")
		}
		if defs, err = r.deps.Tools.Definitions(p.Tools); err != nil {
			return withNode(err, node.ID)
		}
	}

	req := llm.Request{
		Model:       p.Model,
		System:      system,
		Messages:    msgs,
		Tools:       defs,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		JSONMode:    p.ResponseFormat == FormatJSON,
	}
	resp, calls, err := r.complete(ctx, vr, ec, req, p.MaxToolRounds)
	if err != nil {
		return err
	}

	content := strings.TrimSpace(resp.Content)
	vr.SetOutputField("model", resp.Model)
	vr.SetOutputField("text", content)
	vr.SetOutputField("usage", map[string]any{
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
	})
	if len(calls) > 0 {
		vr.SetOutputField("tool_calls", calls)
	}

	if user != "" {
		ec.AppendMessages(userMsg)
	}
	if content != "" {
		ec.AppendMessages(llm.Message{Role: llm.RoleAssistant, Content: content})
	}

	if p.ResponseFormat == FormatJSON {
		if content == "" {
			return schema.NewError(schema.ErrCodeValidation, "model returned an empty response where JSON was required").WithNode(node.ID)
		}
		var parsed any
		if err := json.Unmarshal([]byte(stripFence(content)), &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "model response is not valid JSON: %s", err.Error()).
				WithNode(node.ID).WithCause(err)
		}
		vr.SetOutputField("json", parsed)
		return nil
	}

	if content == "" {
		vr.Log(execution.LogWarn, "empty model response", map[string]any{"finish_reason": resp.FinishReason})
	}
	return nil
}

// userContent renders the user prompt, defaulting to the trigger content, and
// folds attachments in when vision is enabled.
func (r *LLMRunner) userContent(ctx context.Context, node *schema.NodeDefinition, p LLMParams, ec *execution.Context) (string, error) {
	user := ec.Trigger().Content
	if p.UserPrompt != "" {
		var err error
		if user, err = r.renderString(node, p.UserPrompt, ec); err != nil {
			return "", err
		}
	}
	if !p.Vision || r.deps.MultiModal == nil {
		return user, nil
	}
	return r.deps.MultiModal.Enrich(ctx, ec, ec.Trigger().Attachments, user)
}

// complete runs the model, executing requested tools and feeding their
// results back until the model answers without tool calls or maxRounds
// tool rounds have been spent.
func (r *LLMRunner) complete(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, req llm.Request, maxRounds int) (*llm.Response, []ToolCallRecord, error) {
	node := vr.Node()
	log := logging.LogWith(ctx, r.logger)
	var records []ToolCallRecord

	for round := 0; ; round++ {
		resp, err := r.deps.Model.Complete(ctx, req)
		if err != nil {
			return nil, records, withNode(schema.Upstream("llm", err), node.ID)
		}
		if len(resp.ToolCalls) == 0 {
			return resp, records, nil
		}
		if round >= maxRounds {
			vr.Log(execution.LogWarn, "tool round limit reached", map[string]any{"max_tool_rounds": maxRounds})
			log.WarnContext(ctx, "tool round limit reached", slog.Int("max_tool_rounds", maxRounds))
			return resp, records, nil
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			rec, err := r.invokeTool(ctx, ec, call)
			if err != nil {
				return nil, records, withNode(err, node.ID)
			}
			records = append(records, rec)
			req.Messages = append(req.Messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Content:    toolMessage(rec),
			})
			vr.Log(execution.LogInfo, "tool called", map[string]any{"tool": call.Name, "error": rec.Error})
		}
	}
}

// invokeTool runs one tool call. Bad arguments and validation failures are
// reported back to the model; any other failure aborts the run.
func (r *LLMRunner) invokeTool(ctx context.Context, ec *execution.Context, call llm.ToolCall) (ToolCallRecord, error) {
	rec := ToolCallRecord{ID: call.ID, Name: call.Name}
	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			rec.Error = "arguments are not a JSON object: " + err.Error()
			return rec, nil
		}
	}
	rec.Arguments = args

	out, err := r.deps.Tools.Invoke(ctx, call.Name, ec, args)
	switch {
	case err == nil:
		rec.Result = out
	case schema.IsBranchAbort(err), schema.CodeOf(err) == schema.ErrCodeNotFound:
		rec.Error = err.Error()
	default:
		return rec, err
	}
	return rec, nil
}

func toolMessage(rec ToolCallRecord) string {
	if rec.Error != "" {
		return `{"error":` + quote(rec.Error) + `}`
	}
	b, err := json.Marshal(rec.Result)
	if err != nil {
		return `{"error":"tool result is not serializable"}`
	}
	return string(b)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
