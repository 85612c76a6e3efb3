package runners

import (
	"context"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/pkg/schema"
)

// Memory node actions.
const (
	MemoryRecall   = "recall"
	MemoryRemember = "remember"
)

// MemoryParams configure a Memory node.
type MemoryParams struct {
	Action  string `json:"action"`
	Content string `json:"content"`
	Role    string `json:"role"`
	Limit   int    `json:"limit"`
}

// MemoryRunner reads or writes the long-term memory of the trigger's user.
type MemoryRunner struct {
	*base
}

func (r *MemoryRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	if r.deps.Memory == nil || r.deps.Memory.LongTerm() == nil {
		return missing(node, "long-term memory")
	}
	store := r.deps.Memory.LongTerm()
	key := memory.LongTermKey(ec.Trigger())

	var p MemoryParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}

	switch p.Action {
	case "", MemoryRecall:
		limit := p.Limit
		if limit <= 0 {
			limit = memory.DefaultLongTermLimit
		}
		records, err := store.Recall(ctx, key, limit)
		if err != nil {
			return withNode(schema.Upstream("long-term memory", err), node.ID)
		}
		msgs := make([]llm.Message, len(records))
		for i, rec := range records {
			msgs[i] = rec.Message()
		}
		vr.SetOutput(map[string]any{"entries": messagesOutput(msgs), "text": messagesText(msgs), "count": len(msgs)})

	case MemoryRemember:
		content, err := r.renderString(node, p.Content, ec)
		if err != nil {
			return err
		}
		if strings.TrimSpace(content) == "" {
			return execution.Required(node, "content")
		}
		role := llm.Role(p.Role)
		if role == "" {
			role = llm.RoleUser
		}
		if err := store.Remember(ctx, key, memory.Record{Role: role, Content: content}); err != nil {
			return withNode(schema.Upstream("long-term memory", err), node.ID)
		}
		vr.SetOutput(map[string]any{"stored": true, "content": content})

	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown memory action %q", p.Action).WithNode(node.ID)
	}
	return nil
}

// HistoryParams configure a History node.
type HistoryParams struct {
	MaxRecords           int  `json:"max_records"`
	IgnoreCurrentMessage bool `json:"ignore_current_message"`
}

// HistoryRunner exposes the recent conversation to downstream templates.
type HistoryRunner struct {
	*base
}

func (r *HistoryRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	if r.deps.Memory == nil {
		return missing(node, "chat history")
	}

	var p HistoryParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	var ignore []string
	if p.IgnoreCurrentMessage {
		ignore = []string{ec.Trigger().MessageID}
	}

	msgs, err := r.deps.Memory.Recent(ctx, ec, p.MaxRecords, ignore)
	if err != nil {
		return withNode(err, node.ID)
	}
	vr.SetOutput(map[string]any{"messages": messagesOutput(msgs), "text": messagesText(msgs), "count": len(msgs)})
	return nil
}

func messagesOutput(msgs []llm.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"id": m.ID, "role": string(m.Role), "content": m.Content}
	}
	return out
}

func messagesText(msgs []llm.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}
