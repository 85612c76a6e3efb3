package runners

import (
	"context"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/pkg/schema"
)

// ReplyParams configure a Reply node.
type ReplyParams struct {
	Content string `json:"content"`
}

// ReplyRunner sends a message from the agent to the user mid-flow.
type ReplyRunner struct {
	*base
}

func (r *ReplyRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	if r.deps.Transport == nil {
		return missing(node, "transport")
	}

	var p ReplyParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	content, err := r.renderString(node, p.Content, ec)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return execution.Required(node, "content")
	}

	t := ec.Trigger()
	if err := r.deps.Transport.SendMessage(ctx, t.AgentID, t.UserID, content); err != nil {
		return withNode(schema.Upstream("transport", err), node.ID)
	}
	ec.AppendMessages(llm.Message{Role: llm.RoleAssistant, Content: content})
	vr.SetOutput(map[string]any{"content": content, "sent": true})
	return nil
}
