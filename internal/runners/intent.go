package runners

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/intent"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/internal/memory"
	"github.com/rendis/flowengine/pkg/schema"
)

// IntentParams configure an IntentRecognition node.
type IntentParams struct {
	Intent       string          `json:"intent"`
	Branches     []intent.Branch `json:"branches"`
	Model        string          `json:"model"`
	Instructions string          `json:"instructions"`
	Memory       memory.Config   `json:"memory"`
}

// IntentRunner classifies the user's message into one of the node's
// branches. The "else" children are chosen before anything can fail, so a
// parse failure or a validation failure still continues down "else".
type IntentRunner struct {
	*base
}

func (r *IntentRunner) Run(ctx context.Context, vr *execution.VertexResult, ec *execution.Context, _ []*execution.VertexResult) error {
	node := vr.Node()
	vr.SetChildren(children(ec, node, schema.BranchElse))
	vr.SetOutputField("matched", false)

	var p IntentParams
	if err := execution.DecodeParams(node, &p); err != nil {
		return err
	}
	if err := intent.ValidateBranches(p.Branches); err != nil {
		return withNode(err, node.ID)
	}

	text := ec.Trigger().Content
	if p.Intent != "" {
		var err error
		if text, err = r.renderString(node, p.Intent, ec); err != nil {
			return err
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return execution.Required(node, "intent")
	}
	if r.deps.Model == nil {
		return missing(node, "language model")
	}
	vr.SetInput(map[string]any{"intent": text})

	var msgs []llm.Message
	if p.Memory.Enabled && r.deps.Memory != nil {
		// The message being classified must not show up as its own history.
		var err error
		msgs, err = r.deps.Memory.Build(ctx, ec, p.Memory, []string{ec.Trigger().MessageID})
		if err != nil {
			return err
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})

	resp, err := r.deps.Model.Complete(ctx, llm.Request{
		Model:    p.Model,
		System:   intent.BuildPrompt(p.Branches, p.Instructions),
		Messages: msgs,
		JSONMode: true,
	})
	if err != nil {
		return withNode(schema.Upstream("llm", err), node.ID)
	}

	decision, err := intent.ParseDecision(resp.Content)
	if err != nil {
		vr.Log(execution.LogWarn, "intent decision unparseable, keeping fallback", map[string]any{"error": err.Error()})
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "intent decision unparseable",
			slog.String("node_id", node.ID), slog.String("error", err.Error()))
		return nil
	}

	vr.SetOutputField("matched", decision.Matched)
	vr.SetOutputField("best_intent", decision.BestIntent)
	vr.SetOutputField("ranking", decision.Ranking)
	if !decision.Matched {
		return nil
	}

	b, ok := intent.Find(p.Branches, decision.BestIntent)
	if !ok {
		// A match on an unconfigured title dead-ends the path.
		vr.Log(execution.LogWarn, "matched intent has no branch", map[string]any{"best_intent": decision.BestIntent})
		vr.SetChildren(nil)
		return nil
	}
	vr.SetChildren(children(ec, node, b.Title))
	return nil
}
