package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/transport"
	"github.com/rendis/flowengine/pkg/schema"
)

// Built-in tool codes.
const (
	SendMessageToUser = "send_message_to_user"
	GetCurrentTime    = "get_current_time"
	SetVariable       = "set_variable"
)

// VariablesNodeID is the scratch-store node under which set_variable writes,
// readable as ${{ vars.<key> }}.
const VariablesNodeID = "vars"

// BuiltinOptions configures the built-in tools.
type BuiltinOptions struct {
	Transport transport.Transport
	// Now overrides the clock used by get_current_time.
	Now func() time.Time
}

// RegisterBuiltins registers the built-in tools on the catalog.
func RegisterBuiltins(c *Catalog, opts BuiltinOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	builtins := []Tool{
		{
			Code: SendMessageToUser,
			Schema: mcp.NewTool(SendMessageToUser,
				mcp.WithDescription("Send a chat message to the user right away, before the final answer"),
				mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
			),
			Handler: sendMessageHandler(opts.Transport),
		},
		{
			Code: GetCurrentTime,
			Schema: mcp.NewTool(GetCurrentTime,
				mcp.WithDescription("Get the current date and time"),
				mcp.WithString("timezone", mcp.Description("IANA time zone, e.g. Europe/Madrid (default UTC)")),
			),
			Handler: currentTimeHandler(opts.Now),
		},
		{
			Code: SetVariable,
			Schema: mcp.NewTool(SetVariable,
				mcp.WithDescription("Store a value for later steps of the conversation flow"),
				mcp.WithString("key", mcp.Required(), mcp.Description("Variable name")),
				mcp.WithString("value", mcp.Required(), mcp.Description("Variable value")),
			),
			Handler: setVariable,
		},
	}

	for _, t := range builtins {
		if err := c.Register(t); err != nil {
			return fmt.Errorf("register builtin %s: %w", t.Code, err)
		}
	}
	return nil
}

func sendMessageHandler(tr transport.Transport) Handler {
	return func(ctx context.Context, ec *execution.Context, params map[string]any) (any, error) {
		if tr == nil {
			return nil, schema.NewError(schema.ErrCodeNotFound, "no chat transport configured")
		}
		content := fmt.Sprint(params["content"])
		trig := ec.Trigger()
		if err := tr.SendMessage(ctx, trig.AgentID, trig.UserID, content); err != nil {
			return nil, err
		}
		return map[string]any{"sent": true}, nil
	}
}

func currentTimeHandler(now func() time.Time) Handler {
	return func(_ context.Context, _ *execution.Context, params map[string]any) (any, error) {
		loc := time.UTC
		if tz, _ := params["timezone"].(string); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", tz)
			}
			loc = l
		}
		t := now().In(loc)
		return map[string]any{
			"time":     t.Format(time.RFC3339),
			"weekday":  t.Weekday().String(),
			"timezone": loc.String(),
		}, nil
	}
}

func setVariable(_ context.Context, ec *execution.Context, params map[string]any) (any, error) {
	key := fmt.Sprint(params["key"])
	ec.Save(VariablesNodeID, key, params["value"])
	return map[string]any{"key": key, "stored": true}, nil
}
