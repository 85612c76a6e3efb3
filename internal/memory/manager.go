package memory

import (
	"context"
	"log/slog"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/internal/logging"
	"github.com/rendis/flowengine/pkg/schema"
)

// Defaults applied by Build when Config leaves them unset.
const (
	DefaultMaxRecords    = 10
	DefaultLongTermLimit = 5
)

// Config is the memory section of an LLM or Intent node.
type Config struct {
	Enabled              bool `json:"enabled"`
	MaxRecords           int  `json:"max_records"`
	MaxTokens            int  `json:"max_tokens"`
	LongTerm             bool `json:"long_term"`
	LongTermLimit        int  `json:"long_term_limit"`
	IgnoreCurrentMessage bool `json:"ignore_current_message"`
}

// Options configure a Manager. History and LongTerm may be nil, in which
// case the corresponding source contributes nothing.
type Options struct {
	History  ChatHistory
	LongTerm LongTermStore
	Tokens   llm.TokenCounter
	Logger   *slog.Logger
}

// Manager builds the ordered message list passed to a model.
type Manager struct {
	history  ChatHistory
	longTerm LongTermStore
	tokens   llm.TokenCounter
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		history:  opts.History,
		longTerm: opts.LongTerm,
		tokens:   opts.Tokens,
		logger:   opts.Logger,
	}
}

// History returns the configured chat history, or nil.
func (m *Manager) History() ChatHistory { return m.history }

// LongTerm returns the configured long-term store, or nil.
func (m *Manager) LongTerm() LongTermStore { return m.longTerm }

// Build assembles memory for one model call, oldest first:
// long-term entries, then the newest cfg.MaxRecords history records not in
// ignore, then the messages already exchanged in this run. With a token
// budget, the oldest history and long-term entries are dropped first.
func (m *Manager) Build(ctx context.Context, ec *execution.Context, cfg Config, ignore []string) ([]llm.Message, error) {
	out, err := m.stored(ctx, ec, cfg, ignore)
	if err != nil {
		return nil, err
	}
	stored := len(out)
	out = append(out, ec.Messages()...)

	if cfg.MaxTokens > 0 && m.tokens != nil {
		out, err = m.trim(out, stored, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Recent returns the filtered chat history alone (no long-term entries, no
// run messages). Used by the History node.
func (m *Manager) Recent(ctx context.Context, ec *execution.Context, maxRecords int, ignore []string) ([]llm.Message, error) {
	return m.stored(ctx, ec, Config{MaxRecords: maxRecords}, ignore)
}

func (m *Manager) stored(ctx context.Context, ec *execution.Context, cfg Config, ignore []string) ([]llm.Message, error) {
	trigger := ec.Trigger()
	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}

	skip := make(map[string]bool, len(ignore)+1)
	for _, id := range ignore {
		if id != "" {
			skip[id] = true
		}
	}
	if cfg.IgnoreCurrentMessage && trigger.MessageID != "" {
		skip[trigger.MessageID] = true
	}

	var out []llm.Message

	if cfg.LongTerm && m.longTerm != nil {
		limit := cfg.LongTermLimit
		if limit <= 0 {
			limit = DefaultLongTermLimit
		}
		entries, err := m.longTerm.Recall(ctx, LongTermKey(trigger), limit)
		if err != nil {
			return nil, schema.Upstream("long-term memory", err)
		}
		for _, r := range entries {
			out = append(out, r.Message())
		}
	}

	if m.history != nil {
		// Over-fetch so that ignored records do not shrink the window.
		records, err := m.history.Recent(ctx, ConversationKey(trigger), maxRecords+len(skip))
		if err != nil {
			return nil, schema.Upstream("chat history", err)
		}
		kept := make([]Record, 0, len(records))
		for _, r := range records {
			if !skip[r.ID] {
				kept = append(kept, r)
			}
		}
		for _, r := range tail(kept, maxRecords) {
			out = append(out, r.Message())
		}
	}

	if len(skip) > 0 {
		logging.LogWith(ctx, m.logger).DebugContext(ctx, "memory built with exclusions",
			slog.Int("ignored", len(skip)), slog.Int("messages", len(out)))
	}
	return out, nil
}

// trim drops messages from the front of the first droppable entries until
// the list fits budget. Run messages are never dropped.
func (m *Manager) trim(msgs []llm.Message, droppable, budget int) ([]llm.Message, error) {
	for droppable > 0 {
		n, err := llm.CountMessages(m.tokens, msgs)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUpstream, "count tokens: %s", err.Error()).WithCause(err)
		}
		if n <= budget {
			break
		}
		msgs = msgs[1:]
		droppable--
	}
	return msgs, nil
}
