// Package memory assembles the bounded conversation memory handed to LLM
// runners from chat history, long-term memory and the current run.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowengine/internal/llm"
	"github.com/rendis/flowengine/pkg/schema"
)

// Record is one stored memory entry.
type Record struct {
	ID        string    `json:"id"`
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Message converts the record to a model message.
func (r Record) Message() llm.Message {
	return llm.Message{ID: r.ID, Role: r.Role, Content: r.Content}
}

// ChatHistory reads and appends conversation records. Recent returns at most
// limit records, oldest first, ending with the newest one.
type ChatHistory interface {
	Recent(ctx context.Context, key string, limit int) ([]Record, error)
	Append(ctx context.Context, key string, records ...Record) error
}

// LongTermStore holds mounted memory that outlives a conversation.
type LongTermStore interface {
	Recall(ctx context.Context, key string, limit int) ([]Record, error)
	Remember(ctx context.Context, key string, records ...Record) error
}

// ConversationKey identifies the chat history of a trigger.
func ConversationKey(t *schema.Trigger) string {
	parts := []string{"agent", orDash(t.AgentID), "conv", orDash(t.ConversationID)}
	if t.TopicID != "" {
		parts = append(parts, "topic", t.TopicID)
	}
	return strings.Join(parts, ":")
}

// LongTermKey identifies the long-term memory of an agent for one user.
func LongTermKey(t *schema.Trigger) string {
	key := "agent:" + orDash(t.AgentID) + ":user:" + orDash(t.UserID)
	if t.TenantID != "" {
		key = "tenant:" + t.TenantID + ":" + key
	}
	return key
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// stamp fills in missing IDs and timestamps.
func stamp(records []Record) []Record {
	now := time.Now().UTC()
	out := make([]Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		out[i] = r
	}
	return out
}

// tail returns the last n records.
func tail(records []Record, n int) []Record {
	if n <= 0 {
		return nil
	}
	if len(records) > n {
		records = records[len(records)-n:]
	}
	return append([]Record(nil), records...)
}

// --- in-memory stores ---

// InMemoryHistory is a ChatHistory kept in process memory.
type InMemoryHistory struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewInMemoryHistory creates an empty in-memory history.
func NewInMemoryHistory() *InMemoryHistory {
	return &InMemoryHistory{records: make(map[string][]Record)}
}

// Recent implements ChatHistory.
func (h *InMemoryHistory) Recent(_ context.Context, key string, limit int) ([]Record, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return tail(h.records[key], limit), nil
}

// Append implements ChatHistory.
func (h *InMemoryHistory) Append(_ context.Context, key string, records ...Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[key] = append(h.records[key], stamp(records)...)
	return nil
}

// InMemoryLongTerm is a LongTermStore kept in process memory.
type InMemoryLongTerm struct {
	history InMemoryHistory
}

// NewInMemoryLongTerm creates an empty in-memory long-term store.
func NewInMemoryLongTerm() *InMemoryLongTerm {
	return &InMemoryLongTerm{history: InMemoryHistory{records: make(map[string][]Record)}}
}

// Recall implements LongTermStore.
func (l *InMemoryLongTerm) Recall(ctx context.Context, key string, limit int) ([]Record, error) {
	return l.history.Recent(ctx, key, limit)
}

// Remember implements LongTermStore.
func (l *InMemoryLongTerm) Remember(ctx context.Context, key string, records ...Record) error {
	return l.history.Append(ctx, key, records...)
}

var (
	_ ChatHistory   = (*InMemoryHistory)(nil)
	_ LongTermStore = (*InMemoryLongTerm)(nil)
)
