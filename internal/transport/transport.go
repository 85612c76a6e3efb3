// Package transport defines the chat-transport capability used to deliver
// messages to users while a flow runs.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowengine/internal/logging"
)

// Transport sends a chat message. Delivery is fire-and-forget from the
// engine's point of view: a nil error means the message was handed off.
type Transport interface {
	SendMessage(ctx context.Context, senderID, receiverID, content string) error
}

// LogTransport writes messages to a logger instead of delivering them.
// It is the default for CLI runs.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// SendMessage logs the message at info level.
func (t *LogTransport) SendMessage(ctx context.Context, senderID, receiverID, content string) error {
	logging.LogWith(ctx, t.logger).InfoContext(ctx, "message sent",
		slog.String("sender", senderID),
		slog.String("receiver", receiverID),
		slog.String("content", content),
	)
	return nil
}

// Message is a message captured by a Recording transport.
type Message struct {
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	RunID      string    `json:"run_id,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// Recording keeps every message in memory. Safe for concurrent use.
type Recording struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

// NewRecording creates an empty Recording transport.
func NewRecording() *Recording {
	return &Recording{}
}

// FailWith makes subsequent sends return err without recording.
func (r *Recording) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// SendMessage records the message.
func (r *Recording) SendMessage(ctx context.Context, senderID, receiverID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		RunID:      logging.RunID(ctx),
		SentAt:     time.Now().UTC(),
	})
	return nil
}

// Sent returns a copy of the recorded messages.
func (r *Recording) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// ForRun returns the recorded messages sent while runID was on the context.
func (r *Recording) ForRun(runID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.sent {
		if m.RunID == runID {
			out = append(out, m)
		}
	}
	return out
}
