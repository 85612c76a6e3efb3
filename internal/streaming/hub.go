// Package streaming fans run events out to live subscribers such as the
// debug panel's SSE endpoints.
package streaming

import (
	"context"
	"time"
)

// RunEvent is a real-time event emitted while a flow runs.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	FlowID    string         `json:"flow_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeKind  string         `json:"node_kind,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// EventFilter selects the events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	RunID  string   `json:"run_id,omitempty"`
	FlowID string   `json:"flow_id,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
