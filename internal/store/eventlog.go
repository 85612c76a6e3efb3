package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

// EventLog persists hub events and rebuilds run state from them.
type EventLog struct {
	store  *LibSQLStore
	logger *slog.Logger
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Append persists a single run event.
func (el *EventLog) Append(ctx context.Context, evt streaming.RunEvent) (*Event, error) {
	var payload json.RawMessage
	if len(evt.Payload) > 0 {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "event payload is not serializable").WithCause(err)
		}
		payload = b
	}
	e := &Event{
		RunID:     evt.RunID,
		Type:      evt.Type,
		NodeID:    evt.NodeID,
		Namespace: evt.Namespace,
		Payload:   payload,
		Timestamp: evt.At,
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Follow subscribes to every event on hub and persists it until ctx is done.
// It blocks; run it in its own goroutine.
func (el *EventLog) Follow(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := el.Append(context.WithoutCancel(ctx), evt); err != nil {
				el.logger.Warn("persist run event",
					slog.String("run_id", evt.RunID), slog.String("type", evt.Type), slog.String("error", err.Error()))
			}
		}
	}
}

// NodeState is the replayed state of one node within a run.
type NodeState struct {
	NodeID     string          `json:"node_id"`
	Namespace  string          `json:"namespace,omitempty"`
	Status     string          `json:"status"`
	Visits     int             `json:"visits"`
	LastError  string          `json:"last_error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	LastEvent  json.RawMessage `json:"last_event,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NodeKey identifies a node within a run's namespaces.
func NodeKey(namespace, nodeID string) string {
	if namespace == "" {
		return nodeID
	}
	return namespace + "/" + nodeID
}

// RunReplay is the state reconstructed from a run's event stream.
type RunReplay struct {
	RunID      string                `json:"run_id"`
	Status     schema.RunStatus      `json:"status"`
	Nodes      map[string]*NodeState `json:"nodes"`
	Iterations map[string]int        `json:"iterations,omitempty"`
	Events     int                   `json:"events"`
}

// Replay rebuilds per-node state from a run's events.
// Returns STORE_ERROR if the sequence has gaps.
func (el *EventLog) Replay(ctx context.Context, runID string) (*RunReplay, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	r := &RunReplay{RunID: runID, Nodes: make(map[string]*NodeState), Iterations: make(map[string]int)}
	if len(events) == 0 {
		return nil, storeNotFound("run events", runID)
	}

	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		r.Events++

		switch e.Type {
		case schema.EventRunStarted:
			r.Status = schema.RunStatusRunning
		case schema.EventRunCompleted:
			r.Status = schema.RunStatusSucceeded
		case schema.EventRunFailed:
			r.Status = schema.RunStatusFailed
		case schema.EventLoopIteration:
			r.Iterations[NodeKey(e.Namespace, e.NodeID)]++
		case schema.EventNodeCompleted, schema.EventNodeAborted, schema.EventNodeFailed:
			key := NodeKey(e.Namespace, e.NodeID)
			ns, ok := r.Nodes[key]
			if !ok {
				ns = &NodeState{NodeID: e.NodeID, Namespace: e.Namespace}
				r.Nodes[key] = ns
			}
			ns.Visits++
			ns.LastEvent = e.Payload
			ns.UpdatedAt = e.Timestamp

			var p eventPayload
			if len(e.Payload) > 0 {
				_ = json.Unmarshal(e.Payload, &p)
			}
			ns.DurationMs += p.DurationMs

			switch e.Type {
			case schema.EventNodeCompleted:
				ns.Status = "completed"
			case schema.EventNodeAborted:
				ns.Status = "aborted"
				ns.LastError = p.Error
			default:
				ns.Status = "failed"
				ns.LastError = p.Error
			}
		}
	}
	return r, nil
}

type eventPayload struct {
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
}
