package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// FlowSource resolves a flow by id.
type FlowSource interface {
	Resolve(ctx context.Context, flowID string) (*graph.Graph, error)
}

// DispatchRunner fires scheduled triggers through an engine Dispatcher.
type DispatchRunner struct {
	Flows      FlowSource
	Dispatcher *engine.Dispatcher
}

// RunScheduled resolves st's flow and runs it to completion.
func (r *DispatchRunner) RunScheduled(ctx context.Context, st *store.ScheduledTrigger) (string, error) {
	g, err := r.Flows.Resolve(ctx, st.FlowID)
	if err != nil {
		return "", err
	}
	trigger, err := TriggerFor(st, time.Now().UTC())
	if err != nil {
		return "", err
	}
	res, err := r.Dispatcher.Run(ctx, g, trigger)
	if res == nil {
		return "", err
	}
	return res.RunID, err
}

// TriggerFor builds the schedule-sourced trigger for st.
func TriggerFor(st *store.ScheduledTrigger, now time.Time) (*schema.Trigger, error) {
	t := &schema.Trigger{
		Source:     schema.TriggerSourceSchedule,
		Content:    st.Content,
		AgentID:    st.AgentID,
		UserID:     st.UserID,
		ReceivedAt: now,
	}
	if len(st.Params) > 0 {
		if err := json.Unmarshal(st.Params, &t.Params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeParse, "scheduled trigger %q params", st.ID).WithCause(err)
		}
	}
	return t, nil
}
