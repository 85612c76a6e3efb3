package store

import (
	"context"
	"encoding/json"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// Recorder persists finished runs. It satisfies engine.RunRecorder.
type Recorder struct {
	store Store
}

var _ engine.RunRecorder = (*Recorder)(nil)

// NewRecorder returns a Recorder writing to s.
func NewRecorder(s Store) *Recorder {
	return &Recorder{store: s}
}

// RecordRun converts res into a Run plus its vertex records and saves them.
func (r *Recorder) RecordRun(ctx context.Context, res *engine.RunResult) error {
	run, vertices, err := RunFromResult(res)
	if err != nil {
		return err
	}
	return r.store.SaveRun(ctx, run, vertices)
}

// RunFromResult maps an engine result onto the stored shape.
func RunFromResult(res *engine.RunResult) (*Run, []execution.VertexRecord, error) {
	run := &Run{
		ID:         res.RunID,
		FlowID:     res.FlowID,
		Status:     schema.RunStatusSucceeded,
		Steps:      len(res.VertexResults),
		StartedAt:  res.StartedAt,
		DurationMs: res.DurationMs,
	}
	if res.Trigger != nil {
		run.Source = string(res.Trigger.Source)
		run.AgentID = res.Trigger.AgentID
		run.UserID = res.Trigger.UserID
		run.ConversationID = res.Trigger.ConversationID
		b, err := json.Marshal(res.Trigger)
		if err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeValidation, "trigger is not serializable").WithCause(err)
		}
		run.Trigger = b
	}
	if res.FinalOutput != nil {
		b, err := json.Marshal(res.FinalOutput)
		if err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeValidation, "final output is not serializable").WithCause(err)
		}
		run.FinalOutput = b
	}
	if !res.Success {
		run.Status = schema.RunStatusFailed
		if res.Error != nil {
			run.Error = res.Error.Error()
			run.ErrorCode = res.Error.Code
		}
	}

	vertices := make([]execution.VertexRecord, 0, len(res.VertexResults))
	for _, vr := range res.VertexResults {
		vertices = append(vertices, vr.Record())
	}
	return run, vertices, nil
}
