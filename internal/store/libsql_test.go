package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func vertex(id string, kind schema.NodeKind, ok bool) execution.VertexRecord {
	rec := execution.VertexRecord{
		NodeID:    id,
		Kind:      string(kind),
		Success:   ok,
		Output:    map[string]any{"node": id},
		StartedAt: time.Now().UTC(),
	}
	if !ok {
		rec.Error = "boom"
		rec.ErrorCode = schema.ErrCodeUpstream
	}
	return rec
}

func seedRun(t *testing.T, s *LibSQLStore, flowID string, status schema.RunStatus, started time.Time) *Run {
	t.Helper()
	r := &Run{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		Status:    status,
		Source:    "chat",
		AgentID:   "agent-1",
		Trigger:   json.RawMessage(`{"source":"chat","content":"hi"}`),
		StartedAt: started,
	}
	require.NoError(t, s.SaveRun(context.Background(), r, []execution.VertexRecord{
		vertex("start", schema.NodeKindStart, true),
		vertex("answer", schema.NodeKindLLM, status == schema.RunStatusSucceeded),
	}))
	return r
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	v, err := schemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Run{
		ID:          uuid.New().String(),
		FlowID:      "support",
		Status:      schema.RunStatusSucceeded,
		Source:      "api",
		UserID:      "u1",
		Trigger:     json.RawMessage(`{"source":"api"}`),
		FinalOutput: json.RawMessage(`{"text":"done"}`),
		Steps:       2,
		StartedAt:   time.Now().UTC().Truncate(time.Second),
		DurationMs:  42,
	}
	require.NoError(t, s.SaveRun(ctx, r, []execution.VertexRecord{
		vertex("start", schema.NodeKindStart, true),
		vertex("end", schema.NodeKindEnd, true),
	}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "support", got.FlowID)
	assert.Equal(t, schema.RunStatusSucceeded, got.Status)
	assert.Equal(t, "u1", got.UserID)
	assert.Empty(t, got.AgentID)
	assert.JSONEq(t, `{"text":"done"}`, string(got.FinalOutput))
	assert.Equal(t, int64(42), got.DurationMs)
	assert.True(t, r.StartedAt.Equal(got.StartedAt))

	vs, err := s.ListVertexResults(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "start", vs[0].NodeID)
	assert.Equal(t, "end", vs[1].NodeID)
	assert.Equal(t, map[string]any{"node": "end"}, vs[1].Output)
}

func TestSaveRun_ReplacesVertices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRun(t, s, "f", schema.RunStatusRunning, time.Now().UTC())

	r.Status = schema.RunStatusFailed
	r.Error = "answer: boom"
	r.ErrorCode = schema.ErrCodeUpstream
	require.NoError(t, s.SaveRun(ctx, r, []execution.VertexRecord{vertex("start", schema.NodeKindStart, true)}))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, schema.ErrCodeUpstream, got.ErrorCode)

	vs, err := s.ListVertexResults(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

func TestSaveRun_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRun(context.Background(), &Run{FlowID: "f"}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedRun(t, s, "a", schema.RunStatusSucceeded, now.Add(-3*time.Hour))
	seedRun(t, s, "a", schema.RunStatusFailed, now.Add(-2*time.Hour))
	newest := seedRun(t, s, "b", schema.RunStatusSucceeded, now.Add(-time.Hour))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, newest.ID, all[0].ID)

	byFlow, err := s.ListRuns(ctx, RunFilter{FlowID: "a"})
	require.NoError(t, err)
	assert.Len(t, byFlow, 2)

	failed := schema.RunStatusFailed
	byStatus, err := s.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "a", byStatus[0].FlowID)

	since := now.Add(-90 * time.Minute)
	recent, err := s.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, failed, page[0].Status)
}

func TestDeleteRunsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := seedRun(t, s, "f", schema.RunStatusSucceeded, now.Add(-48*time.Hour))
	keep := seedRun(t, s, "f", schema.RunStatusSucceeded, now)
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: old.ID, Type: schema.EventRunStarted}))

	n, err := s.DeleteRunsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRun(ctx, old.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	vs, err := s.ListVertexResults(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, vs)
	evts, err := s.GetEvents(ctx, old.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, evts)

	_, err = s.GetRun(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestAppendEvent_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventNodeCompleted, NodeID: "n"}))
	}
	other := &Event{RunID: "r2", Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	evts, err := s.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	for i, e := range evts {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "n", e.NodeID)
	}

	tail, err := s.GetEvents(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)
}

func TestScheduledTriggerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &ScheduledTrigger{
		ID:             "daily",
		FlowID:         "report",
		CronExpression: "0 9 * * *",
		Content:        "daily report",
		Params:         json.RawMessage(`{"region":"eu"}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledTrigger(ctx, st))
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(s.CreateScheduledTrigger(ctx, st)))

	got, err := s.GetScheduledTrigger(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "report", got.FlowID)
	assert.True(t, got.Enabled)
	assert.JSONEq(t, `{"region":"eu"}`, string(got.Params))
	assert.Nil(t, got.NextRunAt)

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	disabled := false
	require.NoError(t, s.UpdateScheduledTrigger(ctx, "daily", ScheduledTriggerUpdate{
		Enabled:       &disabled,
		NextRunAt:     &next,
		LastRunStatus: "succeeded",
		LastRunID:     "run-1",
	}))
	got, err = s.GetScheduledTrigger(ctx, "daily")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.Equal(t, "run-1", got.LastRunID)

	err = s.UpdateScheduledTrigger(ctx, "nope", ScheduledTriggerUpdate{LastRunID: "x"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	require.NoError(t, s.DeleteScheduledTrigger(ctx, "daily"))
	_, err = s.GetScheduledTrigger(ctx, "daily")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.DeleteScheduledTrigger(ctx, "daily")))
}

func TestCreateScheduledTrigger_Validation(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateScheduledTrigger(context.Background(), &ScheduledTrigger{ID: "x", FlowID: "f"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestListScheduledTriggers_DueBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	for _, st := range []*ScheduledTrigger{
		{ID: "due", FlowID: "f", CronExpression: "* * * * *", Enabled: true, NextRunAt: &past},
		{ID: "later", FlowID: "f", CronExpression: "* * * * *", Enabled: true, NextRunAt: &future},
		{ID: "fresh", FlowID: "g", CronExpression: "* * * * *", Enabled: true},
		{ID: "off", FlowID: "f", CronExpression: "* * * * *", Enabled: false, NextRunAt: &past},
	} {
		require.NoError(t, s.CreateScheduledTrigger(ctx, st))
	}

	enabled := true
	due, err := s.ListScheduledTriggers(ctx, ScheduledTriggerFilter{Enabled: &enabled, DueBefore: &now})
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, st := range due {
		ids = append(ids, st.ID)
	}
	assert.ElementsMatch(t, []string{"due", "fresh"}, ids)

	byFlow, err := s.ListScheduledTriggers(ctx, ScheduledTriggerFilter{FlowID: "g"})
	require.NoError(t, err)
	require.Len(t, byFlow, 1)
	assert.Equal(t, "fresh", byFlow[0].ID)
}

func TestRecorder_RecordRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := execution.NewVertexResult(&schema.NodeDefinition{ID: "start", Kind: schema.NodeKindStart}, "", 0)
	start.SetOutput(map[string]any{"content": "hi"})
	start.Finish(nil)
	answer := execution.NewVertexResult(&schema.NodeDefinition{ID: "answer", Kind: schema.NodeKindLLM}, "", 0)
	answer.Finish(schema.NewError(schema.ErrCodeUpstream, "model down").WithNode("answer"))

	res := &engine.RunResult{
		RunID:         "run-1",
		FlowID:        "support",
		Trigger:       &schema.Trigger{Source: schema.TriggerSourceChat, Content: "hi", AgentID: "a1", ConversationID: "c1"},
		VertexResults: []*execution.VertexResult{start, answer},
		Error:         schema.NewError(schema.ErrCodeUpstream, "model down").WithNode("answer"),
		StartedAt:     time.Now().UTC(),
		DurationMs:    7,
	}
	require.NoError(t, NewRecorder(s).RecordRun(ctx, res))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, "chat", got.Source)
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, schema.ErrCodeUpstream, got.ErrorCode)
	assert.Equal(t, 2, got.Steps)

	vs, err := s.ListVertexResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.True(t, vs[0].Success)
	assert.False(t, vs[1].Success)
	assert.Equal(t, schema.ErrCodeUpstream, vs[1].ErrorCode)
}
