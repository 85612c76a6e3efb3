package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s, nil), s
}

func TestEventLog_AppendConcurrent(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := el.Append(ctx, streaming.RunEvent{RunID: "r1", NodeID: "n", Type: schema.EventNodeCompleted})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	evts, err := s.GetEvents(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, evts, 20)
	for i, e := range evts {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_Replay(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for _, evt := range []streaming.RunEvent{
		{RunID: "r1", Type: schema.EventRunStarted},
		{RunID: "r1", NodeID: "loop", Type: schema.EventLoopIteration, Payload: map[string]any{"iteration": 0}},
		{RunID: "r1", NodeID: "fetch", Type: schema.EventNodeCompleted, Payload: map[string]any{"duration_ms": 5}},
		{RunID: "r1", NodeID: "loop", Type: schema.EventLoopIteration, Payload: map[string]any{"iteration": 1}},
		{RunID: "r1", NodeID: "fetch", Type: schema.EventNodeAborted, Payload: map[string]any{"duration_ms": 3, "error": "bad url"}},
		{RunID: "r1", NodeID: "answer", Namespace: "sub", Type: schema.EventNodeFailed, Payload: map[string]any{"error": "model down"}},
		{RunID: "r1", NodeID: "answer", Namespace: "sub", Type: schema.EventRunFailed},
	} {
		_, err := el.Append(ctx, evt)
		require.NoError(t, err)
	}

	r, err := el.Replay(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, r.Status)
	assert.Equal(t, 7, r.Events)
	assert.Equal(t, 2, r.Iterations["loop"])

	fetch := r.Nodes["fetch"]
	require.NotNil(t, fetch)
	assert.Equal(t, 2, fetch.Visits)
	assert.Equal(t, "aborted", fetch.Status)
	assert.Equal(t, "bad url", fetch.LastError)
	assert.Equal(t, int64(8), fetch.DurationMs)

	answer := r.Nodes[NodeKey("sub", "answer")]
	require.NotNil(t, answer)
	assert.Equal(t, "failed", answer.Status)
	assert.Equal(t, "model down", answer.LastError)
}

func TestEventLog_ReplayUnknownRun(t *testing.T) {
	el, _ := newTestEventLog(t)
	_, err := el.Replay(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventRunStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", Type: schema.EventNodeCompleted, NodeID: "a"}))
	_, err := s.DB().ExecContext(ctx, `DELETE FROM run_events WHERE run_id = 'r1' AND sequence = 1`)
	require.NoError(t, err)

	_, err = el.Replay(ctx, "r1")
	assert.Equal(t, schema.ErrCodeStore, schema.CodeOf(err))
}

func TestEventLog_FollowPersistsHubEvents(t *testing.T) {
	el, s := newTestEventLog(t)
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- el.Follow(ctx, hub) }()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, streaming.RunEvent{RunID: "r9", Type: schema.EventRunStarted, At: time.Now().UTC()}))
	require.NoError(t, hub.Publish(ctx, streaming.RunEvent{RunID: "r9", Type: schema.EventRunCompleted, At: time.Now().UTC()}))

	require.Eventually(t, func() bool {
		evts, err := s.GetEvents(context.Background(), "r9", 0)
		return err == nil && len(evts) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
