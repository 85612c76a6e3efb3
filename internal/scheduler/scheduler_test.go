package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/internal/graph"
	"github.com/rendis/flowengine/internal/metrics"
	"github.com/rendis/flowengine/internal/runners"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// --- fakes ---

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu       sync.Mutex
	triggers map[string]*store.ScheduledTrigger
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{triggers: make(map[string]*store.ScheduledTrigger)}
}

func (m *mockSchedulerStore) CreateScheduledTrigger(_ context.Context, st *store.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[st.ID]; ok {
		return schema.NewError(schema.ErrCodeConflict, "exists")
	}
	cp := *st
	m.triggers[st.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledTrigger(_ context.Context, id string) (*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.triggers[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, id)
	}
	cp := *st
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledTrigger(_ context.Context, id string, update store.ScheduledTriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.triggers[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, id)
	}
	if update.Enabled != nil {
		st.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		st.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		st.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		st.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		st.LastRunID = update.LastRunID
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledTriggers(_ context.Context, filter store.ScheduledTriggerFilter) ([]*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledTrigger
	for _, st := range m.triggers {
		if filter.Enabled != nil && st.Enabled != *filter.Enabled {
			continue
		}
		if filter.DueBefore != nil && st.NextRunAt != nil && st.NextRunAt.After(*filter.DueBefore) {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

type mockRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (r *mockRunner) RunScheduled(_ context.Context, st *store.ScheduledTrigger) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, st.ID)
	n := len(r.calls)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return "run-" + st.ID + "-" + string(rune('0'+n)), r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner FlowRunner) *Scheduler {
	return NewScheduler(s, runner, Options{})
}

func seed(t *testing.T, ms *mockSchedulerStore, id string, enabled bool, next *time.Time) {
	t.Helper()
	require.NoError(t, ms.CreateScheduledTrigger(context.Background(), &store.ScheduledTrigger{
		ID:             id,
		FlowID:         "report",
		CronExpression: "0 * * * *",
		AgentID:        "system",
		Enabled:        enabled,
		NextRunAt:      next,
	}))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 9 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 8, 45, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestTickRunsDueTriggers(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	seed(t, ms, "due", true, &past)
	seed(t, ms, "fresh", true, nil)
	seed(t, ms, "later", true, &future)
	seed(t, ms, "off", false, &past)

	sched.Tick(context.Background())
	assert.ElementsMatch(t, []string{"due", "fresh"}, runner.calls)
}

func TestTriggerUpdatedAfterRun(t *testing.T) {
	ms := newMockSchedulerStore()
	collector := metrics.NewCollector("")
	sched := NewScheduler(ms, &mockRunner{}, Options{Metrics: collector})
	past := time.Now().UTC().Add(-time.Hour)
	seed(t, ms, "t1", true, &past)

	before := time.Now().UTC()
	sched.Tick(context.Background())

	st, err := ms.GetScheduledTrigger(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, st.LastRunAt)
	require.NotNil(t, st.NextRunAt)
	assert.False(t, st.LastRunAt.Before(before.Truncate(time.Second)))
	assert.True(t, st.NextRunAt.After(before))
	assert.Equal(t, string(schema.RunStatusSucceeded), st.LastRunStatus)
	assert.Equal(t, "run-t1-1", st.LastRunID)
}

func TestTriggerRunFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{err: errors.New("flow missing")})
	past := time.Now().UTC().Add(-time.Hour)
	seed(t, ms, "t1", true, &past)

	sched.Tick(context.Background())

	st, err := ms.GetScheduledTrigger(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, string(schema.RunStatusFailed), st.LastRunStatus)
	require.NotNil(t, st.NextRunAt)
	assert.True(t, st.NextRunAt.After(past))
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	past := time.Now().UTC().Add(-2 * time.Hour)

	seed(t, ms, "missed", true, &past)
	seed(t, ms, "never", true, nil)

	require.NoError(t, sched.RecoverMissed(context.Background()))
	assert.Equal(t, []string{"missed"}, runner.calls)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)
	past := time.Now().UTC().Add(-time.Hour)
	seed(t, ms, "dedup", true, &past)

	assert.True(t, sched.tryAcquire("dedup"))
	sched.Tick(context.Background())
	assert.Equal(t, 0, runner.callCount())

	sched.releaseTrigger("dedup")
	sched.Tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestConcurrentTicksRunOnce(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{block: make(chan struct{})}
	sched := newTestScheduler(ms, runner)
	past := time.Now().UTC().Add(-time.Hour)
	seed(t, ms, "slow", true, &past)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Tick(context.Background())
	}()
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 5*time.Millisecond)

	sched.Tick(context.Background())
	close(runner.block)
	wg.Wait()
	assert.Equal(t, 1, runner.callCount())
}

func TestRegister(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{})

	st := &store.ScheduledTrigger{ID: "r1", FlowID: "f", CronExpression: "0 0 * * *", Enabled: true}
	require.NoError(t, sched.Register(context.Background(), st))
	require.NotNil(t, st.NextRunAt)
	assert.True(t, st.NextRunAt.After(time.Now().UTC()))

	bad := &store.ScheduledTrigger{ID: "r2", FlowID: "f", CronExpression: "@every banana"}
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(sched.Register(context.Background(), bad)))
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := NewScheduler(ms, runner, Options{Interval: 10 * time.Millisecond})
	past := time.Now().UTC().Add(-time.Hour)
	seed(t, ms, "t1", true, &past)

	require.NoError(t, sched.Start(context.Background()))
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(sched.Start(context.Background())))

	require.Eventually(t, func() bool { return runner.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

// --- DispatchRunner ---

type flowMap map[string]*graph.Graph

func (m flowMap) Resolve(_ context.Context, id string) (*graph.Graph, error) {
	g, ok := m[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found", id)
	}
	return g, nil
}

func TestDispatchRunner(t *testing.T) {
	reg := execution.NewRegistry()
	require.NoError(t, runners.RegisterBuiltins(reg, runners.Deps{}))
	disp := engine.NewDispatcher(engine.New(reg, engine.Options{}), 2)
	defer disp.Shutdown()

	g := graph.MustParse(&schema.FlowDefinition{
		ID: "report",
		Nodes: []schema.NodeDefinition{
			{ID: "start", Kind: schema.NodeKindStart, Children: map[string][]string{"next": {"end"}}},
			{ID: "end", Kind: schema.NodeKindEnd, Params: map[string]any{
				"outputs": map[string]any{"region": "${{ start.region }}", "text": "${{ start.content }}"},
			}},
		},
	})
	r := &DispatchRunner{Flows: flowMap{"report": g}, Dispatcher: disp}

	st := &store.ScheduledTrigger{ID: "daily", FlowID: "report", Content: "daily", Params: json.RawMessage(`{"region":"eu"}`)}
	runID, err := r.RunScheduled(context.Background(), st)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	_, err = r.RunScheduled(context.Background(), &store.ScheduledTrigger{ID: "x", FlowID: "nope"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestTriggerFor(t *testing.T) {
	now := time.Now().UTC()
	tr, err := TriggerFor(&store.ScheduledTrigger{ID: "a", Content: "go", AgentID: "bot", Params: json.RawMessage(`{"n":1}`)}, now)
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerSourceSchedule, tr.Source)
	assert.Equal(t, "go", tr.Content)
	assert.Equal(t, map[string]any{"n": float64(1)}, tr.Params)
	assert.Equal(t, now, tr.ReceivedAt)

	_, err = TriggerFor(&store.ScheduledTrigger{ID: "b", Params: json.RawMessage(`[`)}, now)
	assert.Equal(t, schema.ErrCodeParse, schema.CodeOf(err))
}
