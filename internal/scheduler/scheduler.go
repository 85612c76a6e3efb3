package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowengine/internal/metrics"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due triggers.
const DefaultInterval = 60 * time.Second

// FlowRunner starts the run a scheduled trigger stands for.
// Satisfied by DispatchRunner; tests use fakes.
type FlowRunner interface {
	RunScheduled(ctx context.Context, st *store.ScheduledTrigger) (runID string, err error)
}

// Options tune a Scheduler. Zero values mean defaults.
type Options struct {
	Interval time.Duration
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Scheduler polls the store for due scheduled triggers and runs them.
type Scheduler struct {
	store    store.Store
	runner   FlowRunner
	parser   cron.Parser
	interval time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently executing
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner FlowRunner, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: opts.Interval,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled trigger whose next_run_at has passed. Triggers
// that never ran are due immediately.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	now := time.Now().UTC()
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled, DueBefore: &now})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	for _, st := range triggers {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(st.ID) {
			continue
		}
		if err := s.fire(ctx, st, now); err != nil {
			s.logger.Error("failed to run scheduled trigger",
				slog.String("trigger_id", st.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseTrigger(st.ID)
	}
}

// fire runs st and records its outcome and next run time.
func (s *Scheduler) fire(ctx context.Context, st *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("running scheduled trigger",
		slog.String("trigger_id", st.ID),
		slog.String("flow_id", st.FlowID),
	)

	runID, err := s.runner.RunScheduled(ctx, st)
	status := string(schema.RunStatusSucceeded)
	if err != nil {
		status = string(schema.RunStatusFailed)
		s.logger.Error("scheduled run failed",
			slog.String("trigger_id", st.ID),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
	s.metrics.TriggerFired(err == nil)

	return s.updateTrigger(ctx, st, now, status, runID)
}

func (s *Scheduler) updateTrigger(ctx context.Context, st *store.ScheduledTrigger, now time.Time, status, runID string) error {
	nextRun, err := s.CalculateNextRun(st.CronExpression, now)
	if err != nil {
		return err
	}

	return s.store.UpdateScheduledTrigger(context.WithoutCancel(ctx), st.ID, store.ScheduledTriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Register validates the cron expression, computes the first run and stores st.
func (s *Scheduler) Register(ctx context.Context, st *store.ScheduledTrigger) error {
	next, err := s.CalculateNextRun(st.CronExpression, time.Now().UTC())
	if err != nil {
		return err
	}
	st.NextRunAt = &next
	return s.store.CreateScheduledTrigger(ctx, st)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once every enabled trigger whose next_run_at is already in the past.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	now := time.Now().UTC()
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled, DueBefore: &now})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	recovered := 0
	for _, st := range triggers {
		if st.NextRunAt == nil || !st.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(st.ID) {
			continue
		}
		err := s.fire(ctx, st, now)
		s.releaseTrigger(st.ID)
		if err != nil {
			s.logger.Error("failed to recover missed trigger",
				slog.String("trigger_id", st.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
