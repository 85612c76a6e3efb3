// Package store persists recorded runs, their vertex results, run events and
// scheduled triggers in libSQL.
package store

import (
	"context"
	"time"

	"github.com/rendis/flowengine/internal/execution"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *Run, vertices []execution.VertexRecord) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	ListVertexResults(ctx context.Context, runID string) ([]execution.VertexRecord, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Run events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error)
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
