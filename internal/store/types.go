package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// Run is a recorded flow run.
type Run struct {
	ID             string           `json:"id"`
	FlowID         string           `json:"flow_id"`
	Status         schema.RunStatus `json:"status"`
	Source         string           `json:"source,omitempty"`
	AgentID        string           `json:"agent_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Trigger        json.RawMessage  `json:"trigger"`
	FinalOutput    json.RawMessage  `json:"final_output,omitempty"`
	Error          string           `json:"error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Steps          int              `json:"steps"`
	StartedAt      time.Time        `json:"started_at"`
	DurationMs     int64            `json:"duration_ms"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Event is a persisted run event.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ScheduledTrigger fires a flow on a cron schedule.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	CronExpression string          `json:"cron_expression"`
	Content        string          `json:"content,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	LastRunID      string          `json:"last_run_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	FlowID  string            `json:"flow_id,omitempty"`
	Status  *schema.RunStatus `json:"status,omitempty"`
	AgentID string            `json:"agent_id,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled        *bool      `json:"enabled,omitempty"`
	CronExpression string     `json:"cron_expression,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastRunID      string     `json:"last_run_id,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	FlowID  string `json:"flow_id,omitempty"`
	// DueBefore selects triggers whose next run is unset or not after it.
	DueBefore *time.Time `json:"due_before,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
