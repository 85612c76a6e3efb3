package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowengine/internal/execution"
	"github.com/rendis/flowengine/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

// SaveRun writes a run and replaces its vertex results.
func (s *LibSQLStore) SaveRun(ctx context.Context, run *Run, vertices []execution.VertexRecord) error {
	if run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is empty")
	}
	trigger := run.Trigger
	if len(trigger) == 0 {
		trigger = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save run", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, flow_id, status, source, agent_id, user_id, conversation_id, trigger, final_output, error, error_code, steps, started_at, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, final_output=excluded.final_output,
		   error=excluded.error, error_code=excluded.error_code, steps=excluded.steps, duration_ms=excluded.duration_ms`,
		run.ID, run.FlowID, string(run.Status), nullStr(run.Source), nullStr(run.AgentID), nullStr(run.UserID),
		nullStr(run.ConversationID), string(trigger), nullRaw(run.FinalOutput), nullStr(run.Error), nullStr(run.ErrorCode),
		run.Steps, timeOrNow(run.StartedAt), run.DurationMs, timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return storeErr("insert run", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM vertex_results WHERE run_id = ?`, run.ID); err != nil {
		return storeErr("clear vertex results", err)
	}
	for i, v := range vertices {
		record, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal vertex %s: %w", v.NodeID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO vertex_results (run_id, position, node_id, kind, namespace, iteration, success, error_code, record, started_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, v.NodeID, v.Kind, nullStr(v.Namespace), v.Iteration, boolInt(v.Success), nullStr(v.ErrorCode),
			string(record), timeOrNow(v.StartedAt), v.DurationMs,
		)
		if err != nil {
			return storeErr("insert vertex result", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit save run", err)
	}
	return nil
}

const runColumns = `id, flow_id, status, source, agent_id, user_id, conversation_id, trigger, final_output, error, error_code, steps, started_at, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*Run, error) {
	r := &Run{}
	var (
		status, trigger                 string
		source, agentID, userID, convID sql.NullString
		finalOutput, errMsg, errCode    sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.FlowID, &status, &source, &agentID, &userID, &convID, &trigger,
		&finalOutput, &errMsg, &errCode, &r.Steps, &r.StartedAt, &r.DurationMs, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.Source = source.String
	r.AgentID = agentID.String
	r.UserID = userID.String
	r.ConversationID = convID.String
	r.Trigger = json.RawMessage(trigger)
	r.FinalOutput = rawOrNil(finalOutput)
	r.Error = errMsg.String
	r.ErrorCode = errCode.String
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, storeErr("get run", err)
	}
	return r, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, storeErr("scan run", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ListVertexResults(ctx context.Context, runID string) ([]execution.VertexRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM vertex_results WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, storeErr("list vertex results", err)
	}
	defer rows.Close()

	var out []execution.VertexRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan vertex result", err)
		}
		var rec execution.VertexRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal vertex result: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRunsBefore removes runs started before the cutoff together with their
// vertex results and events.
func (s *LibSQLStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin prune", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, before); err != nil {
		return 0, storeErr("prune events", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM vertex_results WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, before); err != nil {
		return 0, storeErr("prune vertex results", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, storeErr("prune runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// --- Run events ---

// AppendEvent appends an event with the next per-run sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin append event", err)
	}
	defer tx.Rollback()

	// A deferred transaction only takes the write lock on its first write,
	// so force it before reading the sequence.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return storeErr("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return storeErr("release write lock", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return storeErr("next event sequence", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, node_id, namespace, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.NodeID), nullStr(event.Namespace), nullRaw(event.Payload), event.Timestamp,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	event.Sequence = seq
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns a run's events with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, node_id, namespace, payload, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, namespace, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &nodeID, &namespace, &payload, &e.Timestamp); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.NodeID = nodeID.String
		e.Namespace = namespace.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error {
	if st.ID == "" || st.FlowID == "" || st.CronExpression == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled trigger needs id, flow_id and cron_expression")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, flow_id, cron_expression, content, params, agent_id, user_id, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.FlowID, st.CronExpression, nullStr(st.Content), nullRaw(st.Params), nullStr(st.AgentID), nullStr(st.UserID),
		boolInt(st.Enabled), nullTime(st.LastRunAt), nullTime(st.NextRunAt), nullStr(st.LastRunStatus), nullStr(st.LastRunID),
		timeOrNow(st.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled trigger %q already exists", st.ID).WithCause(err)
	}
	if err != nil {
		return storeErr("insert scheduled trigger", err)
	}
	return nil
}

const triggerColumns = `id, flow_id, cron_expression, content, params, agent_id, user_id, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func scanScheduledTrigger(sc rowScanner) (*ScheduledTrigger, error) {
	st := &ScheduledTrigger{}
	var (
		content, params, agentID, userID, status, runID sql.NullString
		lastRun, nextRun                                sql.NullTime
		enabled                                         int
	)
	if err := sc.Scan(&st.ID, &st.FlowID, &st.CronExpression, &content, &params, &agentID, &userID,
		&enabled, &lastRun, &nextRun, &status, &runID, &st.CreatedAt); err != nil {
		return nil, err
	}
	st.Content = content.String
	st.Params = rawOrNil(params)
	st.AgentID = agentID.String
	st.UserID = userID.String
	st.Enabled = enabled != 0
	st.LastRunStatus = status.String
	st.LastRunID = runID.String
	if lastRun.Valid {
		st.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		st.NextRunAt = &nextRun.Time
	}
	return st, nil
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	st, err := scanScheduledTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM scheduled_triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled trigger", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled trigger", err)
	}
	return st, nil
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.CronExpression != "" {
		sets = append(sets, "cron_expression = ?")
		args = append(args, update.CronExpression)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update scheduled trigger", err)
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.DueBefore != nil {
		where = append(where, "(next_run_at IS NULL OR next_run_at <= ?)")
		args = append(args, *filter.DueBefore)
	}

	query := "SELECT " + triggerColumns + " FROM scheduled_triggers"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled triggers", err)
	}
	defer rows.Close()

	var out []*ScheduledTrigger
	for rows.Next() {
		st, err := scanScheduledTrigger(rows)
		if err != nil {
			return nil, storeErr("scan scheduled trigger", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled trigger", err)
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
