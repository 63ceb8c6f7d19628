// Package jobs is the durable record of pipeline schedules, status and
// history. It is the source of truth for "is this pipeline running?" and the
// enforcement point of the one-run-per-type rule.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gitpulse/gitpulse/internal/types"
)

// ErrAlreadyRunning is returned by BeginRun when a run of the same pipeline
// type is still open.
var ErrAlreadyRunning = errors.New("pipeline already running")

// ErrScheduleNotFound is returned by schedule lookups when no row matches.
var ErrScheduleNotFound = errors.New("schedule not found")

// Store is a typed layer over the pipeline bookkeeping tables. It shares the
// database with the entity store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New creates a job store over db.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

// BeginRun atomically takes the per-type singleton and opens a history row in
// status running. The singleton is a conditional update checked through
// RowsAffected, never a select-then-update.
func (s *Store) BeginRun(ctx context.Context, pt types.PipelineType, trigger types.TriggerKind) (int64, error) {
	if !pt.IsValid() {
		return 0, fmt.Errorf("invalid pipeline type %q", pt)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pipeline_status (pipeline_type, is_running, status) VALUES (?, 0, '')`,
		string(pt)); err != nil {
		return 0, fmt.Errorf("failed to ensure status row: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_status SET is_running = 1, status = 'running'
		 WHERE pipeline_type = ? AND is_running = 0`, string(pt))
	if err != nil {
		return 0, fmt.Errorf("failed to take pipeline singleton: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 0 {
		return 0, ErrAlreadyRunning
	}

	ins, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_history (pipeline_type, trigger_kind, status, started_at)
		 VALUES (?, ?, 'running', CURRENT_TIMESTAMP)`, string(pt), string(trigger))
	if err != nil {
		// Release the singleton; a status row claiming a run with no history
		// row would violate the running-iff invariant.
		_, _ = s.db.ExecContext(ctx,
			`UPDATE pipeline_status SET is_running = 0, status = 'failed' WHERE pipeline_type = ?`, string(pt))
		return 0, fmt.Errorf("failed to insert history row: %w", err)
	}
	id, err := ins.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read history id: %w", err)
	}
	return id, nil
}

// EndRun closes a history row with a terminal status and releases the
// singleton. Idempotent: closing an already-closed run is a no-op.
func (s *Store) EndRun(ctx context.Context, historyID int64, status types.RunStatus, itemsProcessed int, runErr error) error {
	if !status.Terminal() {
		return fmt.Errorf("EndRun requires a terminal status, got %q", status)
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_history
		SET status = ?, completed_at = CURRENT_TIMESTAMP, items_processed = ?, error_message = ?
		WHERE id = ? AND status = 'running'`,
		string(status), itemsProcessed, errMsg, historyID)
	if err != nil {
		return fmt.Errorf("failed to close history row %d: %w", historyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return nil // already closed
	}

	var pt string
	if err := s.db.QueryRowContext(ctx,
		`SELECT pipeline_type FROM pipeline_history WHERE id = ?`, historyID).Scan(&pt); err != nil {
		return fmt.Errorf("failed to resolve pipeline type for history %d: %w", historyID, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_status
		SET is_running = 0, status = ?, last_run = CURRENT_TIMESTAMP
		WHERE pipeline_type = ?`, string(status), pt); err != nil {
		return fmt.Errorf("failed to release pipeline singleton: %w", err)
	}
	return nil
}

// RecordProgress updates the live item counter on a history row. Best-effort:
// failures are logged, never surfaced, so a flaky write cannot kill a run.
func (s *Store) RecordProgress(ctx context.Context, historyID int64, itemsProcessed int) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_history SET items_processed = ? WHERE id = ? AND status = 'running'`,
		itemsProcessed, historyID)
	if err != nil {
		s.log.Warn("failed to record progress", "history_id", historyID, "error", err)
	}
}

// GetStatus returns the status row for a pipeline type. Types that never ran
// report an idle status.
func (s *Store) GetStatus(ctx context.Context, pt types.PipelineType) (*types.PipelineStatus, error) {
	var st types.PipelineStatus
	var lastRun sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT pipeline_type, is_running, status, last_run FROM pipeline_status WHERE pipeline_type = ?`,
		string(pt)).Scan(&st.PipelineType, &st.IsRunning, &st.Status, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.PipelineStatus{PipelineType: pt}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline status: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		st.LastRun = &t
	}
	return &st, nil
}

// ListHistory returns a page of history rows, newest first, optionally
// filtered by pipeline type.
func (s *Store) ListHistory(ctx context.Context, pt types.PipelineType, limit, offset int) ([]*types.PipelineHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, pipeline_type, trigger_kind, status, started_at, completed_at, items_processed, error_message
	          FROM pipeline_history`
	args := []any{}
	if pt != "" {
		query += ` WHERE pipeline_type = ?`
		args = append(args, string(pt))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.PipelineHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHistory returns one history row by id.
func (s *Store) GetHistory(ctx context.Context, id int64) (*types.PipelineHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_type, trigger_kind, status, started_at, completed_at, items_processed, error_message
		 FROM pipeline_history WHERE id = ?`, id)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("history row %d: %w", id, ErrScheduleNotFound)
	}
	return h, err
}

func scanHistory(row interface{ Scan(...any) error }) (*types.PipelineHistory, error) {
	var h types.PipelineHistory
	var completed sql.NullTime
	var pt, trigger, status string
	if err := row.Scan(&h.ID, &pt, &trigger, &status, &h.StartedAt, &completed, &h.ItemsProcessed, &h.ErrorMessage); err != nil {
		return nil, err
	}
	h.PipelineType = types.PipelineType(pt)
	h.Trigger = types.TriggerKind(trigger)
	h.Status = types.RunStatus(status)
	if completed.Valid {
		t := completed.Time
		h.CompletedAt = &t
	}
	return &h, nil
}

// RepairDanglingRuns closes history rows left in running by a crashed
// process and releases their singletons. Runs at startup, before the
// scheduler ticks.
func (s *Store) RepairDanglingRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_history
		SET status = 'failed', completed_at = CURRENT_TIMESTAMP, error_message = 'process terminated'
		WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("failed to repair dangling history rows: %w", err)
	}
	repaired, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_status SET is_running = 0, status = 'failed' WHERE is_running = 1`); err != nil {
		return repaired, fmt.Errorf("failed to clear dangling status rows: %w", err)
	}
	if repaired > 0 {
		s.log.Warn("repaired dangling pipeline runs", "count", repaired)
	}
	return repaired, nil
}

func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeParams(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil
	}
	return params
}

// CreateSchedule inserts a new schedule and returns its id.
func (s *Store) CreateSchedule(ctx context.Context, sched *types.PipelineSchedule) (int64, error) {
	if !sched.PipelineType.IsValid() {
		return 0, fmt.Errorf("invalid pipeline type %q", sched.PipelineType)
	}
	if sched.CronExpr == "" {
		return 0, fmt.Errorf("cron expression is required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_schedules (pipeline_type, cron_expr, timezone, is_active, parameters, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(sched.PipelineType), sched.CronExpr, sched.Timezone, sched.IsActive,
		encodeParams(sched.Parameters), nullableTime(sched.NextRunAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read schedule id: %w", err)
	}
	sched.ID = id
	return id, nil
}

// GetSchedule returns one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id int64) (*types.PipelineSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_type, cron_expr, timezone, is_active, parameters, next_run_at, last_run_at, created_at, updated_at
		 FROM pipeline_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	return sched, err
}

// ListSchedules returns all schedules, optionally only active ones.
func (s *Store) ListSchedules(ctx context.Context, activeOnly bool) ([]*types.PipelineSchedule, error) {
	query := `SELECT id, pipeline_type, cron_expr, timezone, is_active, parameters, next_run_at, last_run_at, created_at, updated_at
	          FROM pipeline_schedules`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.PipelineSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func scanSchedule(row interface{ Scan(...any) error }) (*types.PipelineSchedule, error) {
	var sched types.PipelineSchedule
	var pt, params string
	var next, last sql.NullTime
	if err := row.Scan(&sched.ID, &pt, &sched.CronExpr, &sched.Timezone, &sched.IsActive,
		&params, &next, &last, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	sched.PipelineType = types.PipelineType(pt)
	sched.Parameters = decodeParams(params)
	if next.Valid {
		t := next.Time
		sched.NextRunAt = &t
	}
	if last.Valid {
		t := last.Time
		sched.LastRunAt = &t
	}
	return &sched, nil
}

// UpdateSchedule rewrites the mutable fields of a schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sched *types.PipelineSchedule) error {
	if sched.CronExpr == "" {
		return fmt.Errorf("cron expression is required")
	}
	if !sched.PipelineType.IsValid() {
		return fmt.Errorf("invalid pipeline type %q", sched.PipelineType)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_schedules
		SET pipeline_type = ?, cron_expr = ?, timezone = ?, is_active = ?, parameters = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(sched.PipelineType), sched.CronExpr, sched.Timezone, sched.IsActive, encodeParams(sched.Parameters),
		nullableTime(sched.NextRunAt), sched.ID)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", sched.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// MarkScheduleRun stamps a schedule's last trigger time and its next due
// time. A zero lastRun leaves the existing value alone, which lets the
// scheduler initialize next_run_at without claiming the schedule ever fired.
func (s *Store) MarkScheduleRun(ctx context.Context, id int64, lastRun, nextRun time.Time) error {
	var last any
	if !lastRun.IsZero() {
		last = lastRun.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_schedules
		SET last_run_at = COALESCE(?, last_run_at), next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, last, nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule run %d: %w", id, err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
