package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/plturrell/procflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	input, err := marshalMapOrDefault(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMapOrDefault(run.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan_id, plan, state, input, output, current_step, error, created_at, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.PlanID), string(plan), string(run.State),
		string(input), string(output), nullStr(run.CurrentStep), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.EndedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, plan, state, input, output, current_step, error, created_at, started_at, ended_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func scanRun(scan func(...any) error) (*Run, error) {
	run := &Run{}
	var (
		planID, currentStep    sql.NullString
		planJSON               string
		inputJSON, outputJSON  sql.NullString
		errorJSON              sql.NullString
		startedAt, endedAt     sql.NullTime
		state                  string
	)
	err := scan(&run.ID, &planID, &planJSON, &state, &inputJSON, &outputJSON,
		&currentStep, &errorJSON, &run.CreatedAt, &startedAt, &endedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.PlanID = planID.String
	run.CurrentStep = currentStep.String
	run.State = schema.RunState(state)
	if err := json.Unmarshal([]byte(planJSON), &run.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &run.Input)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		_ = json.Unmarshal([]byte(outputJSON.String), &run.Output)
	}
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.Output != nil {
		out, err := json.Marshal(update.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, string(out))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, plan_id, plan, state, input, output, current_step, error, created_at, started_at, ended_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step executions ---

func (s *LibSQLStore) AppendStepExecution(ctx context.Context, se *StepExecution) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (run_id, step_id, type, status, path, result, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.RunID, se.StepID, string(se.Type), string(se.Status), nullStr(se.Path),
		nullRaw(se.Result), nullRaw(se.Error), timeOrNow(se.StartedAt), nullTime(se.EndedAt),
	)
	if err != nil {
		return err
	}
	se.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) FinishStepExecution(ctx context.Context, id int64, status schema.StepExecutionStatus, result, errJSON []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, result = ?, error = ?, ended_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND ended_at IS NULL`,
		string(status), nullRaw(result), nullRaw(errJSON), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", fmt.Sprintf("%d", id))
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, runID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, type, status, path, result, error, started_at, ended_at
		 FROM step_executions WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*StepExecution
	for rows.Next() {
		se := &StepExecution{}
		var stepType, status string
		var path, result, errJSON sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&se.ID, &se.RunID, &se.StepID, &stepType, &status, &path,
			&result, &errJSON, &se.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		se.Type = schema.StepType(stepType)
		se.Status = schema.StepExecutionStatus(status)
		se.Path = path.String
		se.Result = rawOrNil(result)
		se.Error = rawOrNil(errJSON)
		if endedAt.Valid {
			se.EndedAt = &endedAt.Time
		}
		executions = append(executions, se)
	}
	return executions, rows.Err()
}

// --- Run log ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_logs WHERE run_id = ?`, entry.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, sequence, message, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, seq, entry.Message, nullRaw(entry.Data), timeOrNow(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetLogs(ctx context.Context, runID string, since int64) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, message, data, timestamp
		 FROM run_logs WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var data sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Message, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Data = rawOrNil(data)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- User tasks ---

func (s *LibSQLStore) CreateUserTask(ctx context.Context, task *UserTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_tasks (id, run_id, step_id, title, assignee, payload, status, result, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, task.StepID, nullStr(task.Title), nullStr(task.Assignee),
		nullRaw(task.Payload), task.Status, nullRaw(task.Result), nullStr(task.Reason),
		timeOrNow(task.CreatedAt), timeOrNow(task.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetUserTask(ctx context.Context, id string) (*UserTask, error) {
	t := &UserTask{}
	var title, assignee, reason sql.NullString
	var payload, result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, title, assignee, payload, status, result, reason, created_at, updated_at
		 FROM user_tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.RunID, &t.StepID, &title, &assignee, &payload, &t.Status, &result, &reason, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user_task", id)
	}
	if err != nil {
		return nil, err
	}
	t.Title = title.String
	t.Assignee = assignee.String
	t.Reason = reason.String
	t.Payload = rawOrNil(payload)
	t.Result = rawOrNil(result)
	return t, nil
}

func (s *LibSQLStore) UpdateUserTask(ctx context.Context, id string, status string, result []byte, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_tasks SET status = ?, result = ?, reason = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		status, nullRaw(result), nullStr(reason), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user_task", id)
}

func (s *LibSQLStore) ListUserTasks(ctx context.Context, filter UserTaskFilter) ([]*UserTask, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT id, run_id, step_id, title, assignee, payload, status, result, reason, created_at, updated_at FROM user_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*UserTask
	for rows.Next() {
		t := &UserTask{}
		var title, assignee, reason sql.NullString
		var payload, result sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.StepID, &title, &assignee, &payload,
			&t.Status, &result, &reason, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Title = title.String
		t.Assignee = assignee.String
		t.Reason = reason.String
		t.Payload = rawOrNil(payload)
		t.Result = rawOrNil(result)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	plan, err := json.Marshal(sr.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, plan, cron_expression, input, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, string(plan), sr.Cron, nullRaw(sr.Input), boolToInt(sr.Enabled),
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), timeOrNow(sr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan, cron_expression, input, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	)
	sr, err := scanScheduledRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_run", id)
	}
	return sr, err
}

func scanScheduledRun(scan func(...any) error) (*ScheduledRun, error) {
	sr := &ScheduledRun{}
	var planJSON string
	var input sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := scan(&sr.ID, &planJSON, &sr.Cron, &input, &enabled, &lastRun, &nextRun, &sr.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(planJSON), &sr.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	sr.Input = rawOrNil(input)
	sr.Enabled = enabled != 0
	if lastRun.Valid {
		sr.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sr.NextRunAt = &nextRun.Time
	}
	return sr, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, plan, cron_expression, input, enabled, last_run_at, next_run_at, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheduled []*ScheduledRun
	for rows.Next() {
		sr, err := scanScheduledRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		scheduled = append(scheduled, sr)
	}
	return scheduled, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- Helpers ---

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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
