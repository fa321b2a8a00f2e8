package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/claudecron/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the single-writer local backend. The connection pool
// is capped at one connection, so the WAL journal and pragmas apply to
// every statement and writes serialize naturally.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if necessary) the database at dbPath
// and initializes the schema. ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One catalog owner, one writer. A single pooled connection also
	// keeps :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	// busy_timeout must be set first so later statements wait on locks
	// held by other processes reading the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a SQL statement with backoff retry on lock
// errors that can occur during concurrent initialization of the same
// database file.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `id, name, description, enabled, type, config, trigger_spec, options, conditions,
	on_success, on_failure, created_at, updated_at, last_run, next_run,
	run_count, success_count, failure_count`

// CreateTask assigns an id and timestamps, then inserts the task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	stored := *task
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.RunCount = 0
	stored.SuccessCount = 0
	stored.FailureCount = 0

	if err := s.insertTask(ctx, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *SQLiteStore) insertTask(ctx context.Context, t *models.Task) error {
	config, err := marshalJSON(t.Config)
	if err != nil {
		return err
	}
	trigger, err := marshalJSON(t.Trigger)
	if err != nil {
		return err
	}
	options, err := marshalJSON(t.Options)
	if err != nil {
		return err
	}
	conditions, err := marshalJSON(t.Conditions)
	if err != nil {
		return err
	}
	onSuccess, err := marshalJSON(t.OnSuccess)
	if err != nil {
		return err
	}
	onFailure, err := marshalJSON(t.OnFailure)
	if err != nil {
		return err
	}
	kind, event := triggerIndexColumns(t)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, enabled, type, config, trigger_spec,
			trigger_kind, hook_event, options, conditions, on_success, on_failure,
			created_at, updated_at, last_run, next_run, run_count, success_count, failure_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, boolToInt(t.Enabled), string(t.Type),
		config.String, trigger.String, kind, event,
		options, conditions, onSuccess, onFailure,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.LastRun), formatTimePtr(t.NextRun),
		t.RunCount, t.SuccessCount, t.FailureCount)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask merges the patch and rewrites the row.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read task for update: %w", err)
	}

	applyTaskPatch(task, patch, time.Now())

	config, err := marshalJSON(task.Config)
	if err != nil {
		return nil, err
	}
	trigger, err := marshalJSON(task.Trigger)
	if err != nil {
		return nil, err
	}
	options, err := marshalJSON(task.Options)
	if err != nil {
		return nil, err
	}
	conditions, err := marshalJSON(task.Conditions)
	if err != nil {
		return nil, err
	}
	onSuccess, err := marshalJSON(task.OnSuccess)
	if err != nil {
		return nil, err
	}
	onFailure, err := marshalJSON(task.OnFailure)
	if err != nil {
		return nil, err
	}
	kind, event := triggerIndexColumns(task)

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET name = ?, description = ?, enabled = ?, type = ?, config = ?,
			trigger_spec = ?, trigger_kind = ?, hook_event = ?, options = ?, conditions = ?,
			on_success = ?, on_failure = ?, updated_at = ?, last_run = ?, next_run = ?,
			run_count = ?, success_count = ?, failure_count = ?
		WHERE id = ?`,
		task.Name, task.Description, boolToInt(task.Enabled), string(task.Type),
		config.String, trigger.String, kind, event, options, conditions,
		onSuccess, onFailure, formatTime(task.UpdatedAt),
		formatTimePtr(task.LastRun), formatTimePtr(task.NextRun),
		task.RunCount, task.SuccessCount, task.FailureCount, id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return task, nil
}

// DeleteTask removes the task; the schema cascades to its executions.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var clauses []string
	var args []interface{}

	if filter.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.TriggerType != "" {
		clauses = append(clauses, "trigger_kind = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.HookEvent != "" {
		clauses = append(clauses, "hook_event = ?")
		args = append(args, string(filter.HookEvent))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const executionColumns = `id, task_id, status, trigger_type, trigger_context, started_at,
	completed_at, duration_ms, exit_code, error, output, output_truncated,
	thinking_output, tool_calls, sdk_usage, cost_usd`

// CreateExecution assigns an id if unset and inserts the record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *models.Execution) (*models.Execution, error) {
	stored := *exec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now().UTC()
	}

	trigCtx, err := marshalJSON(stored.TriggerContext)
	if err != nil {
		return nil, err
	}
	toolCalls, err := marshalJSON(stored.ToolCalls)
	if err != nil {
		return nil, err
	}
	usage, err := marshalJSON(stored.SDKUsage)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, status, trigger_type, trigger_context,
			started_at, completed_at, duration_ms, exit_code, error, output,
			output_truncated, thinking_output, tool_calls, sdk_usage, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.TaskID, string(stored.Status), stored.TriggerType, trigCtx,
		formatTime(stored.StartedAt), formatTimePtr(stored.CompletedAt),
		nullableInt64(stored.DurationMs), nullableInt(stored.ExitCode),
		nullString(stored.Error), nullString(stored.Output),
		boolToInt(stored.OutputTruncated), nullString(stored.ThinkingOutput),
		toolCalls, usage, nullableFloat(stored.CostUSD))
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return &stored, nil
}

// GetExecution returns the execution with the given id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution merges the patch and rewrites the row.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, id string, patch ExecutionPatch) (*models.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read execution for update: %w", err)
	}

	applyExecutionPatch(exec, patch)

	trigCtx, err := marshalJSON(exec.TriggerContext)
	if err != nil {
		return nil, err
	}
	toolCalls, err := marshalJSON(exec.ToolCalls)
	if err != nil {
		return nil, err
	}
	usage, err := marshalJSON(exec.SDKUsage)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, trigger_context = ?, completed_at = ?,
			duration_ms = ?, exit_code = ?, error = ?, output = ?, output_truncated = ?,
			thinking_output = ?, tool_calls = ?, sdk_usage = ?, cost_usd = ?
		WHERE id = ?`,
		string(exec.Status), trigCtx, formatTimePtr(exec.CompletedAt),
		nullableInt64(exec.DurationMs), nullableInt(exec.ExitCode),
		nullString(exec.Error), nullString(exec.Output),
		boolToInt(exec.OutputTruncated), nullString(exec.ThinkingOutput),
		toolCalls, usage, nullableFloat(exec.CostUSD), id)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions matching the filter, most recently
// started first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var clauses []string
	var args []interface{}

	if filter.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// GetTaskStats computes run/duration/cost aggregates for one task.
func (s *SQLiteStore) GetTaskStats(ctx context.Context, taskID string) (*TaskStats, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	stats := &TaskStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status NOT IN ('running', 'pending') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failure', 'timeout') THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM executions WHERE task_id = ?`, taskID).Scan(
		&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns,
		&stats.AvgDurationMs, &stats.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

// BumpCounters advances the task counters in one UPDATE so concurrent
// workers finishing the same task never lose increments.
func (s *SQLiteStore) BumpCounters(ctx context.Context, taskID string, status models.ExecutionStatus, lastRun *time.Time) error {
	success, failure := counterDeltas(status)
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET run_count = run_count + 1,
			success_count = success_count + ?,
			failure_count = failure_count + ?,
			last_run = COALESCE(?, last_run),
			updated_at = ?
		WHERE id = ?`,
		success, failure, formatTimePtr(lastRun), formatTime(time.Now().UTC()), taskID)
	if err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	return nil
}

// AppendOutput atomically concatenates text onto the output field.
func (s *SQLiteStore) AppendOutput(ctx context.Context, execID, text string) error {
	return s.appendField(ctx, "output", execID, text)
}

// AppendThinking atomically concatenates text onto the thinking field.
func (s *SQLiteStore) AppendThinking(ctx context.Context, execID, text string) error {
	return s.appendField(ctx, "thinking_output", execID, text)
}

func (s *SQLiteStore) appendField(ctx context.Context, column, execID, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET `+column+` = COALESCE(`+column+`, '') || ? WHERE id = ?`,
		text, execID)
	if err != nil {
		return fmt.Errorf("append %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append %s: %w", column, err)
	}
	if n == 0 {
		return &NotFoundError{Entity: "execution", ID: execID}
	}
	return nil
}

// GetProgress snapshots the streaming fields of an execution.
func (s *SQLiteStore) GetProgress(ctx context.Context, execID string) (*Progress, error) {
	var output, thinking sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT output, thinking_output, status FROM executions WHERE id = ?`, execID).
		Scan(&output, &thinking, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: execID}
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &Progress{
		Output:   output.String,
		Thinking: thinking.String,
		Status:   models.ExecutionStatus(status),
	}, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var enabled int
	var typ, configS, triggerS, createdAt, updatedAt string
	var options, conditions, onSuccess, onFailure, lastRun, nextRun sql.NullString

	err := row.Scan(&t.ID, &t.Name, &t.Description, &enabled, &typ, &configS, &triggerS,
		&options, &conditions, &onSuccess, &onFailure, &createdAt, &updatedAt,
		&lastRun, &nextRun, &t.RunCount, &t.SuccessCount, &t.FailureCount)
	if err != nil {
		return nil, err
	}

	t.Enabled = enabled != 0
	t.Type = models.TaskType(typ)
	if err := unmarshalJSON(sql.NullString{String: configS, Valid: true}, &t.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(sql.NullString{String: triggerS, Valid: true}, &t.Trigger); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(options, &t.Options); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(conditions, &t.Conditions); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(onSuccess, &t.OnSuccess); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(onFailure, &t.OnFailure); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.LastRun, err = parseTimePtr(lastRun); err != nil {
		return nil, err
	}
	if t.NextRun, err = parseTimePtr(nextRun); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var e models.Execution
	var status, startedAt string
	var trigCtx, completedAt, errMsg, output, thinking, toolCalls, usage sql.NullString
	var durationMs sql.NullInt64
	var exitCode sql.NullInt64
	var truncated int
	var cost sql.NullFloat64

	err := row.Scan(&e.ID, &e.TaskID, &status, &e.TriggerType, &trigCtx, &startedAt,
		&completedAt, &durationMs, &exitCode, &errMsg, &output, &truncated,
		&thinking, &toolCalls, &usage, &cost)
	if err != nil {
		return nil, err
	}

	e.Status = models.ExecutionStatus(status)
	if err := unmarshalJSON(trigCtx, &e.TriggerContext); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if durationMs.Valid {
		e.DurationMs = &durationMs.Int64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	e.Error = errMsg.String
	e.Output = output.String
	e.OutputTruncated = truncated != 0
	e.ThinkingOutput = thinking.String
	if err := unmarshalJSON(toolCalls, &e.ToolCalls); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(usage, &e.SDKUsage); err != nil {
		return nil, err
	}
	if cost.Valid {
		e.CostUSD = &cost.Float64
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
