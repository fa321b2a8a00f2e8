package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harrison/claudecron/internal/models"
)

//go:embed schema_postgres.sql
var pgSchemaSQL string

// Pool sizing for the remote backend.
const (
	pgMaxConns        = 20
	pgMaxConnIdleTime = 30 * time.Second
	pgConnectTimeout  = 2 * time.Second
)

// PostgresStore is the pooled remote backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at url, sizes the pool, and
// initializes the schema.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = pgMaxConns
	cfg.MaxConnIdleTime = pgMaxConnIdleTime
	cfg.ConnConfig.ConnectTimeout = pgConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgTaskColumns = `id, name, description, enabled, type, config, trigger_spec, options, conditions,
	on_success, on_failure, created_at, updated_at, last_run, next_run,
	run_count, success_count, failure_count`

// CreateTask assigns an id and timestamps, then inserts the task.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
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

func (s *PostgresStore) insertTask(ctx context.Context, t *models.Task) error {
	kind, event := triggerIndexColumns(t)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, name, description, enabled, type, config, trigger_spec,
			trigger_kind, hook_event, options, conditions, on_success, on_failure,
			created_at, updated_at, last_run, next_run, run_count, success_count, failure_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.Name, t.Description, t.Enabled, string(t.Type), t.Config, t.Trigger,
		kind, nullStringValue(event.String, event.Valid),
		t.Options, t.Conditions, jsonOrNil(t.OnSuccess), jsonOrNil(t.OnFailure),
		t.CreatedAt, t.UpdatedAt, t.LastRun, t.NextRun,
		t.RunCount, t.SuccessCount, t.FailureCount)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanPGTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// UpdateTask merges the patch and rewrites the row.
func (s *PostgresStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*models.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	task, err := scanPGTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read task for update: %w", err)
	}

	applyTaskPatch(task, patch, time.Now())
	kind, event := triggerIndexColumns(task)

	_, err = tx.Exec(ctx, `
		UPDATE tasks SET name = $1, description = $2, enabled = $3, type = $4, config = $5,
			trigger_spec = $6, trigger_kind = $7, hook_event = $8, options = $9, conditions = $10,
			on_success = $11, on_failure = $12, updated_at = $13, last_run = $14, next_run = $15,
			run_count = $16, success_count = $17, failure_count = $18
		WHERE id = $19`,
		task.Name, task.Description, task.Enabled, string(task.Type), task.Config,
		task.Trigger, kind, nullStringValue(event.String, event.Valid),
		task.Options, task.Conditions, jsonOrNil(task.OnSuccess), jsonOrNil(task.OnFailure),
		task.UpdatedAt, task.LastRun, task.NextRun,
		task.RunCount, task.SuccessCount, task.FailureCount, id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return task, nil
}

// DeleteTask removes the task; the schema cascades to its executions.
func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "task", ID: id}
	}
	return nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + pgTaskColumns + ` FROM tasks`
	var clauses []string
	var args []interface{}

	if filter.Enabled != nil {
		args = append(args, *filter.Enabled)
		clauses = append(clauses, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.TriggerType != "" {
		args = append(args, string(filter.TriggerType))
		clauses = append(clauses, fmt.Sprintf("trigger_kind = $%d", len(args)))
	}
	if filter.HookEvent != "" {
		args = append(args, string(filter.HookEvent))
		clauses = append(clauses, fmt.Sprintf("hook_event = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanPGTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const pgExecutionColumns = `id, task_id, status, trigger_type, trigger_context, started_at,
	completed_at, duration_ms, exit_code, error, output, output_truncated,
	thinking_output, tool_calls, sdk_usage, cost_usd`

// CreateExecution assigns an id if unset and inserts the record.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.Execution) (*models.Execution, error) {
	stored := *exec
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.StartedAt.IsZero() {
		stored.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, task_id, status, trigger_type, trigger_context,
			started_at, completed_at, duration_ms, exit_code, error, output,
			output_truncated, thinking_output, tool_calls, sdk_usage, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		stored.ID, stored.TaskID, string(stored.Status), stored.TriggerType,
		jsonOrNil(stored.TriggerContext), stored.StartedAt, stored.CompletedAt,
		stored.DurationMs, stored.ExitCode, nullStringValue(stored.Error, stored.Error != ""),
		nullStringValue(stored.Output, stored.Output != ""), stored.OutputTruncated,
		nullStringValue(stored.ThinkingOutput, stored.ThinkingOutput != ""),
		jsonOrNil(stored.ToolCalls), stored.SDKUsage, stored.CostUSD)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return &stored, nil
}

// GetExecution returns the execution with the given id.
func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgExecutionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanPGExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution merges the patch and rewrites the row.
func (s *PostgresStore) UpdateExecution(ctx context.Context, id string, patch ExecutionPatch) (*models.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+pgExecutionColumns+` FROM executions WHERE id = $1 FOR UPDATE`, id)
	exec, err := scanPGExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read execution for update: %w", err)
	}

	applyExecutionPatch(exec, patch)

	_, err = tx.Exec(ctx, `
		UPDATE executions SET status = $1, trigger_context = $2, completed_at = $3,
			duration_ms = $4, exit_code = $5, error = $6, output = $7, output_truncated = $8,
			thinking_output = $9, tool_calls = $10, sdk_usage = $11, cost_usd = $12
		WHERE id = $13`,
		string(exec.Status), jsonOrNil(exec.TriggerContext), exec.CompletedAt,
		exec.DurationMs, exec.ExitCode, nullStringValue(exec.Error, exec.Error != ""),
		nullStringValue(exec.Output, exec.Output != ""), exec.OutputTruncated,
		nullStringValue(exec.ThinkingOutput, exec.ThinkingOutput != ""),
		jsonOrNil(exec.ToolCalls), exec.SDKUsage, exec.CostUSD, id)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions matching the filter, most recently
// started first.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error) {
	query := `SELECT ` + pgExecutionColumns + ` FROM executions`
	var clauses []string
	var args []interface{}

	if filter.TaskID != "" {
		args = append(args, filter.TaskID)
		clauses = append(clauses, fmt.Sprintf("task_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		clauses = append(clauses, fmt.Sprintf("started_at <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanPGExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// GetTaskStats computes run/duration/cost aggregates for one task.
func (s *PostgresStore) GetTaskStats(ctx context.Context, taskID string) (*TaskStats, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	stats := &TaskStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status NOT IN ('running', 'pending') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('failure', 'timeout') THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM executions WHERE task_id = $1`, taskID).Scan(
		&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns,
		&stats.AvgDurationMs, &stats.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

// BumpCounters advances the task counters in one UPDATE so concurrent
// workers finishing the same task never lose increments.
func (s *PostgresStore) BumpCounters(ctx context.Context, taskID string, status models.ExecutionStatus, lastRun *time.Time) error {
	success, failure := counterDeltas(status)
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET run_count = run_count + 1,
			success_count = success_count + $1,
			failure_count = failure_count + $2,
			last_run = COALESCE($3, last_run),
			updated_at = $4
		WHERE id = $5`,
		success, failure, lastRun, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("bump counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "task", ID: taskID}
	}
	return nil
}

// AppendOutput atomically concatenates text onto the output field.
func (s *PostgresStore) AppendOutput(ctx context.Context, execID, text string) error {
	return s.appendField(ctx, "output", execID, text)
}

// AppendThinking atomically concatenates text onto the thinking field.
func (s *PostgresStore) AppendThinking(ctx context.Context, execID, text string) error {
	return s.appendField(ctx, "thinking_output", execID, text)
}

func (s *PostgresStore) appendField(ctx context.Context, column, execID, text string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET `+column+` = COALESCE(`+column+`, '') || $1 WHERE id = $2`,
		text, execID)
	if err != nil {
		return fmt.Errorf("append %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "execution", ID: execID}
	}
	return nil
}

// GetProgress snapshots the streaming fields of an execution.
func (s *PostgresStore) GetProgress(ctx context.Context, execID string) (*Progress, error) {
	var output, thinking *string
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT output, thinking_output, status FROM executions WHERE id = $1`, execID).
		Scan(&output, &thinking, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{Entity: "execution", ID: execID}
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	p := &Progress{Status: models.ExecutionStatus(status)}
	if output != nil {
		p.Output = *output
	}
	if thinking != nil {
		p.Thinking = *thinking
	}
	return p, nil
}

// pgScanner abstracts pgx.Row and pgx.Rows.
type pgScanner interface {
	Scan(dest ...interface{}) error
}

func scanPGTask(row pgScanner) (*models.Task, error) {
	var t models.Task
	var typ string
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Enabled, &typ, &t.Config, &t.Trigger,
		&t.Options, &t.Conditions, &t.OnSuccess, &t.OnFailure,
		&t.CreatedAt, &t.UpdatedAt, &t.LastRun, &t.NextRun,
		&t.RunCount, &t.SuccessCount, &t.FailureCount)
	if err != nil {
		return nil, err
	}
	t.Type = models.TaskType(typ)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.LastRun != nil {
		lr := t.LastRun.UTC()
		t.LastRun = &lr
	}
	if t.NextRun != nil {
		nr := t.NextRun.UTC()
		t.NextRun = &nr
	}
	return &t, nil
}

func scanPGExecution(row pgScanner) (*models.Execution, error) {
	var e models.Execution
	var status string
	var errMsg, output, thinking *string
	err := row.Scan(&e.ID, &e.TaskID, &status, &e.TriggerType, &e.TriggerContext,
		&e.StartedAt, &e.CompletedAt, &e.DurationMs, &e.ExitCode, &errMsg,
		&output, &e.OutputTruncated, &thinking, &e.ToolCalls, &e.SDKUsage, &e.CostUSD)
	if err != nil {
		return nil, err
	}
	e.Status = models.ExecutionStatus(status)
	e.StartedAt = e.StartedAt.UTC()
	if e.CompletedAt != nil {
		ca := e.CompletedAt.UTC()
		e.CompletedAt = &ca
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	if output != nil {
		e.Output = *output
	}
	if thinking != nil {
		e.ThinkingOutput = *thinking
	}
	return &e, nil
}

// nullStringValue returns the string or nil for SQL NULL.
func nullStringValue(s string, valid bool) interface{} {
	if !valid {
		return nil
	}
	return s
}

// jsonOrNil keeps empty slices and maps out of jsonb columns so NULLs
// round-trip as Go nils.
func jsonOrNil(v interface{}) interface{} {
	switch t := v.(type) {
	case []models.ResultHandler:
		if len(t) == 0 {
			return nil
		}
	case []models.ToolCall:
		if len(t) == 0 {
			return nil
		}
	case map[string]interface{}:
		if len(t) == 0 {
			return nil
		}
	}
	return v
}
