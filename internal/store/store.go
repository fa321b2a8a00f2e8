// Package store persists tasks and executions. Two backends implement
// the Store interface: a single-writer SQLite database (WAL mode) for
// local use and a pooled PostgreSQL database for remote use. Rich
// fields (trigger, config, options, conditions, handler lists, tool
// calls, usage, trigger context) are stored as JSON blobs and
// round-tripped verbatim.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/claudecron/internal/models"
)

// ErrNotFound is returned when a task or execution lookup matches no
// row. Callers distinguish it from transport failures with errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError wraps ErrNotFound with the entity and id that missed.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Entity, e.ID)
}

// Unwrap makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	Enabled     *bool
	Type        models.TaskType
	TriggerType models.TriggerType
	HookEvent   models.HookEvent
}

// ExecutionFilter narrows ListExecutions. Zero values mean "no
// constraint". Limit 0 means no limit.
type ExecutionFilter struct {
	TaskID string
	Status models.ExecutionStatus
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Name        *string
	Description *string
	Enabled     *bool
	Type        *models.TaskType
	Config      *models.TaskConfig
	Trigger     *models.Trigger
	Options     *models.ExecutionOptions
	Conditions  *models.Conditions
	OnSuccess   []models.ResultHandler
	OnFailure   []models.ResultHandler

	LastRun      *time.Time
	NextRun      *time.Time
	ClearNextRun bool

	RunCount     *int
	SuccessCount *int
	FailureCount *int
}

// ExecutionPatch is a partial execution update. Nil fields are left
// unchanged.
type ExecutionPatch struct {
	Status          *models.ExecutionStatus
	TriggerContext  map[string]interface{}
	CompletedAt     *time.Time
	DurationMs      *int64
	ExitCode        *int
	Error           *string
	Output          *string
	OutputTruncated *bool
	ThinkingOutput  *string
	ToolCalls       []models.ToolCall
	SDKUsage        *models.SDKUsage
	CostUSD         *float64
}

// TaskStats aggregates the execution history of one task.
type TaskStats struct {
	TotalRuns      int     `json:"total_runs"`
	SuccessfulRuns int     `json:"successful_runs"`
	FailedRuns     int     `json:"failed_runs"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}

// Progress is a point-in-time snapshot of an in-flight execution's
// streaming fields, for polling observers.
type Progress struct {
	Output   string                 `json:"output"`
	Thinking string                 `json:"thinking"`
	Status   models.ExecutionStatus `json:"status"`
}

// Store is the durable mapping of tasks and the append-mostly log of
// executions. Implementations are safe for concurrent use.
type Store interface {
	// CreateTask assigns an id and created_at/updated_at, then persists
	// the task. The returned task is the stored copy.
	CreateTask(ctx context.Context, task *models.Task) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// UpdateTask merges the patch, preserves the id, and bumps
	// updated_at.
	UpdateTask(ctx context.Context, id string, patch TaskPatch) (*models.Task, error)
	// DeleteTask removes the task and cascades to its executions.
	DeleteTask(ctx context.Context, id string) error
	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)

	// CreateExecution assigns an id if unset and persists the record.
	CreateExecution(ctx context.Context, exec *models.Execution) (*models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	UpdateExecution(ctx context.Context, id string, patch ExecutionPatch) (*models.Execution, error)
	// ListExecutions returns executions matching the filter, most
	// recently started first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)

	// GetTaskStats computes run/duration/cost aggregates by query.
	GetTaskStats(ctx context.Context, taskID string) (*TaskStats, error)

	// BumpCounters increments run_count plus the outcome counter for
	// status in a single statement, so concurrent terminal executions
	// never lose increments. A non-nil lastRun also moves last_run.
	BumpCounters(ctx context.Context, taskID string, status models.ExecutionStatus, lastRun *time.Time) error

	// AppendOutput atomically concatenates text onto the execution's
	// output field. Observers between appends see a prefix, never a
	// torn write.
	AppendOutput(ctx context.Context, execID, text string) error
	// AppendThinking atomically concatenates text onto the execution's
	// thinking_output field.
	AppendThinking(ctx context.Context, execID, text string) error
	// GetProgress snapshots the streaming fields of an execution.
	GetProgress(ctx context.Context, execID string) (*Progress, error)

	Close() error
}
