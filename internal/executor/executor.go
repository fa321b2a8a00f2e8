// Package executor runs tasks. Each task kind maps to an Executor
// implementation through the Registry; executors consume a (task,
// execution) pair and return a typed, language-neutral Result.
package executor

import (
	"context"
	"fmt"

	"github.com/harrison/claudecron/internal/models"
)

// Result is the typed outcome of one executor run. Status is one of
// the terminal statuses (success, failure, timeout); the engine merges
// all non-zero fields into the execution record.
type Result struct {
	Status          models.ExecutionStatus
	ExitCode        *int
	Error           string
	Output          string
	OutputTruncated bool
	ThinkingOutput  string
	ToolCalls       []models.ToolCall
	SDKUsage        *models.SDKUsage
	CostUSD         *float64
}

// Executor runs one task attempt. Implementations must honor the
// context deadline and return a Result with status timeout when it
// expires.
type Executor interface {
	Execute(ctx context.Context, task *models.Task, exec *models.Execution) (*Result, error)
}

// OutputStream receives streaming output from long-running executors.
// Appends are atomic concatenations; observers polling between appends
// see a prefix, never a torn write. The store satisfies this interface.
type OutputStream interface {
	AppendOutput(ctx context.Context, execID, text string) error
	AppendThinking(ctx context.Context, execID, text string) error
}

// nopStream discards streaming output.
type nopStream struct{}

func (nopStream) AppendOutput(context.Context, string, string) error   { return nil }
func (nopStream) AppendThinking(context.Context, string, string) error { return nil }

// Registry maps task kinds to executor implementations.
type Registry struct {
	executors map[models.TaskType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[models.TaskType]Executor)}
}

// NewDefaultRegistry wires the standard executors: the shell executor
// for shell tasks and the Claude CLI invoker for the five AI-backed
// kinds.
func NewDefaultRegistry(stream OutputStream) *Registry {
	r := NewRegistry()
	r.Register(models.TaskTypeShell, NewShellExecutor(stream))

	claude := NewClaudeExecutor(stream)
	r.Register(models.TaskTypeAIPrompt, claude)
	r.Register(models.TaskTypeSlashCommand, claude)
	r.Register(models.TaskTypeSubagent, claude)
	r.Register(models.TaskTypeToolInvocation, claude)
	r.Register(models.TaskTypeGenericAIQuery, claude)
	return r
}

// Register binds kind to ex, replacing any previous binding.
func (r *Registry) Register(kind models.TaskType, ex Executor) {
	r.executors[kind] = ex
}

// Get returns the executor for kind.
func (r *Registry) Get(kind models.TaskType) (Executor, error) {
	ex, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", kind)
	}
	return ex, nil
}
