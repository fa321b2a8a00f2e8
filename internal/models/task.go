// Package models defines the durable data model shared by the store,
// the scheduler engine, and the executors: tasks, their triggers and
// policies, and the execution records produced by each run.
package models

import (
	"fmt"
	"time"
)

// TaskType discriminates the executor used for a task.
type TaskType string

const (
	TaskTypeShell          TaskType = "shell"
	TaskTypeAIPrompt       TaskType = "ai_prompt"
	TaskTypeSlashCommand   TaskType = "slash_command"
	TaskTypeSubagent       TaskType = "subagent"
	TaskTypeToolInvocation TaskType = "tool_invocation"
	TaskTypeGenericAIQuery TaskType = "generic_ai_query"
)

// ValidTaskTypes lists every recognized task type.
var ValidTaskTypes = []TaskType{
	TaskTypeShell,
	TaskTypeAIPrompt,
	TaskTypeSlashCommand,
	TaskTypeSubagent,
	TaskTypeToolInvocation,
	TaskTypeGenericAIQuery,
}

// IsValid reports whether t is one of the recognized task types.
func (t TaskType) IsValid() bool {
	for _, v := range ValidTaskTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Task is the durable declarative unit: what to run, when to run it,
// and what to do with the result.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	Type   TaskType   `json:"type"`
	Config TaskConfig `json:"config"`

	Trigger    Trigger           `json:"trigger"`
	Options    *ExecutionOptions `json:"options,omitempty"`
	Conditions *Conditions       `json:"conditions,omitempty"`

	OnSuccess []ResultHandler `json:"on_success,omitempty"`
	OnFailure []ResultHandler `json:"on_failure,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`

	RunCount     int `json:"run_count"`
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`
}

// TaskConfig holds the kind-specific configuration block. The field set
// is closed; which fields are meaningful depends on Task.Type.
type TaskConfig struct {
	// shell
	Command    string            `json:"command,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	// ai_prompt / generic_ai_query
	Prompt         string   `json:"prompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	InheritContext bool     `json:"inherit_context,omitempty"`

	// slash_command
	SlashCommand string `json:"slash_command,omitempty"`
	Args         string `json:"args,omitempty"`

	// subagent
	AgentName string `json:"agent_name,omitempty"`

	// tool_invocation
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`

	// Timeout overrides the executor default, format ^\d+[smhd]$.
	Timeout string `json:"timeout,omitempty"`
}

// ExecutionOptions are the closed execution-time options recognized for
// any task kind.
type ExecutionOptions struct {
	PermissionMode string       `json:"permission_mode,omitempty"`
	AllowedTools   []string     `json:"allowed_tools,omitempty"`
	AddDirs        []string     `json:"add_dirs,omitempty"`
	ContextSources []string     `json:"context_sources,omitempty"`
	Timeout        string       `json:"timeout,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy decides whether and how a failed execution is re-attempted.
type RetryPolicy struct {
	MaxAttempts  int    `json:"max_attempts"`
	Backoff      string `json:"backoff,omitempty"`       // "linear" | "exponential"
	InitialDelay string `json:"initial_delay,omitempty"` // duration string
	MaxDelay     string `json:"max_delay,omitempty"`     // duration string
	RetryOn      string `json:"retry_on,omitempty"`      // "all" | "error" | "timeout"
}

const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"

	RetryOnAll     = "all"
	RetryOnError   = "error"
	RetryOnTimeout = "timeout"
)

// RetryPolicy returns the task's effective retry policy, or nil.
func (t *Task) RetryPolicy() *RetryPolicy {
	if t.Options == nil {
		return nil
	}
	return t.Options.Retry
}

// EffectiveTimeout resolves the per-execution deadline: the task config
// timeout wins, then the options timeout, then def.
func (t *Task) EffectiveTimeout(def time.Duration) time.Duration {
	if t.Config.Timeout != "" {
		if d, err := ParseDuration(t.Config.Timeout); err == nil {
			return d
		}
	}
	if t.Options != nil && t.Options.Timeout != "" {
		if d, err := ParseDuration(t.Options.Timeout); err == nil {
			return d
		}
	}
	return def
}

// Validate checks the structural invariants of the task: required
// fields, a recognized type, and a well-formed trigger. Cron grammar and
// dependency resolution are checked by the scheduler, which owns the
// cron parser and the task catalog.
func (t *Task) Validate() error {
	if t.Name == "" {
		return NewValidationError("name", "task name is required")
	}
	if !t.Type.IsValid() {
		return NewValidationError("type", fmt.Sprintf("unknown task type %q", t.Type))
	}
	switch t.Type {
	case TaskTypeShell:
		if t.Config.Command == "" {
			return NewValidationError("config.command", "shell task requires a command")
		}
	case TaskTypeAIPrompt, TaskTypeGenericAIQuery:
		if t.Config.Prompt == "" {
			return NewValidationError("config.prompt", "AI task requires a prompt")
		}
	case TaskTypeSlashCommand:
		if t.Config.SlashCommand == "" {
			return NewValidationError("config.slash_command", "slash command task requires a command")
		}
	case TaskTypeSubagent:
		if t.Config.AgentName == "" {
			return NewValidationError("config.agent_name", "subagent task requires an agent name")
		}
	case TaskTypeToolInvocation:
		if t.Config.ToolName == "" {
			return NewValidationError("config.tool_name", "tool invocation task requires a tool name")
		}
	}
	if err := t.Trigger.Validate(); err != nil {
		return err
	}
	if t.Conditions != nil {
		if err := t.Conditions.Validate(); err != nil {
			return err
		}
	}
	if t.Config.Timeout != "" {
		if _, err := ParseDuration(t.Config.Timeout); err != nil {
			return NewValidationError("config.timeout", err.Error())
		}
	}
	if t.Options != nil {
		if t.Options.Timeout != "" {
			if _, err := ParseDuration(t.Options.Timeout); err != nil {
				return NewValidationError("options.timeout", err.Error())
			}
		}
		if t.Options.Retry != nil {
			if err := t.Options.Retry.Validate(); err != nil {
				return err
			}
		}
	}
	for i, h := range t.OnSuccess {
		if err := h.Validate(); err != nil {
			return NewValidationError(fmt.Sprintf("on_success[%d]", i), err.Error())
		}
	}
	for i, h := range t.OnFailure {
		if err := h.Validate(); err != nil {
			return NewValidationError(fmt.Sprintf("on_failure[%d]", i), err.Error())
		}
	}
	return nil
}

// Validate checks the retry policy fields.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return NewValidationError("retry.max_attempts", "max_attempts must be non-negative")
	}
	switch p.Backoff {
	case "", BackoffLinear, BackoffExponential:
	default:
		return NewValidationError("retry.backoff", fmt.Sprintf("unknown backoff strategy %q", p.Backoff))
	}
	switch p.RetryOn {
	case "", RetryOnAll, RetryOnError, RetryOnTimeout:
	default:
		return NewValidationError("retry.retry_on", fmt.Sprintf("unknown retry_on value %q", p.RetryOn))
	}
	if p.InitialDelay != "" {
		if _, err := ParseDelay(p.InitialDelay); err != nil {
			return NewValidationError("retry.initial_delay", err.Error())
		}
	}
	if p.MaxDelay != "" {
		if _, err := ParseDelay(p.MaxDelay); err != nil {
			return NewValidationError("retry.max_delay", err.Error())
		}
	}
	return nil
}
