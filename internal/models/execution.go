package models

import "time"

// ExecutionStatus is the lifecycle state of a single execution record.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailure   ExecutionStatus = "failure"
	StatusTimeout   ExecutionStatus = "timeout"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusSkipped   ExecutionStatus = "skipped"
)

// IsTerminal reports whether the status seals the execution record.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// Trigger-origin tags recorded on executions. Free-form strings rather
// than an enum: hook origins carry the event name ("hook:PostToolUse").
const (
	OriginScheduled  = "scheduled"
	OriginInterval   = "interval"
	OriginManual     = "manual"
	OriginFileWatch  = "file_watch"
	OriginDependency = "dependency"
	OriginTriggered  = "triggered"
	OriginRetry      = "retry"
	OriginInternal   = "internal"
)

// HookOrigin builds the trigger-origin tag for a hook event.
func HookOrigin(event HookEvent) string {
	return "hook:" + string(event)
}

// Execution records one attempt at running a task. Created at dispatch
// (or by the skip path), mutated only by the engine and the streaming
// append path, immutable once terminal.
type Execution struct {
	ID     string          `json:"id"`
	TaskID string          `json:"task_id"`
	Status ExecutionStatus `json:"status"`

	TriggerType    string                 `json:"trigger_type"`
	TriggerContext map[string]interface{} `json:"trigger_context,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`

	ExitCode        *int       `json:"exit_code,omitempty"`
	Error           string     `json:"error,omitempty"`
	Output          string     `json:"output,omitempty"`
	OutputTruncated bool       `json:"output_truncated,omitempty"`
	ThinkingOutput  string     `json:"thinking_output,omitempty"`
	ToolCalls       []ToolCall `json:"tool_calls,omitempty"`
	SDKUsage        *SDKUsage  `json:"sdk_usage,omitempty"`
	CostUSD         *float64   `json:"cost_usd,omitempty"`
}

// ToolCall records one tool invocation made by an AI executor.
type ToolCall struct {
	ToolName   string                 `json:"tool_name"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Result     string                 `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs int64                  `json:"duration_ms"`
	Success    bool                   `json:"success"`
}

// SDKUsage carries token accounting reported by the AI transport.
type SDKUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// RetryMetadata is threaded through trigger_context of retry-origin
// executions under the "retry_metadata" key.
type RetryMetadata struct {
	RetryCount       int            `json:"retry_count"`
	MaxAttempts      int            `json:"max_attempts"`
	Backoff          string         `json:"backoff"`
	InitialDelay     string         `json:"initial_delay,omitempty"`
	MaxDelay         string         `json:"max_delay,omitempty"`
	RetryOn          string         `json:"retry_on,omitempty"`
	PreviousAttempts []RetryAttempt `json:"previous_attempts,omitempty"`
}

// RetryAttempt summarizes one prior attempt in the retry chain.
type RetryAttempt struct {
	ExecutionID string          `json:"execution_id"`
	StartedAt   time.Time       `json:"started_at"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	DelayMs     int64           `json:"delay_ms"`
}
