package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harrison/claudecron/internal/mcp"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/template"
)

// DefaultClaudeTimeout applies to AI-backed kinds when the task sets no
// timeout of its own.
const DefaultClaudeTimeout = 300 * time.Second

// ClaudeExecutor invokes the Claude CLI for the AI-backed task kinds:
// ai_prompt, slash_command, subagent, tool_invocation, and
// generic_ai_query. The CLI is a subprocess; the LLM transport behind
// it is opaque to the scheduler.
type ClaudeExecutor struct {
	// ClaudePath is the CLI binary, found in PATH by default.
	ClaudePath string

	stream OutputStream
}

// NewClaudeExecutor creates a ClaudeExecutor streaming output to
// stream. A nil stream disables streaming.
func NewClaudeExecutor(stream OutputStream) *ClaudeExecutor {
	if stream == nil {
		stream = nopStream{}
	}
	return &ClaudeExecutor{ClaudePath: "claude", stream: stream}
}

// Execute runs the CLI with kind-appropriate arguments and parses the
// JSON result envelope for output, cost, and token usage.
func (ce *ClaudeExecutor) Execute(ctx context.Context, task *models.Task, execRec *models.Execution) (*Result, error) {
	timeout := task.EffectiveTimeout(DefaultClaudeTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args, err := buildClaudeArgs(task, execRec)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, ce.ClaudePath, args...)
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return &Result{
			Status: models.StatusTimeout,
			Error:  fmt.Sprintf("claude invocation timed out after %s", timeout),
			Output: stdout.String(),
		}, nil
	}

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		result := &Result{
			Status: models.StatusFailure,
			Error:  msg,
			Output: stdout.String(),
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			result.ExitCode = &code
		}
		return result, nil
	}

	result := parseClaudeResult(stdout.Bytes())
	if result.Output != "" && execRec != nil {
		_ = ce.stream.AppendOutput(ctx, execRec.ID, result.Output)
	}
	return result, nil
}

// claudeResult is the CLI's --output-format json envelope.
type claudeResult struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// parseClaudeResult unpacks the JSON envelope, falling back to the raw
// bytes when the CLI printed something else.
func parseClaudeResult(raw []byte) *Result {
	var cr claudeResult
	if err := json.Unmarshal(raw, &cr); err != nil || cr.Type != "result" {
		return &Result{Status: models.StatusSuccess, Output: string(raw)}
	}

	result := &Result{
		Output: cr.Result,
		SDKUsage: &models.SDKUsage{
			InputTokens:         cr.Usage.InputTokens,
			OutputTokens:        cr.Usage.OutputTokens,
			CacheCreationTokens: cr.Usage.CacheCreationInputTokens,
			CacheReadTokens:     cr.Usage.CacheReadInputTokens,
		},
	}
	if cr.TotalCostUSD > 0 {
		cost := cr.TotalCostUSD
		result.CostUSD = &cost
	}
	if cr.IsError {
		result.Status = models.StatusFailure
		result.Error = cr.Result
	} else {
		result.Status = models.StatusSuccess
	}
	return result
}

// buildClaudeArgs assembles the CLI invocation for the task kind. The
// prompt text passes through the template expander first.
func buildClaudeArgs(task *models.Task, execRec *models.Execution) ([]string, error) {
	prompt, err := claudePrompt(task)
	if err != nil {
		return nil, err
	}
	prompt = template.Expand(prompt, task, execRec)

	args := []string{"-p", prompt, "--output-format", "json"}

	if task.Config.Model != "" {
		args = append(args, "--model", task.Config.Model)
	}

	tools := task.Config.AllowedTools
	if len(tools) == 0 && task.Options != nil {
		tools = task.Options.AllowedTools
	}
	if task.Type == models.TaskTypeToolInvocation && len(tools) == 0 {
		tools = []string{task.Config.ToolName}
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}

	if task.Options != nil {
		if task.Options.PermissionMode != "" {
			args = append(args, "--permission-mode", task.Options.PermissionMode)
		}
		for _, dir := range task.Options.AddDirs {
			args = append(args, "--add-dir", dir)
		}
	}

	if task.Type == models.TaskTypeSubagent {
		agentJSON, err := subagentDefinition(task)
		if err != nil {
			return nil, err
		}
		args = append(args, "--agents", agentJSON)
	}

	if path := mcp.ConfigPath(); path != "" {
		args = append(args, "--mcp-config", path)
	}

	return args, nil
}

// claudePrompt derives the prompt text for each AI-backed kind.
func claudePrompt(task *models.Task) (string, error) {
	switch task.Type {
	case models.TaskTypeAIPrompt, models.TaskTypeGenericAIQuery:
		return task.Config.Prompt, nil
	case models.TaskTypeSlashCommand:
		cmd := task.Config.SlashCommand
		if !strings.HasPrefix(cmd, "/") {
			cmd = "/" + cmd
		}
		if task.Config.Args != "" {
			cmd += " " + task.Config.Args
		}
		return cmd, nil
	case models.TaskTypeSubagent:
		prompt := task.Config.Prompt
		if prompt == "" {
			prompt = fmt.Sprintf("Use the %s agent to complete its standing task.", task.Config.AgentName)
		}
		return prompt, nil
	case models.TaskTypeToolInvocation:
		input, err := json.Marshal(task.Config.ToolInput)
		if err != nil {
			return "", fmt.Errorf("marshal tool input: %w", err)
		}
		return fmt.Sprintf("Invoke the %s tool with this exact input and report its result: %s",
			task.Config.ToolName, input), nil
	default:
		return "", fmt.Errorf("task type %q is not claude-backed", task.Type)
	}
}

// subagentDefinition serializes the --agents payload for subagent
// tasks.
func subagentDefinition(task *models.Task) (string, error) {
	def := map[string]interface{}{
		task.Config.AgentName: map[string]interface{}{
			"description": task.Description,
			"prompt":      task.Config.Prompt,
		},
	}
	if len(task.Config.AllowedTools) > 0 {
		def[task.Config.AgentName].(map[string]interface{})["tools"] = task.Config.AllowedTools
	}
	b, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal agent definition: %w", err)
	}
	return string(b), nil
}
