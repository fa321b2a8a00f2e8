package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/claudecron/internal/models"
)

func aiTask(kind models.TaskType, cfg models.TaskConfig) *models.Task {
	return &models.Task{
		ID:      "task-ai",
		Name:    "ai-test",
		Type:    kind,
		Enabled: true,
		Config:  cfg,
		Trigger: models.Trigger{Type: models.TriggerManual},
	}
}

// argValue returns the value following flag in args, or "".
func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildClaudeArgs(t *testing.T) {
	tests := []struct {
		name       string
		task       *models.Task
		wantPrompt string
		check      func(t *testing.T, args []string)
	}{
		{
			name:       "ai prompt with model",
			task:       aiTask(models.TaskTypeAIPrompt, models.TaskConfig{Prompt: "summarize the logs", Model: "sonnet"}),
			wantPrompt: "summarize the logs",
			check: func(t *testing.T, args []string) {
				assert.Equal(t, "sonnet", argValue(args, "--model"))
			},
		},
		{
			name:       "generic query without model",
			task:       aiTask(models.TaskTypeGenericAIQuery, models.TaskConfig{Prompt: "what changed today"}),
			wantPrompt: "what changed today",
			check: func(t *testing.T, args []string) {
				assert.NotContains(t, args, "--model")
			},
		},
		{
			name:       "slash command gains leading slash and args",
			task:       aiTask(models.TaskTypeSlashCommand, models.TaskConfig{SlashCommand: "review", Args: "--strict"}),
			wantPrompt: "/review --strict",
		},
		{
			name:       "slash command keeps existing slash",
			task:       aiTask(models.TaskTypeSlashCommand, models.TaskConfig{SlashCommand: "/compact"}),
			wantPrompt: "/compact",
		},
		{
			name: "tool invocation defaults allowed tools to the tool",
			task: aiTask(models.TaskTypeToolInvocation, models.TaskConfig{
				ToolName:  "Grep",
				ToolInput: map[string]interface{}{"pattern": "TODO"},
			}),
			check: func(t *testing.T, args []string) {
				assert.Equal(t, "Grep", argValue(args, "--allowedTools"))
				assert.Contains(t, argValue(args, "-p"), `"pattern":"TODO"`)
			},
		},
		{
			name: "subagent carries agent definition",
			task: aiTask(models.TaskTypeSubagent, models.TaskConfig{
				AgentName:    "auditor",
				Prompt:       "audit the dependency tree",
				AllowedTools: []string{"Read", "Grep"},
			}),
			check: func(t *testing.T, args []string) {
				raw := argValue(args, "--agents")
				require.NotEmpty(t, raw)
				var def map[string]map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(raw), &def))
				require.Contains(t, def, "auditor")
				assert.Equal(t, "audit the dependency tree", def["auditor"]["prompt"])
				assert.Equal(t, "Read,Grep", argValue(args, "--allowedTools"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := buildClaudeArgs(tt.task, nil)
			require.NoError(t, err)

			assert.Equal(t, "-p", args[0])
			assert.Equal(t, "json", argValue(args, "--output-format"))
			if tt.wantPrompt != "" {
				assert.Equal(t, tt.wantPrompt, args[1])
			}
			if tt.check != nil {
				tt.check(t, args)
			}
		})
	}
}

func TestBuildClaudeArgsOptions(t *testing.T) {
	task := aiTask(models.TaskTypeAIPrompt, models.TaskConfig{Prompt: "check {{date}}"})
	task.Options = &models.ExecutionOptions{
		PermissionMode: "acceptEdits",
		AllowedTools:   []string{"Bash", "Read"},
		AddDirs:        []string{"/srv/app", "/srv/data"},
	}

	args, err := buildClaudeArgs(task, nil)
	require.NoError(t, err)

	assert.Equal(t, "acceptEdits", argValue(args, "--permission-mode"))
	assert.Equal(t, "Bash,Read", argValue(args, "--allowedTools"))
	assert.NotContains(t, args[1], "{{date}}", "prompt should be template-expanded")

	var dirs []string
	for i, a := range args {
		if a == "--add-dir" {
			dirs = append(dirs, args[i+1])
		}
	}
	assert.Equal(t, []string{"/srv/app", "/srv/data"}, dirs)
}

func TestBuildClaudeArgsRejectsShellTask(t *testing.T) {
	_, err := buildClaudeArgs(shellTask("echo no"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not claude-backed")
}

func TestParseClaudeResult(t *testing.T) {
	t.Run("success envelope", func(t *testing.T) {
		raw := `{"type":"result","subtype":"success","is_error":false,"result":"all clear",` +
			`"total_cost_usd":0.0421,"usage":{"input_tokens":1200,"output_tokens":340,` +
			`"cache_creation_input_tokens":50,"cache_read_input_tokens":900}}`

		result := parseClaudeResult([]byte(raw))
		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, "all clear", result.Output)
		require.NotNil(t, result.CostUSD)
		assert.InDelta(t, 0.0421, *result.CostUSD, 1e-9)
		require.NotNil(t, result.SDKUsage)
		assert.Equal(t, 1200, result.SDKUsage.InputTokens)
		assert.Equal(t, 340, result.SDKUsage.OutputTokens)
		assert.Equal(t, 50, result.SDKUsage.CacheCreationTokens)
		assert.Equal(t, 900, result.SDKUsage.CacheReadTokens)
	})

	t.Run("error envelope", func(t *testing.T) {
		raw := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"tool denied"}`

		result := parseClaudeResult([]byte(raw))
		assert.Equal(t, models.StatusFailure, result.Status)
		assert.Equal(t, "tool denied", result.Error)
	})

	t.Run("non-json output falls back to raw", func(t *testing.T) {
		result := parseClaudeResult([]byte("plain text answer\n"))
		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, "plain text answer\n", result.Output)
		assert.Nil(t, result.SDKUsage)
	})
}

func TestRegistryDispatch(t *testing.T) {
	r := NewDefaultRegistry(nil)

	shell, err := r.Get(models.TaskTypeShell)
	require.NoError(t, err)
	assert.IsType(t, &ShellExecutor{}, shell)

	for _, kind := range []models.TaskType{
		models.TaskTypeAIPrompt,
		models.TaskTypeSlashCommand,
		models.TaskTypeSubagent,
		models.TaskTypeToolInvocation,
		models.TaskTypeGenericAIQuery,
	} {
		ex, err := r.Get(kind)
		require.NoError(t, err)
		assert.IsType(t, &ClaudeExecutor{}, ex)
	}

	_, err = r.Get(models.TaskType("bogus"))
	require.Error(t, err)
}
