package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: "30s", want: 30 * time.Second},
		{name: "minutes", input: "5m", want: 5 * time.Minute},
		{name: "hours", input: "2h", want: 2 * time.Hour},
		{name: "days", input: "1d", want: 24 * time.Hour},
		{name: "zero", input: "0s", want: 0},
		{name: "missing unit", input: "30", wantErr: true},
		{name: "unknown unit", input: "30w", wantErr: true},
		{name: "negative", input: "-5s", wantErr: true},
		{name: "fractional", input: "1.5h", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "go duration syntax", input: "1h30m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func validShellTask() *Task {
	return &Task{
		Name:    "echo",
		Enabled: true,
		Type:    TaskTypeShell,
		Config:  TaskConfig{Command: "echo hello"},
		Trigger: Trigger{Type: TriggerManual},
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Task)
		wantErr string
	}{
		{
			name:   "valid shell task",
			mutate: func(*Task) {},
		},
		{
			name:    "missing name",
			mutate:  func(tk *Task) { tk.Name = "" },
			wantErr: "name",
		},
		{
			name:    "unknown type",
			mutate:  func(tk *Task) { tk.Type = "cron_job" },
			wantErr: "type",
		},
		{
			name:    "shell without command",
			mutate:  func(tk *Task) { tk.Config.Command = "" },
			wantErr: "config.command",
		},
		{
			name: "ai prompt without prompt",
			mutate: func(tk *Task) {
				tk.Type = TaskTypeAIPrompt
				tk.Config = TaskConfig{}
			},
			wantErr: "config.prompt",
		},
		{
			name: "subagent without agent name",
			mutate: func(tk *Task) {
				tk.Type = TaskTypeSubagent
				tk.Config = TaskConfig{}
			},
			wantErr: "config.agent_name",
		},
		{
			name:    "bad config timeout",
			mutate:  func(tk *Task) { tk.Config.Timeout = "ten seconds" },
			wantErr: "config.timeout",
		},
		{
			name: "bad retry backoff",
			mutate: func(tk *Task) {
				tk.Options = &ExecutionOptions{Retry: &RetryPolicy{MaxAttempts: 2, Backoff: "fibonacci"}}
			},
			wantErr: "retry.backoff",
		},
		{
			name: "bad handler",
			mutate: func(tk *Task) {
				tk.OnSuccess = []ResultHandler{{Type: HandlerFile}}
			},
			wantErr: "on_success[0]",
		},
		{
			name: "valid conditions",
			mutate: func(tk *Task) {
				tk.Conditions = &Conditions{
					OnlyIf: &CustomCondition{Command: "echo 1", Operator: "==", Value: "1"},
				}
			},
		},
		{
			name: "unknown condition operator",
			mutate: func(tk *Task) {
				tk.Conditions = &Conditions{
					SkipIf: &CustomCondition{Command: "echo 1", Operator: "=~", Value: "1"},
				}
			},
			wantErr: "conditions.skip_if",
		},
		{
			name: "condition without command",
			mutate: func(tk *Task) {
				tk.Conditions = &Conditions{
					OnlyIf: &CustomCondition{Operator: "==", Value: "1"},
				}
			},
			wantErr: "conditions.only_if",
		},
		{
			name: "time window missing end",
			mutate: func(tk *Task) {
				tk.Conditions = &Conditions{TimeWindow: &TimeWindow{Start: "09:00"}}
			},
			wantErr: "conditions.time_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validShellTask()
			tt.mutate(task)
			err := task.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTriggerValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{name: "manual", trigger: Trigger{Type: TriggerManual}},
		{name: "schedule", trigger: Trigger{Type: TriggerSchedule, Cron: "0 9 * * *"}},
		{name: "schedule without cron", trigger: Trigger{Type: TriggerSchedule}, wantErr: true},
		{name: "schedule bad timezone", trigger: Trigger{Type: TriggerSchedule, Cron: "0 9 * * *", Timezone: "Mars/Olympus"}, wantErr: true},
		{name: "interval", trigger: Trigger{Type: TriggerInterval, Every: "5m"}},
		{name: "interval bad every", trigger: Trigger{Type: TriggerInterval, Every: "soon"}, wantErr: true},
		{name: "file watch", trigger: Trigger{Type: TriggerFileWatch, Path: "/tmp", Pattern: "*.go", Debounce: "2s"}},
		{name: "file watch without path", trigger: Trigger{Type: TriggerFileWatch}, wantErr: true},
		{name: "hook", trigger: Trigger{Type: TriggerHook, Event: HookPostToolUse, Matcher: "^(Write|Edit)$"}},
		{name: "hook unknown event", trigger: Trigger{Type: TriggerHook, Event: "OnSave"}, wantErr: true},
		{name: "hook bad matcher", trigger: Trigger{Type: TriggerHook, Event: HookPostToolUse, Matcher: "("}, wantErr: true},
		{name: "dependency", trigger: Trigger{Type: TriggerDependency, DependsOn: []string{"a"}, Require: RequireAny}},
		{name: "dependency empty parents", trigger: Trigger{Type: TriggerDependency}, wantErr: true},
		{name: "dependency bad require", trigger: Trigger{Type: TriggerDependency, DependsOn: []string{"a"}, Require: "most"}, wantErr: true},
		{name: "smart schedule", trigger: Trigger{Type: TriggerSmartSchedule, Description: "every weekday morning", FallbackCron: "0 9 * * 1-5"}},
		{name: "smart schedule without fallback", trigger: Trigger{Type: TriggerSmartSchedule, Description: "x"}, wantErr: true},
		{name: "bad debounce", trigger: Trigger{Type: TriggerHook, Event: HookStop, Debounce: "2x"}, wantErr: true},
		{name: "unknown type", trigger: Trigger{Type: "webhook"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEffectiveTimeout(t *testing.T) {
	def := 120 * time.Second

	task := validShellTask()
	assert.Equal(t, def, task.EffectiveTimeout(def))

	task.Options = &ExecutionOptions{Timeout: "10m"}
	assert.Equal(t, 10*time.Minute, task.EffectiveTimeout(def))

	// Config timeout wins over options timeout.
	task.Config.Timeout = "30s"
	assert.Equal(t, 30*time.Second, task.EffectiveTimeout(def))
}

func TestExecutionStatusIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s should be terminal", s)
	}
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
}

func TestHookOrigin(t *testing.T) {
	assert.Equal(t, "hook:PostToolUse", HookOrigin(HookPostToolUse))
}
