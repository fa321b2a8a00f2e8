package display

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

func init() {
	color.NoColor = true
}

func TestTriggerSummary(t *testing.T) {
	start := time.Now()
	tests := []struct {
		name    string
		trigger models.Trigger
		want    string
	}{
		{"schedule", models.Trigger{Type: models.TriggerSchedule, Cron: "0 2 * * *"}, "schedule 0 2 * * *"},
		{"schedule with tz", models.Trigger{Type: models.TriggerSchedule, Cron: "0 9 * * 1-5", Timezone: "America/New_York"}, "schedule 0 9 * * 1-5 (America/New_York)"},
		{"interval", models.Trigger{Type: models.TriggerInterval, Every: "5m", Start: &start}, "every 5m"},
		{"file watch", models.Trigger{Type: models.TriggerFileWatch, Path: "/srv/in", Pattern: "*.csv"}, "watch /srv/in (*.csv)"},
		{"hook", models.Trigger{Type: models.TriggerHook, Event: models.HookPostToolUse}, "hook PostToolUse"},
		{"dependency all", models.Trigger{Type: models.TriggerDependency, DependsOn: []string{"a", "b"}}, "after all of [a, b]"},
		{"dependency any", models.Trigger{Type: models.TriggerDependency, DependsOn: []string{"a"}, Require: "any"}, "after any of [a]"},
		{"smart computed", models.Trigger{Type: models.TriggerSmartSchedule, ComputedCron: "0 4 * * *", FallbackCron: "0 2 * * *"}, "smart 0 4 * * *"},
		{"smart fallback", models.Trigger{Type: models.TriggerSmartSchedule, FallbackCron: "0 2 * * *"}, "smart (fallback 0 2 * * *)"},
		{"manual", models.Trigger{Type: models.TriggerManual}, "manual"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TriggerSummary(tt.trigger))
		})
	}
}

func TestTaskList(t *testing.T) {
	var buf bytes.Buffer
	TaskList(&buf, nil)
	assert.Contains(t, buf.String(), "No tasks.")

	buf.Reset()
	TaskList(&buf, []*models.Task{{
		ID:      "0c7eadd5-1111-2222-3333-444444444444",
		Name:    "nightly-backup",
		Type:    models.TaskTypeShell,
		Enabled: true,
		Trigger: models.Trigger{Type: models.TriggerSchedule, Cron: "0 2 * * *"},
	}})
	out := buf.String()
	assert.Contains(t, out, "nightly-backup")
	assert.Contains(t, out, "schedule 0 2 * * *")
	assert.Contains(t, out, "0c7eadd5")
	assert.NotContains(t, out, "0c7eadd5-1111", "long ids are shortened")
}

func TestExecutionDetailIncludesOutputAndError(t *testing.T) {
	completed := time.Now()
	duration := int64(1500)
	exitCode := 3
	exec := &models.Execution{
		ID:          "exec-1",
		TaskID:      "task-1",
		Status:      models.StatusFailure,
		TriggerType: models.OriginManual,
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: &completed,
		DurationMs:  &duration,
		ExitCode:    &exitCode,
		Error:       "exit status 3",
		Output:      "partial work\n",
	}

	var buf bytes.Buffer
	ExecutionDetail(&buf, exec)
	out := buf.String()
	assert.Contains(t, out, "failure")
	assert.Contains(t, out, "Exit code: 3")
	assert.Contains(t, out, "exit status 3")
	assert.Contains(t, out, "partial work")
	assert.Contains(t, out, "1.5s")
}

func TestTaskStats(t *testing.T) {
	var buf bytes.Buffer
	TaskStats(&buf, &store.TaskStats{
		TotalRuns:      10,
		SuccessfulRuns: 8,
		FailedRuns:     2,
		AvgDurationMs:  250,
		TotalCostUSD:   0.0421,
	})
	out := buf.String()
	assert.Contains(t, out, "Total runs:   10")
	assert.Contains(t, out, "$0.0421")
}
