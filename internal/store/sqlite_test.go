package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/claudecron/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask() *models.Task {
	return &models.Task{
		Name:        "nightly-report",
		Description: "generate the nightly report",
		Enabled:     true,
		Type:        models.TaskTypeShell,
		Config: models.TaskConfig{
			Command:    "make report",
			WorkingDir: "/srv/reports",
			Env:        map[string]string{"REPORT_FORMAT": "html"},
		},
		Trigger: models.Trigger{
			Type:     models.TriggerSchedule,
			Cron:     "0 2 * * *",
			Timezone: "UTC",
		},
		Options: &models.ExecutionOptions{
			Timeout: "10m",
			Retry: &models.RetryPolicy{
				MaxAttempts:  2,
				Backoff:      models.BackoffExponential,
				InitialDelay: "30s",
				MaxDelay:     "5m",
				RetryOn:      models.RetryOnAll,
			},
		},
		Conditions: &models.Conditions{
			OnlyIfFileExists: "/srv/reports/Makefile",
		},
		OnSuccess: []models.ResultHandler{
			{Type: models.HandlerNotify, Message: "report done", Urgency: models.UrgencyLow},
		},
		OnFailure: []models.ResultHandler{
			{Type: models.HandlerWebhook, URL: "https://example.com/hook", Method: "POST"},
		},
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  func(t *testing.T) string
		wantErr bool
	}{
		{
			name:   "creates database file",
			dbPath: func(t *testing.T) string { return filepath.Join(t.TempDir(), "tasks.db") },
		},
		{
			name:   "in-memory database",
			dbPath: func(t *testing.T) string { return ":memory:" },
		},
		{
			name:   "creates parent directories",
			dbPath: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nested", "dir", "tasks.db") },
		},
		{
			name:    "invalid path",
			dbPath:  func(t *testing.T) string { return "/proc/nonexistent/deep/tasks.db" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSQLiteStore(tt.dbPath(t))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			s.Close()
		})
	}
}

func TestCreateAndGetTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sampleTask()
	created, err := s.CreateTask(ctx, in)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)
	assert.Zero(t, created.RunCount)
	assert.Zero(t, created.SuccessCount)
	assert.Zero(t, created.FailureCount)

	got, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, in.Name, got.Name)
	assert.Equal(t, in.Description, got.Description)
	assert.Equal(t, in.Type, got.Type)
	assert.Equal(t, in.Config, got.Config)
	assert.Equal(t, in.Trigger, got.Trigger)
	assert.Equal(t, in.Options, got.Options)
	assert.Equal(t, in.Conditions, got.Conditions)
	assert.Equal(t, in.OnSuccess, got.OnSuccess)
	assert.Equal(t, in.OnFailure, got.OnFailure)

	// JSON blob fields survive insert -> read byte-equal after
	// re-serialization.
	wantTrigger, err := json.Marshal(in.Trigger)
	require.NoError(t, err)
	gotTrigger, err := json.Marshal(got.Trigger)
	require.NoError(t, err)
	assert.Equal(t, wantTrigger, gotTrigger)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "task", nf.Entity)
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	name := "renamed"
	enabled := false
	runs := 3
	updated, err := s.UpdateTask(ctx, created.ID, TaskPatch{
		Name:     &name,
		Enabled:  &enabled,
		RunCount: &runs,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 3, updated.RunCount)
	assert.Equal(t, created.ID, updated.ID)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt) || updated.UpdatedAt.Equal(created.UpdatedAt))

	// Unrelated fields untouched.
	assert.Equal(t, created.Trigger, updated.Trigger)
	assert.Equal(t, created.Config, updated.Config)
}

func TestUpdateTaskEmptyPatchIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)
	before, err := s.GetTask(ctx, created.ID)
	require.NoError(t, err)

	updated, err := s.UpdateTask(ctx, created.ID, TaskPatch{})
	require.NoError(t, err)

	// Everything except updated_at is unchanged.
	updated.UpdatedAt = before.UpdatedAt
	assert.Equal(t, before, updated)
}

func TestUpdateTaskNextRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	next := time.Now().Add(time.Hour).UTC()
	updated, err := s.UpdateTask(ctx, created.ID, TaskPatch{NextRun: &next})
	require.NoError(t, err)
	require.NotNil(t, updated.NextRun)
	assert.WithinDuration(t, next, *updated.NextRun, time.Millisecond)

	cleared, err := s.UpdateTask(ctx, created.ID, TaskPatch{ClearNextRun: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.NextRun)
}

func TestDeleteTaskCascadesExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	exec, err := s.CreateExecution(ctx, &models.Execution{
		TaskID:      task.ID,
		Status:      models.StatusSuccess,
		TriggerType: models.OriginManual,
		StartedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err = s.GetTask(ctx, task.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetExecution(ctx, exec.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting again reports not found.
	err = s.DeleteTask(ctx, task.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	shell := sampleTask()
	_, err := s.CreateTask(ctx, shell)
	require.NoError(t, err)

	hook := sampleTask()
	hook.Name = "hook-task"
	hook.Enabled = false
	hook.Type = models.TaskTypeAIPrompt
	hook.Config = models.TaskConfig{Prompt: "summarize the change"}
	hook.Trigger = models.Trigger{Type: models.TriggerHook, Event: models.HookPostToolUse}
	_, err = s.CreateTask(ctx, hook)
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled := true
	onlyEnabled, err := s.ListTasks(ctx, TaskFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, onlyEnabled, 1)
	assert.Equal(t, "nightly-report", onlyEnabled[0].Name)

	byType, err := s.ListTasks(ctx, TaskFilter{Type: models.TaskTypeAIPrompt})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "hook-task", byType[0].Name)

	byTrigger, err := s.ListTasks(ctx, TaskFilter{TriggerType: models.TriggerHook})
	require.NoError(t, err)
	require.Len(t, byTrigger, 1)

	byEvent, err := s.ListTasks(ctx, TaskFilter{HookEvent: models.HookPostToolUse})
	require.NoError(t, err)
	require.Len(t, byEvent, 1)

	byOtherEvent, err := s.ListTasks(ctx, TaskFilter{HookEvent: models.HookSessionStart})
	require.NoError(t, err)
	assert.Empty(t, byOtherEvent)
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	started := time.Now().UTC()
	exec, err := s.CreateExecution(ctx, &models.Execution{
		TaskID:      task.ID,
		Status:      models.StatusRunning,
		TriggerType: models.OriginScheduled,
		StartedAt:   started,
		TriggerContext: map[string]interface{}{
			"source": "cron",
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, exec.ID)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.DurationMs)
	assert.Equal(t, "cron", got.TriggerContext["source"])

	completed := started.Add(1500 * time.Millisecond)
	duration := int64(1500)
	exitCode := 0
	status := models.StatusSuccess
	output := "all good\n"
	updated, err := s.UpdateExecution(ctx, exec.ID, ExecutionPatch{
		Status:      &status,
		CompletedAt: &completed,
		DurationMs:  &duration,
		ExitCode:    &exitCode,
		Output:      &output,
		ToolCalls: []models.ToolCall{
			{ToolName: "Bash", Timestamp: started, DurationMs: 40, Success: true},
		},
		SDKUsage: &models.SDKUsage{InputTokens: 10, OutputTokens: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.False(t, updated.CompletedAt.Before(updated.StartedAt))
	require.NotNil(t, updated.DurationMs)
	assert.Equal(t, int64(1500), *updated.DurationMs)
	require.NotNil(t, updated.ExitCode)
	assert.Equal(t, 0, *updated.ExitCode)
	assert.Equal(t, "all good\n", updated.Output)
	require.Len(t, updated.ToolCalls, 1)
	assert.Equal(t, "Bash", updated.ToolCalls[0].ToolName)
	require.NotNil(t, updated.SDKUsage)
	assert.Equal(t, 10, updated.SDKUsage.InputTokens)
}

func TestListExecutionsFiltersAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	statuses := []models.ExecutionStatus{
		models.StatusSuccess, models.StatusFailure, models.StatusSuccess,
	}
	for i, st := range statuses {
		_, err := s.CreateExecution(ctx, &models.Execution{
			TaskID:      task.ID,
			Status:      st,
			TriggerType: models.OriginManual,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{TaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Most recently started first.
	assert.True(t, all[0].StartedAt.After(all[1].StartedAt))
	assert.True(t, all[1].StartedAt.After(all[2].StartedAt))

	failures, err := s.ListExecutions(ctx, ExecutionFilter{TaskID: task.ID, Status: models.StatusFailure})
	require.NoError(t, err)
	assert.Len(t, failures, 1)

	since := base.Add(90 * time.Second)
	recent, err := s.ListExecutions(ctx, ExecutionFilter{TaskID: task.ID, Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	limited, err := s.ListExecutions(ctx, ExecutionFilter{TaskID: task.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	offset, err := s.ListExecutions(ctx, ExecutionFilter{TaskID: task.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, offset, 1)
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	mk := func(st models.ExecutionStatus, durMs int64, cost float64) {
		d := durMs
		c := cost
		_, err := s.CreateExecution(ctx, &models.Execution{
			TaskID:      task.ID,
			Status:      st,
			TriggerType: models.OriginManual,
			StartedAt:   time.Now().UTC(),
			DurationMs:  &d,
			CostUSD:     &c,
		})
		require.NoError(t, err)
	}
	mk(models.StatusSuccess, 100, 0.01)
	mk(models.StatusSuccess, 300, 0.02)
	mk(models.StatusFailure, 200, 0.03)
	mk(models.StatusTimeout, 400, 0)
	// In-flight executions do not count as runs.
	_, err = s.CreateExecution(ctx, &models.Execution{
		TaskID: task.ID, Status: models.StatusRunning,
		TriggerType: models.OriginManual, StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	stats, err := s.GetTaskStats(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRuns)
	assert.Equal(t, 2, stats.SuccessfulRuns)
	assert.Equal(t, 2, stats.FailedRuns)
	assert.InDelta(t, 250.0, stats.AvgDurationMs, 0.001)
	assert.InDelta(t, 0.06, stats.TotalCostUSD, 0.0001)

	_, err = s.GetTaskStats(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStreamingAppendAndProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	exec, err := s.CreateExecution(ctx, &models.Execution{
		TaskID:      task.ID,
		Status:      models.StatusRunning,
		TriggerType: models.OriginManual,
		StartedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, s.AppendOutput(ctx, exec.ID, "line one\n"))
	require.NoError(t, s.AppendOutput(ctx, exec.ID, "line two\n"))
	require.NoError(t, s.AppendThinking(ctx, exec.ID, "considering..."))

	progress, err := s.GetProgress(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", progress.Output)
	assert.Equal(t, "considering...", progress.Thinking)
	assert.Equal(t, models.StatusRunning, progress.Status)

	err = s.AppendOutput(ctx, "missing", "x")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetProgress(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBumpCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	started := time.Now().UTC()
	require.NoError(t, s.BumpCounters(ctx, task.ID, models.StatusSuccess, &started))
	require.NoError(t, s.BumpCounters(ctx, task.ID, models.StatusFailure, &started))
	require.NoError(t, s.BumpCounters(ctx, task.ID, models.StatusTimeout, &started))
	require.NoError(t, s.BumpCounters(ctx, task.ID, models.StatusSkipped, nil))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RunCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 2, got.FailureCount)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, started.Truncate(time.Millisecond), got.LastRun.Truncate(time.Millisecond))

	err = s.BumpCounters(ctx, "missing", models.StatusSuccess, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBumpCountersConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started := time.Now().UTC()
			errs[i] = s.BumpCounters(ctx, task.ID, models.StatusSuccess, &started)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, got.RunCount, "no increment may be lost")
	assert.Equal(t, workers, got.SuccessCount)
}

func TestTimestampsAreUTC(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, sampleTask())
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	_, offset := got.CreatedAt.Zone()
	assert.Zero(t, offset)
}
