package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/claudecron/internal/models"
)

func retryTask(policy *models.RetryPolicy) *models.Task {
	return &models.Task{
		ID:      "task-retry",
		Name:    "retry-test",
		Type:    models.TaskTypeShell,
		Enabled: true,
		Config:  models.TaskConfig{Command: "false"},
		Trigger: models.Trigger{Type: models.TriggerManual},
		Options: &models.ExecutionOptions{Retry: policy},
	}
}

func failedExec(status models.ExecutionStatus, retryCount int) *models.Execution {
	exec := &models.Execution{
		ID:        "exec-r",
		TaskID:    "task-retry",
		Status:    status,
		StartedAt: time.Now().UTC(),
		Error:     "boom",
	}
	if retryCount > 0 {
		exec.TriggerContext = map[string]interface{}{
			"retry_metadata": map[string]interface{}{
				"retry_count":  float64(retryCount),
				"max_attempts": float64(5),
			},
		}
	}
	return exec
}

func TestShouldRetry(t *testing.T) {
	rc := NewRetryController(newRecordingDispatcher(), nil)

	tests := []struct {
		name   string
		policy *models.RetryPolicy
		exec   *models.Execution
		want   bool
	}{
		{"no policy", nil, failedExec(models.StatusFailure, 0), false},
		{"zero attempts", &models.RetryPolicy{MaxAttempts: 0}, failedExec(models.StatusFailure, 0), false},
		{"failure under budget", &models.RetryPolicy{MaxAttempts: 2}, failedExec(models.StatusFailure, 0), true},
		{"budget exhausted", &models.RetryPolicy{MaxAttempts: 2}, failedExec(models.StatusFailure, 2), false},
		{"retry_on error accepts failure", &models.RetryPolicy{MaxAttempts: 2, RetryOn: models.RetryOnError}, failedExec(models.StatusFailure, 0), true},
		{"retry_on error rejects timeout", &models.RetryPolicy{MaxAttempts: 2, RetryOn: models.RetryOnError}, failedExec(models.StatusTimeout, 0), false},
		{"retry_on timeout accepts timeout", &models.RetryPolicy{MaxAttempts: 2, RetryOn: models.RetryOnTimeout}, failedExec(models.StatusTimeout, 0), true},
		{"retry_on timeout rejects failure", &models.RetryPolicy{MaxAttempts: 2, RetryOn: models.RetryOnTimeout}, failedExec(models.StatusFailure, 0), false},
		{"retry_on all accepts timeout", &models.RetryPolicy{MaxAttempts: 2, RetryOn: models.RetryOnAll}, failedExec(models.StatusTimeout, 0), true},
		{"success never retries", &models.RetryPolicy{MaxAttempts: 2}, failedExec(models.StatusSuccess, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rc.ShouldRetry(retryTask(tt.policy), tt.exec))
		})
	}
}

func TestCalculateDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  models.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"exponential first", models.RetryPolicy{Backoff: models.BackoffExponential, InitialDelay: "100ms", MaxDelay: "10s"}, 0, 100 * time.Millisecond},
		{"exponential second", models.RetryPolicy{Backoff: models.BackoffExponential, InitialDelay: "100ms", MaxDelay: "10s"}, 1, 200 * time.Millisecond},
		{"exponential third", models.RetryPolicy{Backoff: models.BackoffExponential, InitialDelay: "100ms", MaxDelay: "10s"}, 2, 400 * time.Millisecond},
		{"exponential capped", models.RetryPolicy{Backoff: models.BackoffExponential, InitialDelay: "1s", MaxDelay: "3s"}, 5, 3 * time.Second},
		{"linear first", models.RetryPolicy{Backoff: models.BackoffLinear, InitialDelay: "1s", MaxDelay: "10s"}, 0, 1 * time.Second},
		{"linear third", models.RetryPolicy{Backoff: models.BackoffLinear, InitialDelay: "1s", MaxDelay: "10s"}, 2, 3 * time.Second},
		{"linear capped", models.RetryPolicy{Backoff: models.BackoffLinear, InitialDelay: "4s", MaxDelay: "5s"}, 3, 5 * time.Second},
		{"defaults", models.RetryPolicy{}, 0, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateDelay(&tt.policy, tt.attempt))
		})
	}
}

func TestScheduleRetryDispatchesWithMetadata(t *testing.T) {
	rd := newRecordingDispatcher()
	rc := NewRetryController(rd, nil)

	task := retryTask(&models.RetryPolicy{
		MaxAttempts:  3,
		Backoff:      models.BackoffExponential,
		InitialDelay: "10ms",
		MaxDelay:     "1s",
	})
	rc.ScheduleRetry(task, failedExec(models.StatusFailure, 0))

	rec := rd.wait(t, 2*time.Second)
	assert.Equal(t, task.ID, rec.taskID)
	assert.Equal(t, models.OriginRetry, rec.origin)

	md, ok := rec.triggerCtx["retry_metadata"].(models.RetryMetadata)
	require.True(t, ok)
	assert.Equal(t, 1, md.RetryCount)
	assert.Equal(t, 3, md.MaxAttempts)
	assert.Equal(t, models.BackoffExponential, md.Backoff)
	require.Len(t, md.PreviousAttempts, 1)
	assert.Equal(t, "exec-r", md.PreviousAttempts[0].ExecutionID)
	assert.Equal(t, models.StatusFailure, md.PreviousAttempts[0].Status)
	assert.Equal(t, "boom", md.PreviousAttempts[0].Error)
}

func TestScheduleRetryAccumulatesHistory(t *testing.T) {
	rd := newRecordingDispatcher()
	rc := NewRetryController(rd, nil)

	task := retryTask(&models.RetryPolicy{MaxAttempts: 3, InitialDelay: "10ms", MaxDelay: "1s"})

	exec := failedExec(models.StatusFailure, 1)
	exec.TriggerContext["retry_metadata"].(map[string]interface{})["previous_attempts"] = []interface{}{
		map[string]interface{}{"execution_id": "exec-0", "status": "failure"},
	}
	rc.ScheduleRetry(task, exec)

	rec := rd.wait(t, 2*time.Second)
	md := rec.triggerCtx["retry_metadata"].(models.RetryMetadata)
	assert.Equal(t, 2, md.RetryCount)
	require.Len(t, md.PreviousAttempts, 2)
	assert.Equal(t, "exec-0", md.PreviousAttempts[0].ExecutionID)
	assert.Equal(t, "exec-r", md.PreviousAttempts[1].ExecutionID)
}

func TestRetryControllerStopCancelsTimers(t *testing.T) {
	rd := newRecordingDispatcher()
	rc := NewRetryController(rd, nil)

	task := retryTask(&models.RetryPolicy{MaxAttempts: 1, InitialDelay: "5s"})
	rc.ScheduleRetry(task, failedExec(models.StatusFailure, 0))
	rc.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rd.count())
}
