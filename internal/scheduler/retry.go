package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
)

const (
	defaultRetryInitialDelay = 1 * time.Second
	defaultRetryMaxDelay     = 5 * time.Minute
)

// RetryController decides whether a failed execution is re-attempted,
// computes the backoff delay, and arms the timer that re-dispatches the
// task with carry-over retry metadata.
type RetryController struct {
	dispatcher Dispatcher
	log        logger.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewRetryController creates a retry controller.
func NewRetryController(d Dispatcher, log logger.Logger) *RetryController {
	return &RetryController{
		dispatcher: d,
		log:        logger.OrNop(log),
		timers:     make(map[string]*time.Timer),
	}
}

// Stop cancels all pending retry timers.
func (rc *RetryController) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for id, timer := range rc.timers {
		timer.Stop()
		delete(rc.timers, id)
	}
}

// ShouldRetry reports whether the execution qualifies for another
// attempt under the task's retry policy.
func (rc *RetryController) ShouldRetry(task *models.Task, exec *models.Execution) bool {
	policy := task.RetryPolicy()
	if policy == nil || policy.MaxAttempts <= 0 {
		return false
	}
	if retryMetadataFrom(exec).RetryCount >= policy.MaxAttempts {
		return false
	}
	return statusAccepted(policy.RetryOn, exec.Status)
}

// statusAccepted checks the terminal status against the policy's accept
// set. The default set is "all".
func statusAccepted(retryOn string, status models.ExecutionStatus) bool {
	switch retryOn {
	case models.RetryOnError:
		return status == models.StatusFailure
	case models.RetryOnTimeout:
		return status == models.StatusTimeout
	default: // "" or "all"
		return status == models.StatusFailure || status == models.StatusTimeout
	}
}

// CalculateDelay computes the backoff before the next attempt, given
// the number of retries already performed.
func CalculateDelay(policy *models.RetryPolicy, attemptCount int) time.Duration {
	initial := defaultRetryInitialDelay
	if policy.InitialDelay != "" {
		if d, err := models.ParseDelay(policy.InitialDelay); err == nil {
			initial = d
		}
	}
	max := defaultRetryMaxDelay
	if policy.MaxDelay != "" {
		if d, err := models.ParseDelay(policy.MaxDelay); err == nil {
			max = d
		}
	}

	var delay time.Duration
	switch policy.Backoff {
	case models.BackoffExponential:
		delay = initial * (1 << uint(attemptCount))
	default: // linear
		delay = initial * time.Duration(attemptCount+1)
	}
	if delay > max {
		delay = max
	}
	return delay
}

// ScheduleRetry arms a timer that re-dispatches the task with updated
// retry metadata once the backoff elapses.
func (rc *RetryController) ScheduleRetry(task *models.Task, exec *models.Execution) {
	policy := task.RetryPolicy()
	if policy == nil {
		return
	}

	prior := retryMetadataFrom(exec)
	delay := CalculateDelay(policy, prior.RetryCount)

	md := models.RetryMetadata{
		RetryCount:   prior.RetryCount + 1,
		MaxAttempts:  policy.MaxAttempts,
		Backoff:      backoffOrDefault(policy.Backoff),
		InitialDelay: policy.InitialDelay,
		MaxDelay:     policy.MaxDelay,
		RetryOn:      policy.RetryOn,
		PreviousAttempts: append(prior.PreviousAttempts, models.RetryAttempt{
			ExecutionID: exec.ID,
			StartedAt:   exec.StartedAt,
			Status:      exec.Status,
			Error:       exec.Error,
			DelayMs:     delay.Milliseconds(),
		}),
	}

	taskID, taskName := task.ID, task.Name
	rc.log.Infof("retrying task %s in %s (attempt %d/%d)", taskName, delay, md.RetryCount, md.MaxAttempts)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if old, ok := rc.timers[exec.ID]; ok {
		old.Stop()
	}
	rc.timers[exec.ID] = time.AfterFunc(delay, func() {
		rc.mu.Lock()
		delete(rc.timers, exec.ID)
		rc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := rc.dispatcher.Dispatch(ctx, taskID, models.OriginRetry, map[string]interface{}{
			"retry_metadata": md,
		})
		if err != nil {
			rc.log.Errorf("retry dispatch of task %s failed: %v", taskName, err)
		}
	})
}

func backoffOrDefault(backoff string) string {
	if backoff == "" {
		return models.BackoffLinear
	}
	return backoff
}

// retryMetadataFrom extracts the retry metadata threaded through the
// execution's trigger context. Contexts loaded from the store hold it
// as a generic JSON map, so the extraction round-trips through JSON.
func retryMetadataFrom(exec *models.Execution) models.RetryMetadata {
	var md models.RetryMetadata
	if exec == nil || exec.TriggerContext == nil {
		return md
	}
	raw, ok := exec.TriggerContext["retry_metadata"]
	if !ok {
		return md
	}
	switch v := raw.(type) {
	case models.RetryMetadata:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return md
		}
		_ = json.Unmarshal(b, &md)
		return md
	}
}
