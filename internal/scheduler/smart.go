package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/claudecron/internal/executor"
	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

// smartCacheTTL is how long a computed cron expression stays valid
// before the resolver re-optimizes.
const smartCacheTTL = 24 * time.Hour

// SmartScheduleResolver turns the natural-language constraint bundle of
// a smart_schedule trigger into a concrete cron expression via an
// internal AI query. Resolved expressions are cached on the task for
// 24 hours; every failure path lands on the trigger's fallback cron.
type SmartScheduleResolver struct {
	registry *executor.Registry
	store    store.Store
	log      logger.Logger

	// aiEnabled gates the optimization query. When false the resolver
	// always answers with the fallback cron.
	aiEnabled bool

	now func() time.Time
}

// NewSmartScheduleResolver creates a resolver. With aiEnabled false it
// degrades to the fallback cron without issuing queries.
func NewSmartScheduleResolver(reg *executor.Registry, st store.Store, log logger.Logger, aiEnabled bool) *SmartScheduleResolver {
	return &SmartScheduleResolver{
		registry:  reg,
		store:     st,
		log:       logger.OrNop(log),
		aiEnabled: aiEnabled,
		now:       time.Now,
	}
}

// Resolve returns the cron expression to schedule the task with.
func (sr *SmartScheduleResolver) Resolve(ctx context.Context, task *models.Task) string {
	tr := task.Trigger

	if tr.ComputedCron != "" && tr.LastOptimized != nil &&
		sr.now().Sub(*tr.LastOptimized) < smartCacheTTL &&
		ValidateCron(tr.ComputedCron, tr.Timezone) == nil {
		return tr.ComputedCron
	}

	if !sr.aiEnabled {
		return tr.FallbackCron
	}

	expr, err := sr.optimize(ctx, task)
	if err != nil {
		sr.log.Warnf("smart schedule optimization for task %s failed (%v), using fallback cron %q",
			task.Name, err, tr.FallbackCron)
		return tr.FallbackCron
	}

	sr.persist(ctx, task, expr)
	return expr
}

// optimize issues the internal AI query and validates its answer.
func (sr *SmartScheduleResolver) optimize(ctx context.Context, task *models.Task) (string, error) {
	ex, err := sr.registry.Get(models.TaskTypeGenericAIQuery)
	if err != nil {
		return "", err
	}

	prompt, err := optimizationPrompt(task)
	if err != nil {
		return "", err
	}

	queryTask := &models.Task{
		ID:      task.ID,
		Name:    task.Name + " (schedule optimization)",
		Type:    models.TaskTypeGenericAIQuery,
		Enabled: true,
		Config: models.TaskConfig{
			Prompt:  prompt,
			Timeout: "60s",
		},
		Trigger: models.Trigger{Type: models.TriggerManual},
	}
	queryExec := &models.Execution{
		TaskID:      task.ID,
		Status:      models.StatusRunning,
		TriggerType: models.OriginInternal,
		StartedAt:   sr.now().UTC(),
	}

	result, err := ex.Execute(ctx, queryTask, queryExec)
	if err != nil {
		return "", err
	}
	if result.Status != models.StatusSuccess {
		return "", fmt.Errorf("optimization query ended with status %s: %s", result.Status, result.Error)
	}

	expr := firstLine(result.Output)
	if expr == "" {
		return "", fmt.Errorf("optimization query returned no expression")
	}
	if err := ValidateCron(expr, task.Trigger.Timezone); err != nil {
		return "", err
	}
	return expr, nil
}

// persist caches the computed expression on the task's trigger.
func (sr *SmartScheduleResolver) persist(ctx context.Context, task *models.Task, expr string) {
	updated := task.Trigger
	updated.ComputedCron = expr
	optimized := sr.now().UTC()
	updated.LastOptimized = &optimized

	if _, err := sr.store.UpdateTask(ctx, task.ID, store.TaskPatch{Trigger: &updated}); err != nil {
		sr.log.Warnf("failed to persist computed cron for task %s: %v", task.Name, err)
		return
	}
	task.Trigger = updated
}

func optimizationPrompt(task *models.Task) (string, error) {
	constraints, err := json.Marshal(task.Trigger.Constraints)
	if err != nil {
		return "", fmt.Errorf("marshal constraints: %w", err)
	}
	return fmt.Sprintf(
		"Determine the best cron schedule for the task %q.\n"+
			"Requirement: %s\n"+
			"Constraints (JSON): %s\n"+
			"Respond with a single valid cron expression (5 fields, standard syntax) and nothing else.",
		task.Name, task.Trigger.Description, constraints), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
