package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/claudecron/internal/executor"
	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

// DefaultMaxConcurrentTasks caps parallel executor dispatch when the
// configuration sets no limit.
const DefaultMaxConcurrentTasks = 10

// DefaultCheckInterval drives the maintenance sweep that refreshes
// expired smart-schedule optimizations.
const DefaultCheckInterval = 30 * time.Second

// Options tune the engine.
type Options struct {
	// MaxConcurrentTasks caps parallel executions (default 10).
	MaxConcurrentTasks int
	// DefaultTimezone applies to cron schedules and time windows that
	// declare no timezone (default UTC).
	DefaultTimezone *time.Location
	// CheckInterval is the maintenance sweep period (default 30s).
	CheckInterval time.Duration
	// SmartScheduling enables AI optimization of smart_schedule
	// triggers; when false they run on their fallback cron.
	SmartScheduling bool
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxConcurrentTasks <= 0 {
		opts.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if opts.DefaultTimezone == nil {
		opts.DefaultTimezone = time.UTC
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	return opts
}

// Engine is the lifecycle owner and single dispatcher. It loads enabled
// tasks at start, wires each into its trigger source, and walks every
// execution through the pipeline: condition gate, executor dispatch,
// terminal persistence, counter updates, handler fan-out, and the
// retry / dependency cascade.
type Engine struct {
	store    store.Store
	registry *executor.Registry
	log      logger.Logger
	opts     Options

	conditions *ConditionEvaluator
	handlers   *HandlerRouter
	retry      *RetryController
	crons      *CronSource
	intervals  *IntervalSource
	watches    *FileWatchSource
	hooks      *HookRouter
	deps       *DependencyGraph
	smart      *SmartScheduleResolver

	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex // serializes catalog mutation and source wiring
	started bool
}

// New creates an engine and its trigger sources. The engine can
// dispatch immediately; Start wires the persisted catalog into the
// sources and begins firing timers.
func New(st store.Store, registry *executor.Registry, log logger.Logger, opts Options) *Engine {
	opts = (&opts).withDefaults()
	log = logger.OrNop(log)

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    st,
		registry: registry,
		log:      log,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrentTasks),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}

	e.conditions = NewConditionEvaluator(opts.DefaultTimezone, log)
	e.handlers = NewHandlerRouter(e, log)
	e.retry = NewRetryController(e, log)
	e.crons = NewCronSource(e, st, log, opts.DefaultTimezone)
	e.intervals = NewIntervalSource(e, st, log)
	e.watches = NewFileWatchSource(e, log)
	e.hooks = NewHookRouter(e, st, log)
	e.deps = NewDependencyGraph(e, log)
	e.smart = NewSmartScheduleResolver(registry, st, log, opts.SmartScheduling)
	return e
}

// Start loads the catalog, validates the dependency graph, wires every
// enabled task into its source, and starts the timers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("scheduler already started")
	}

	all, err := e.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if err := e.deps.Rebuild(all); err != nil {
		return fmt.Errorf("dependency graph: %w", err)
	}

	scheduled := 0
	for _, task := range all {
		if !task.Enabled {
			continue
		}
		if err := e.scheduleTask(ctx, task); err != nil {
			e.log.Errorf("failed to schedule task %s (%s): %v", task.Name, task.ID, err)
			continue
		}
		scheduled++
	}

	e.crons.Start()
	e.started = true

	e.wg.Add(1)
	go e.maintenanceLoop()

	e.log.Infof("scheduler started: %d of %d tasks scheduled", scheduled, len(all))
	return nil
}

// Stop cancels all timers and watchers, stops accepting dispatches, and
// waits for in-flight workers to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	e.cancel()
	e.crons.Stop()
	e.intervals.Stop()
	e.watches.Stop()
	e.hooks.Stop()
	e.retry.Stop()
	e.wg.Wait()
	e.log.Infof("scheduler stopped")
}

// Dispatch implements the Dispatcher back-edge used by trigger sources.
func (e *Engine) Dispatch(ctx context.Context, taskID, origin string, triggerCtx map[string]interface{}) (string, error) {
	return e.Execute(ctx, taskID, origin, triggerCtx, false)
}

// Execute resolves the task, runs the condition gate, persists a
// running execution, and hands the actual run to an async worker. The
// returned id is available before the run completes. With
// overrideConditions the gate is bypassed and the override is recorded
// in the trigger context.
func (e *Engine) Execute(ctx context.Context, taskID, origin string, triggerCtx map[string]interface{}, overrideConditions bool) (string, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !task.Enabled {
		return "", fmt.Errorf("task %s (%s) is disabled", task.Name, task.ID)
	}

	if overrideConditions {
		merged := make(map[string]interface{}, len(triggerCtx)+1)
		for k, v := range triggerCtx {
			merged[k] = v
		}
		merged["override_conditions"] = true
		triggerCtx = merged
	}

	if !overrideConditions {
		if skip, reason := e.conditions.Evaluate(ctx, task); skip {
			return e.recordSkip(ctx, task, origin, triggerCtx, reason)
		}
	}

	exec, err := e.store.CreateExecution(ctx, &models.Execution{
		TaskID:         task.ID,
		Status:         models.StatusRunning,
		TriggerType:    origin,
		TriggerContext: triggerCtx,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("persist execution: %w", err)
	}

	e.wg.Add(1)
	go e.run(task, exec)

	return exec.ID, nil
}

// recordSkip writes a terminal skipped execution with zero duration.
// Skips count toward run_count but never toward success or failure.
func (e *Engine) recordSkip(ctx context.Context, task *models.Task, origin string, triggerCtx map[string]interface{}, reason string) (string, error) {
	now := time.Now().UTC()
	duration := int64(0)
	exec, err := e.store.CreateExecution(ctx, &models.Execution{
		TaskID:         task.ID,
		Status:         models.StatusSkipped,
		TriggerType:    origin,
		TriggerContext: triggerCtx,
		StartedAt:      now,
		CompletedAt:    &now,
		DurationMs:     &duration,
		Error:          reason,
	})
	if err != nil {
		return "", fmt.Errorf("persist skipped execution: %w", err)
	}

	if err := e.store.BumpCounters(ctx, task.ID, models.StatusSkipped, nil); err != nil {
		e.log.Warnf("failed to bump run_count for skipped task %s: %v", task.Name, err)
	}

	e.log.Infof("task %s skipped: %s", task.Name, reason)
	return exec.ID, nil
}

// run is the async worker: executor dispatch, terminal persistence,
// counters, then the handler / retry / dependency cascade.
func (e *Engine) run(task *models.Task, exec *models.Execution) {
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-e.baseCtx.Done():
		e.finalizeCancelled(exec)
		return
	}

	result := e.invoke(task, exec)
	final := e.finalize(task, exec, result)
	if final == nil {
		return
	}

	switch final.Status {
	case models.StatusSuccess:
		e.handlers.Run(e.baseCtx, task, final, task.OnSuccess)
		e.deps.NotifyCompleted(task.ID, final)
	case models.StatusFailure, models.StatusTimeout:
		if e.retry.ShouldRetry(task, final) {
			// The retry is the failure policy; on_failure waits for the
			// attempt budget to run out.
			e.retry.ScheduleRetry(task, final)
		} else {
			e.handlers.Run(e.baseCtx, task, final, task.OnFailure)
		}
	}
}

// invoke runs the executor and never panics the worker: a missing
// executor or an executor error becomes a failure result.
func (e *Engine) invoke(task *models.Task, exec *models.Execution) *executor.Result {
	ex, err := e.registry.Get(task.Type)
	if err != nil {
		return &executor.Result{Status: models.StatusFailure, Error: err.Error()}
	}
	result, err := ex.Execute(e.baseCtx, task, exec)
	if err != nil {
		return &executor.Result{Status: models.StatusFailure, Error: err.Error()}
	}
	return result
}

// finalize seals the execution record, merging all non-empty result
// fields, and advances the task counters exactly once.
func (e *Engine) finalize(task *models.Task, exec *models.Execution, result *executor.Result) *models.Execution {
	// Persistence outlives baseCtx so a shutdown cannot lose terminal
	// records.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	completed := time.Now().UTC()
	duration := completed.Sub(exec.StartedAt).Milliseconds()
	status := result.Status

	patch := store.ExecutionPatch{
		Status:      &status,
		CompletedAt: &completed,
		DurationMs:  &duration,
	}
	if result.ExitCode != nil {
		patch.ExitCode = result.ExitCode
	}
	if result.Error != "" {
		patch.Error = &result.Error
	}
	if result.Output != "" {
		patch.Output = &result.Output
	}
	if result.OutputTruncated {
		truncated := true
		patch.OutputTruncated = &truncated
	}
	if result.ThinkingOutput != "" {
		patch.ThinkingOutput = &result.ThinkingOutput
	}
	if len(result.ToolCalls) > 0 {
		patch.ToolCalls = result.ToolCalls
	}
	if result.SDKUsage != nil {
		patch.SDKUsage = result.SDKUsage
	}
	if result.CostUSD != nil {
		patch.CostUSD = result.CostUSD
	}

	final, err := e.store.UpdateExecution(ctx, exec.ID, patch)
	if err != nil {
		e.log.Errorf("failed to seal execution %s of task %s: %v", exec.ID, task.Name, err)
		return nil
	}

	e.bumpCounters(ctx, task.ID, status, exec.StartedAt)
	e.log.Infof("task %s finished with status %s in %dms", task.Name, status, duration)
	return final
}

func (e *Engine) finalizeCancelled(exec *models.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	completed := time.Now().UTC()
	duration := completed.Sub(exec.StartedAt).Milliseconds()
	status := models.StatusCancelled
	reason := "scheduler shutting down"
	if _, err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionPatch{
		Status:      &status,
		CompletedAt: &completed,
		DurationMs:  &duration,
		Error:       &reason,
	}); err != nil {
		e.log.Errorf("failed to cancel execution %s: %v", exec.ID, err)
	}
}

// bumpCounters increments run_count plus the outcome counter and moves
// last_run. The increment is a single store statement, so workers
// finishing the same task concurrently each count exactly once.
func (e *Engine) bumpCounters(ctx context.Context, taskID string, status models.ExecutionStatus, startedAt time.Time) {
	if err := e.store.BumpCounters(ctx, taskID, status, &startedAt); err != nil {
		e.log.Warnf("failed to update counters for task %s: %v", taskID, err)
	}
}

// CreateTask validates and persists a task, then wires it into its
// trigger source when enabled.
func (e *Engine) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if err := e.validateTrigger(ctx, task.ID, &task.Trigger); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	created, err := e.store.CreateTask(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := e.rebuildGraph(ctx); err != nil {
		e.log.Warnf("dependency graph rebuild after create: %v", err)
	}
	if created.Enabled {
		if err := e.scheduleTask(ctx, created); err != nil {
			return nil, fmt.Errorf("task created but not scheduled: %w", err)
		}
	}
	e.log.Infof("created task %s (%s, trigger %s)", created.Name, created.ID, created.Trigger.Type)
	return created, nil
}

// UpdateTask merges the patch and rewires the task when its trigger or
// enabled flag changed.
func (e *Engine) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (*models.Task, error) {
	if patch.Trigger != nil {
		if err := patch.Trigger.Validate(); err != nil {
			return nil, err
		}
		if err := e.validateTrigger(ctx, id, patch.Trigger); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := e.store.UpdateTask(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if err := e.rebuildGraph(ctx); err != nil {
		e.log.Warnf("dependency graph rebuild after update: %v", err)
	}

	rewire := patch.Trigger != nil || (patch.Enabled != nil && *patch.Enabled != old.Enabled)
	if rewire {
		e.unscheduleTask(old)
		if updated.Enabled {
			if err := e.scheduleTask(ctx, updated); err != nil {
				return nil, fmt.Errorf("task updated but not scheduled: %w", err)
			}
		}
	}
	return updated, nil
}

// DeleteTask unschedules the task and removes it with its executions.
func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	e.unscheduleTask(task)
	if err := e.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	if err := e.rebuildGraph(ctx); err != nil {
		e.log.Warnf("dependency graph rebuild after delete: %v", err)
	}
	e.log.Infof("deleted task %s (%s)", task.Name, task.ID)
	return nil
}

// GetTask returns one task.
func (e *Engine) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return e.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching the filter, newest first.
func (e *Engine) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// GetExecution returns one execution record.
func (e *Engine) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// ListExecutions returns executions matching the filter, most recently
// started first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*models.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// GetProgress snapshots the streaming fields of an in-flight execution.
func (e *Engine) GetProgress(ctx context.Context, execID string) (*store.Progress, error) {
	return e.store.GetProgress(ctx, execID)
}

// GetTaskStats returns run/duration/cost aggregates for one task.
func (e *Engine) GetTaskStats(ctx context.Context, taskID string) (*store.TaskStats, error) {
	return e.store.GetTaskStats(ctx, taskID)
}

// HandleHookEvent routes an externally-injected lifecycle event.
func (e *Engine) HandleHookEvent(ctx context.Context, event models.HookEvent, eventCtx map[string]interface{}) error {
	return e.hooks.HandleEvent(ctx, event, eventCtx)
}

// validateTrigger performs the checks that need the catalog or the cron
// parser: cron grammar, dependency resolution, and acyclicity.
func (e *Engine) validateTrigger(ctx context.Context, taskID string, tr *models.Trigger) error {
	switch tr.Type {
	case models.TriggerSchedule:
		return ValidateCron(tr.Cron, tr.Timezone)
	case models.TriggerSmartSchedule:
		if err := ValidateCron(tr.FallbackCron, tr.Timezone); err != nil {
			return models.NewValidationError("trigger.fallback_cron", err.Error())
		}
		return nil
	case models.TriggerDependency:
		return e.validateDependencies(ctx, taskID, tr)
	}
	return nil
}

func (e *Engine) validateDependencies(ctx context.Context, taskID string, tr *models.Trigger) error {
	for _, parent := range tr.DependsOn {
		if parent == taskID {
			return models.NewValidationError("trigger.depends_on", "task cannot depend on itself")
		}
		if _, err := e.store.GetTask(ctx, parent); err != nil {
			return models.NewValidationError("trigger.depends_on",
				fmt.Sprintf("parent task %s does not exist", parent))
		}
	}

	// Cycle check over the candidate catalog.
	all, err := e.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return fmt.Errorf("load tasks for cycle check: %w", err)
	}
	depTasks := make(map[string]*models.Task)
	for _, t := range all {
		if t.ID == taskID {
			candidate := *t
			candidate.Trigger = *tr
			if candidate.Trigger.Type == models.TriggerDependency {
				depTasks[t.ID] = &candidate
			}
			continue
		}
		if t.Trigger.Type == models.TriggerDependency {
			depTasks[t.ID] = t
		}
	}
	if taskID != "" {
		if _, present := depTasks[taskID]; !present {
			candidate := &models.Task{ID: taskID, Trigger: *tr}
			depTasks[taskID] = candidate
		}
	}
	return detectCycles(depTasks)
}

func (e *Engine) rebuildGraph(ctx context.Context) error {
	all, err := e.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return err
	}
	return e.deps.Rebuild(all)
}

// scheduleTask wires one enabled task into its source. Hook, dependency
// and manual triggers need no timer: the router and the graph consult
// the catalog directly.
func (e *Engine) scheduleTask(ctx context.Context, task *models.Task) error {
	switch task.Trigger.Type {
	case models.TriggerSchedule:
		return e.crons.Schedule(task, task.Trigger.Cron, task.Trigger.Timezone)
	case models.TriggerSmartSchedule:
		expr := e.smart.Resolve(ctx, task)
		return e.crons.Schedule(task, expr, task.Trigger.Timezone)
	case models.TriggerInterval:
		return e.intervals.Schedule(task)
	case models.TriggerFileWatch:
		return e.watches.Schedule(task)
	}
	return nil
}

func (e *Engine) unscheduleTask(task *models.Task) {
	switch task.Trigger.Type {
	case models.TriggerSchedule, models.TriggerSmartSchedule:
		e.crons.Unschedule(task.ID)
	case models.TriggerInterval:
		e.intervals.Unschedule(task.ID)
	case models.TriggerFileWatch:
		e.watches.Unschedule(task.ID)
	}
}

// maintenanceLoop periodically re-optimizes smart schedules whose
// cached cron expired.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
			e.refreshSmartSchedules()
		}
	}
}

func (e *Engine) refreshSmartSchedules() {
	if !e.opts.SmartScheduling {
		return
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, 2*time.Minute)
	defer cancel()

	enabled := true
	tasks, err := e.store.ListTasks(ctx, store.TaskFilter{
		Enabled:     &enabled,
		TriggerType: models.TriggerSmartSchedule,
	})
	if err != nil {
		e.log.Warnf("smart schedule sweep: %v", err)
		return
	}

	for _, task := range tasks {
		tr := task.Trigger
		if tr.LastOptimized != nil && time.Since(*tr.LastOptimized) < smartCacheTTL {
			continue
		}
		expr := e.smart.Resolve(ctx, task)
		e.mu.Lock()
		if err := e.crons.Schedule(task, expr, tr.Timezone); err != nil {
			e.log.Errorf("failed to reschedule smart task %s: %v", task.Name, err)
		}
		e.mu.Unlock()
	}
}
