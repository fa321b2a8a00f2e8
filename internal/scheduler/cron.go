package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

// cronParser accepts standard 5-field expressions, 6-field expressions
// with a leading seconds column, and @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron checks expr against the cron grammar, optionally in tz.
// Invalid expressions are a hard error at schedule time.
func ValidateCron(expr, tz string) error {
	spec, err := cronSpec(expr, tz)
	if err != nil {
		return err
	}
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// cronSpec prefixes the expression with the CRON_TZ directive the
// parser understands.
func cronSpec(expr, tz string) (string, error) {
	if tz == "" {
		return expr, nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("unknown timezone %q", tz)
	}
	return "CRON_TZ=" + tz + " " + expr, nil
}

// cronEntry is the per-task record of a live schedule.
type cronEntry struct {
	id    cron.EntryID
	sched cron.Schedule
}

// CronSource drives schedule-triggered (and resolved smart_schedule)
// tasks off a shared cron runner. Each scheduled task owns one entry;
// the source maintains next_run bookkeeping in the store.
type CronSource struct {
	dispatcher Dispatcher
	store      store.Store
	log        logger.Logger

	defaultTZ *time.Location

	mu      sync.Mutex
	runner  *cron.Cron
	entries map[string]cronEntry
}

// NewCronSource creates a cron source running in defaultTZ for tasks
// that declare no timezone.
func NewCronSource(d Dispatcher, st store.Store, log logger.Logger, defaultTZ *time.Location) *CronSource {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	return &CronSource{
		dispatcher: d,
		store:      st,
		log:        logger.OrNop(log),
		defaultTZ:  defaultTZ,
		runner:     cron.New(cron.WithParser(cronParser), cron.WithLocation(defaultTZ)),
		entries:    make(map[string]cronEntry),
	}
}

// Start begins firing entries. Safe to call before or after Schedule.
func (cs *CronSource) Start() {
	cs.runner.Start()
}

// Stop cancels all timers and waits for in-flight entry callbacks to
// drain. Entry callbacks only dispatch, so the drain is short.
func (cs *CronSource) Stop() {
	<-cs.runner.Stop().Done()
}

// Schedule wires the task to expr in tz, replacing any existing entry,
// and records next_run on the task.
func (cs *CronSource) Schedule(task *models.Task, expr, tz string) error {
	// A parsed spec without a CRON_TZ directive runs in server-local
	// time; pin it to the configured default instead.
	if tz == "" {
		tz = cs.defaultTZ.String()
	}
	spec, err := cronSpec(expr, tz)
	if err != nil {
		return err
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	taskID, taskName := task.ID, task.Name

	cs.mu.Lock()
	if old, ok := cs.entries[taskID]; ok {
		cs.runner.Remove(old.id)
		delete(cs.entries, taskID)
	}
	id := cs.runner.Schedule(sched, cron.FuncJob(func() {
		cs.fire(taskID, taskName)
	}))
	cs.entries[taskID] = cronEntry{id: id, sched: sched}
	cs.mu.Unlock()

	cs.writeNextRun(taskID, sched)
	cs.log.Debugf("scheduled task %s (%s) with cron %q", taskName, taskID, expr)
	return nil
}

// Unschedule removes the task's entry and clears next_run.
func (cs *CronSource) Unschedule(taskID string) {
	cs.mu.Lock()
	entry, ok := cs.entries[taskID]
	if ok {
		cs.runner.Remove(entry.id)
		delete(cs.entries, taskID)
	}
	cs.mu.Unlock()

	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cs.store.UpdateTask(ctx, taskID, store.TaskPatch{ClearNextRun: true}); err != nil {
		cs.log.Warnf("failed to clear next_run for task %s: %v", taskID, err)
	}
}

// fire dispatches one tick and refreshes next_run.
func (cs *CronSource) fire(taskID, taskName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := cs.dispatcher.Dispatch(ctx, taskID, models.OriginScheduled, nil); err != nil {
		cs.log.Errorf("cron dispatch of task %s failed: %v", taskName, err)
	}

	cs.mu.Lock()
	entry, ok := cs.entries[taskID]
	cs.mu.Unlock()
	if ok {
		cs.writeNextRun(taskID, entry.sched)
	}
}

func (cs *CronSource) writeNextRun(taskID string, sched cron.Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	next := sched.Next(time.Now()).UTC()
	if _, err := cs.store.UpdateTask(ctx, taskID, store.TaskPatch{NextRun: &next}); err != nil {
		cs.log.Warnf("failed to record next_run for task %s: %v", taskID, err)
	}
}
