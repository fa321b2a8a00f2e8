package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

// IntervalSource drives interval-triggered tasks: an optional wait
// until the configured start, one immediate fire, then a steady tick
// every interval. Unscheduling during the initial delay cancels the
// task before it ever fires.
type IntervalSource struct {
	dispatcher Dispatcher
	store      store.Store
	log        logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewIntervalSource creates an interval source.
func NewIntervalSource(d Dispatcher, st store.Store, log logger.Logger) *IntervalSource {
	return &IntervalSource{
		dispatcher: d,
		store:      st,
		log:        logger.OrNop(log),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Schedule wires the task's interval loop, replacing any existing one.
func (is *IntervalSource) Schedule(task *models.Task) error {
	every, err := models.ParseDuration(task.Trigger.Every)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	var initialDelay time.Duration
	if task.Trigger.Start != nil {
		if d := time.Until(*task.Trigger.Start); d > 0 {
			initialDelay = d
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	is.mu.Lock()
	if old, ok := is.cancels[task.ID]; ok {
		old()
	}
	is.cancels[task.ID] = cancel
	is.mu.Unlock()

	is.recordNextRun(task.ID, time.Now().Add(initialDelay))

	is.wg.Add(1)
	go is.run(ctx, task.ID, task.Name, initialDelay, every)
	return nil
}

// Unschedule cancels the task's loop, whichever timer is armed, and
// clears next_run.
func (is *IntervalSource) Unschedule(taskID string) {
	is.mu.Lock()
	cancel, ok := is.cancels[taskID]
	if ok {
		delete(is.cancels, taskID)
	}
	is.mu.Unlock()

	if !ok {
		return
	}
	cancel()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	if _, err := is.store.UpdateTask(ctx, taskID, store.TaskPatch{ClearNextRun: true}); err != nil {
		is.log.Warnf("failed to clear next_run for task %s: %v", taskID, err)
	}
}

// Stop cancels every loop and waits for them to exit.
func (is *IntervalSource) Stop() {
	is.mu.Lock()
	for id, cancel := range is.cancels {
		cancel()
		delete(is.cancels, id)
	}
	is.mu.Unlock()
	is.wg.Wait()
}

func (is *IntervalSource) run(ctx context.Context, taskID, taskName string, initialDelay, every time.Duration) {
	defer is.wg.Done()

	if initialDelay > 0 {
		timer := time.NewTimer(initialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	is.fire(ctx, taskID, taskName, every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			is.fire(ctx, taskID, taskName, every)
		}
	}
}

func (is *IntervalSource) fire(ctx context.Context, taskID, taskName string, every time.Duration) {
	if ctx.Err() != nil {
		return
	}
	is.recordNextRun(taskID, time.Now().Add(every))

	dispatchCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := is.dispatcher.Dispatch(dispatchCtx, taskID, models.OriginInterval, nil); err != nil {
		is.log.Errorf("interval dispatch of task %s failed: %v", taskName, err)
	}
}

func (is *IntervalSource) recordNextRun(taskID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	next := at.UTC()
	if _, err := is.store.UpdateTask(ctx, taskID, store.TaskPatch{NextRun: &next}); err != nil {
		is.log.Warnf("failed to record next_run for task %s: %v", taskID, err)
	}
}
