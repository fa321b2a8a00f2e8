package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
)

// DependencyGraph tracks dependency-triggered tasks: reverse adjacency
// from each parent to its dependents, plus per-dependent join state.
// The graph is rebuilt from the full catalog on every mutation; join
// state survives rebuilds for tasks that remain in the catalog.
type DependencyGraph struct {
	dispatcher Dispatcher
	log        logger.Logger

	mu         sync.Mutex
	dependents map[string][]string     // parent id -> dependent ids
	tasks      map[string]*models.Task // dependency-triggered tasks
	state      map[string]*dependentJoinState
	now        func() time.Time
}

type dependentJoinState struct {
	completed map[string]struct{}
	lastFired time.Time
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph(d Dispatcher, log logger.Logger) *DependencyGraph {
	return &DependencyGraph{
		dispatcher: d,
		log:        logger.OrNop(log),
		dependents: make(map[string][]string),
		tasks:      make(map[string]*models.Task),
		state:      make(map[string]*dependentJoinState),
		now:        time.Now,
	}
}

// Rebuild replaces the graph with one derived from the full task set.
// It fails on a dangling parent reference or a dependency cycle, in
// which case the previous graph is kept.
func (dg *DependencyGraph) Rebuild(tasks []*models.Task) error {
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	dependents := make(map[string][]string)
	depTasks := make(map[string]*models.Task)
	for _, t := range tasks {
		if t.Trigger.Type != models.TriggerDependency {
			continue
		}
		for _, parent := range t.Trigger.DependsOn {
			if _, ok := byID[parent]; !ok {
				return models.NewValidationError("trigger.depends_on",
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, parent))
			}
			dependents[parent] = append(dependents[parent], t.ID)
		}
		depTasks[t.ID] = t
	}

	if err := detectCycles(depTasks); err != nil {
		return err
	}

	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.dependents = dependents
	dg.tasks = depTasks

	// Drop join state for tasks that left the catalog; keep the rest.
	for id := range dg.state {
		if _, ok := depTasks[id]; !ok {
			delete(dg.state, id)
		}
	}
	return nil
}

// detectCycles runs a three-color DFS over the depends_on edges of the
// dependency-triggered tasks. Edges into non-dependency tasks are
// leaves and cannot extend a cycle.
func detectCycles(depTasks map[string]*models.Task) error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(depTasks))

	var visit func(id string) error
	visit = func(id string) error {
		task, ok := depTasks[id]
		if !ok {
			return nil
		}
		switch color[id] {
		case gray:
			return models.NewValidationError("trigger.depends_on",
				fmt.Sprintf("dependency cycle through task %s", id))
		case black:
			return nil
		}
		color[id] = gray
		for _, parent := range task.Trigger.DependsOn {
			if err := visit(parent); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range depTasks {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// NotifyCompleted advances the join state of every dependent of
// parentID. Only successful parent executions propagate; failed parents
// never advance dependents.
func (dg *DependencyGraph) NotifyCompleted(parentID string, exec *models.Execution) {
	if exec.Status != models.StatusSuccess {
		return
	}

	type pendingFire struct {
		taskID   string
		taskName string
	}
	var fires []pendingFire

	dg.mu.Lock()
	for _, depID := range dg.dependents[parentID] {
		task, ok := dg.tasks[depID]
		if !ok || !task.Enabled {
			continue
		}

		st := dg.state[depID]
		if st == nil {
			st = &dependentJoinState{completed: make(map[string]struct{})}
			dg.state[depID] = st
		}
		st.completed[parentID] = struct{}{}

		if !joinSatisfied(task.Trigger, st.completed) {
			continue
		}

		// Debounce suppresses the fire but keeps the join state, so the
		// next parent completion re-checks.
		if d := task.Trigger.DebounceDuration(); d > 0 && dg.now().Sub(st.lastFired) < d {
			continue
		}

		st.completed = make(map[string]struct{})
		st.lastFired = dg.now()
		fires = append(fires, pendingFire{taskID: depID, taskName: task.Name})
	}
	dg.mu.Unlock()

	for _, f := range fires {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := dg.dispatcher.Dispatch(ctx, f.taskID, models.OriginDependency, map[string]interface{}{
			"triggered_by": parentID,
			"execution_id": exec.ID,
		})
		cancel()
		if err != nil {
			dg.log.Errorf("dependency dispatch of task %s failed: %v", f.taskName, err)
		}
	}
}

// joinSatisfied evaluates the trigger's join predicate against the set
// of completed parents. The default predicate is require-all.
func joinSatisfied(tr models.Trigger, completed map[string]struct{}) bool {
	if tr.Require == models.RequireAny {
		return len(completed) > 0
	}
	for _, parent := range tr.DependsOn {
		if _, ok := completed[parent]; !ok {
			return false
		}
	}
	return true
}
