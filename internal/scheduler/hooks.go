package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

// sessionIDEnv carries the ambient session id used to enrich hook
// events that arrive without one.
const sessionIDEnv = "CLAUDE_SESSION_ID"

// HookRouter is the sole entry point for externally-injected lifecycle
// events. It enriches the event context, matches hook-triggered tasks
// by event, matcher regex, and conditions, and debounces per
// (task, event) key with trailing-edge semantics.
type HookRouter struct {
	dispatcher Dispatcher
	store      store.Store
	log        logger.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewHookRouter creates a hook router backed by the task catalog in st.
func NewHookRouter(d Dispatcher, st store.Store, log logger.Logger) *HookRouter {
	return &HookRouter{
		dispatcher: d,
		store:      st,
		log:        logger.OrNop(log),
		timers:     make(map[string]*time.Timer),
	}
}

// Stop cancels all pending debounce timers.
func (hr *HookRouter) Stop() {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	for key, timer := range hr.timers {
		timer.Stop()
		delete(hr.timers, key)
	}
}

// HandleEvent routes one lifecycle event to every matching
// hook-triggered task. Unknown event names are rejected.
func (hr *HookRouter) HandleEvent(ctx context.Context, event models.HookEvent, eventCtx map[string]interface{}) error {
	if !event.IsValid() {
		return models.NewValidationError("event", fmt.Sprintf("unknown hook event %q", event))
	}

	enriched := hr.enrich(ctx, event, eventCtx)

	enabled := true
	tasks, err := hr.store.ListTasks(ctx, store.TaskFilter{
		Enabled:     &enabled,
		TriggerType: models.TriggerHook,
		HookEvent:   event,
	})
	if err != nil {
		return fmt.Errorf("list hook tasks: %w", err)
	}

	for _, task := range tasks {
		if !matchesHook(&task.Trigger, enriched) {
			continue
		}
		hr.fireDebounced(task, event, enriched)
	}
	return nil
}

// enrich fills in session_id and timestamp, and for tool-use events
// with a file path attempts to attach git_branch and git_dirty.
// Enrichment failures are non-fatal and leave fields unset.
func (hr *HookRouter) enrich(ctx context.Context, event models.HookEvent, eventCtx map[string]interface{}) map[string]interface{} {
	enriched := make(map[string]interface{}, len(eventCtx)+4)
	for k, v := range eventCtx {
		enriched[k] = v
	}

	if _, ok := enriched["session_id"]; !ok {
		if sid := os.Getenv(sessionIDEnv); sid != "" {
			enriched["session_id"] = sid
		} else {
			enriched["session_id"] = "unknown"
		}
	}
	if _, ok := enriched["timestamp"]; !ok {
		enriched["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	if event == models.HookPreToolUse || event == models.HookPostToolUse {
		if _, ok := stringField(enriched, "file_path"); ok {
			if branch, err := gitBranch(ctx); err == nil {
				enriched["git_branch"] = branch
				enriched["git_dirty"] = gitTreeDirty(ctx)
			}
		}
	}
	return enriched
}

// fireDebounced dispatches immediately when no debounce is configured;
// otherwise it re-arms the (task, event) timer so only the trailing
// event of a burst fires.
func (hr *HookRouter) fireDebounced(task *models.Task, event models.HookEvent, enriched map[string]interface{}) {
	debounce := task.Trigger.DebounceDuration()
	if debounce <= 0 {
		hr.fire(task.ID, task.Name, event, enriched)
		return
	}

	key := task.ID + "|" + string(event)
	taskID, taskName := task.ID, task.Name

	hr.mu.Lock()
	defer hr.mu.Unlock()
	if timer, ok := hr.timers[key]; ok {
		timer.Stop()
	}
	hr.timers[key] = time.AfterFunc(debounce, func() {
		hr.mu.Lock()
		delete(hr.timers, key)
		hr.mu.Unlock()
		hr.fire(taskID, taskName, event, enriched)
	})
}

func (hr *HookRouter) fire(taskID, taskName string, event models.HookEvent, enriched map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := hr.dispatcher.Dispatch(ctx, taskID, models.HookOrigin(event), enriched); err != nil {
		hr.log.Errorf("hook dispatch of task %s failed: %v", taskName, err)
	}
}

// matchesHook applies the trigger's matcher regex and conditions to the
// enriched event context. A condition whose input is absent from the
// context is satisfied.
func matchesHook(tr *models.Trigger, eventCtx map[string]interface{}) bool {
	if tr.Matcher != "" {
		if toolName, ok := stringField(eventCtx, "tool_name"); ok {
			re, err := regexp.Compile(tr.Matcher)
			if err != nil || !re.MatchString(toolName) {
				return false
			}
		}
	}

	cond := tr.Conditions
	if cond == nil {
		return true
	}

	if len(cond.Source) > 0 {
		if source, ok := stringField(eventCtx, "source"); ok && !containsString(cond.Source, source) {
			return false
		}
	}
	if cond.FilePattern != "" {
		if filePath, ok := stringField(eventCtx, "file_path"); ok {
			re, err := regexp.Compile("^(?:" + cond.FilePattern + ")$")
			if err != nil || !re.MatchString(filePath) {
				return false
			}
		}
	}
	if len(cond.ToolNames) > 0 {
		if toolName, ok := stringField(eventCtx, "tool_name"); ok && !containsString(cond.ToolNames, toolName) {
			return false
		}
	}
	if len(cond.SubagentNames) > 0 {
		if name, ok := stringField(eventCtx, "subagent_name"); ok && !containsString(cond.SubagentNames, name) {
			return false
		}
	}
	return true
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func gitBranch(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(runCtx, "git", "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func gitTreeDirty(ctx context.Context) bool {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(runCtx, "git", "status", "--porcelain").Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}
