package models

import (
	"fmt"
	"regexp"
	"time"
)

// TriggerType discriminates the trigger variant wired to a task.
type TriggerType string

const (
	TriggerSchedule      TriggerType = "schedule"
	TriggerInterval      TriggerType = "interval"
	TriggerFileWatch     TriggerType = "file_watch"
	TriggerHook          TriggerType = "hook"
	TriggerDependency    TriggerType = "dependency"
	TriggerManual        TriggerType = "manual"
	TriggerSmartSchedule TriggerType = "smart_schedule"
)

// Join predicates for dependency triggers.
const (
	RequireAll = "all"
	RequireAny = "any"
)

// Trigger is the tagged variant describing what fires a task. Which
// fields are meaningful depends on Type.
type Trigger struct {
	Type TriggerType `json:"type"`

	// schedule
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// interval
	Every string     `json:"every,omitempty"` // ^\d+[smhd]$
	Start *time.Time `json:"start,omitempty"`

	// file_watch
	Path    string `json:"path,omitempty"`
	Pattern string `json:"pattern,omitempty"` // glob on basename

	// hook
	Event      HookEvent       `json:"event,omitempty"`
	Matcher    string          `json:"matcher,omitempty"` // regex on tool_name
	Conditions *HookConditions `json:"conditions,omitempty"`

	// hook, file_watch, dependency
	Debounce string `json:"debounce,omitempty"` // ^\d+[smhd]$

	// dependency
	DependsOn []string `json:"depends_on,omitempty"`
	Require   string   `json:"require,omitempty"` // "all" (default) | "any"

	// manual
	Reason string `json:"reason,omitempty"`

	// smart_schedule
	Description   string                 `json:"description,omitempty"`
	Constraints   map[string]interface{} `json:"constraints,omitempty"`
	FallbackCron  string                 `json:"fallback_cron,omitempty"`
	ComputedCron  string                 `json:"computed_cron,omitempty"`
	LastOptimized *time.Time             `json:"last_optimized,omitempty"`
}

// HookConditions narrow which hook events match a hook-triggered task.
// A condition whose input is absent from the event context is satisfied.
type HookConditions struct {
	Source        []string `json:"source,omitempty"`
	FilePattern   string   `json:"file_pattern,omitempty"` // regex, full match
	ToolNames     []string `json:"tool_names,omitempty"`
	SubagentNames []string `json:"subagent_names,omitempty"`
}

// HookEvent names an externally-injected lifecycle event. The set is
// closed; unknown names are rejected at the catalog edge.
type HookEvent string

const (
	HookSessionStart     HookEvent = "SessionStart"
	HookSessionEnd       HookEvent = "SessionEnd"
	HookPreToolUse       HookEvent = "PreToolUse"
	HookPostToolUse      HookEvent = "PostToolUse"
	HookUserPromptSubmit HookEvent = "UserPromptSubmit"
	HookNotification     HookEvent = "Notification"
	HookStop             HookEvent = "Stop"
	HookSubagentStop     HookEvent = "SubagentStop"
	HookPreCompact       HookEvent = "PreCompact"
)

// ValidHookEvents lists every recognized hook event name.
var ValidHookEvents = []HookEvent{
	HookSessionStart,
	HookSessionEnd,
	HookPreToolUse,
	HookPostToolUse,
	HookUserPromptSubmit,
	HookNotification,
	HookStop,
	HookSubagentStop,
	HookPreCompact,
}

// IsValid reports whether e is one of the recognized hook events.
func (e HookEvent) IsValid() bool {
	for _, v := range ValidHookEvents {
		if e == v {
			return true
		}
	}
	return false
}

// DebounceDuration returns the parsed debounce window, or zero when none
// is configured.
func (tr *Trigger) DebounceDuration() time.Duration {
	if tr.Debounce == "" {
		return 0
	}
	d, err := ParseDuration(tr.Debounce)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks the trigger variant for structural correctness. Cron
// grammar is validated at schedule time by the source that owns the
// parser.
func (tr *Trigger) Validate() error {
	switch tr.Type {
	case TriggerSchedule:
		if tr.Cron == "" {
			return NewValidationError("trigger.cron", "schedule trigger requires a cron expression")
		}
		if tr.Timezone != "" {
			if _, err := time.LoadLocation(tr.Timezone); err != nil {
				return NewValidationError("trigger.timezone", fmt.Sprintf("unknown timezone %q", tr.Timezone))
			}
		}
	case TriggerInterval:
		if tr.Every == "" {
			return NewValidationError("trigger.every", "interval trigger requires an interval")
		}
		if _, err := ParseDuration(tr.Every); err != nil {
			return NewValidationError("trigger.every", err.Error())
		}
	case TriggerFileWatch:
		if tr.Path == "" {
			return NewValidationError("trigger.path", "file_watch trigger requires a path")
		}
	case TriggerHook:
		if !tr.Event.IsValid() {
			return NewValidationError("trigger.event", fmt.Sprintf("unknown hook event %q", tr.Event))
		}
		if tr.Matcher != "" {
			if _, err := regexp.Compile(tr.Matcher); err != nil {
				return NewValidationError("trigger.matcher", fmt.Sprintf("invalid matcher regex: %v", err))
			}
		}
		if tr.Conditions != nil && tr.Conditions.FilePattern != "" {
			if _, err := regexp.Compile(tr.Conditions.FilePattern); err != nil {
				return NewValidationError("trigger.conditions.file_pattern", fmt.Sprintf("invalid file pattern regex: %v", err))
			}
		}
	case TriggerDependency:
		if len(tr.DependsOn) == 0 {
			return NewValidationError("trigger.depends_on", "dependency trigger requires at least one parent task")
		}
		switch tr.Require {
		case "", RequireAll, RequireAny:
		default:
			return NewValidationError("trigger.require", fmt.Sprintf("unknown join predicate %q", tr.Require))
		}
	case TriggerManual:
		// No required fields.
	case TriggerSmartSchedule:
		if tr.Description == "" {
			return NewValidationError("trigger.description", "smart_schedule trigger requires a description")
		}
		if tr.FallbackCron == "" {
			return NewValidationError("trigger.fallback_cron", "smart_schedule trigger requires a fallback cron")
		}
	default:
		return NewValidationError("trigger.type", fmt.Sprintf("unknown trigger type %q", tr.Type))
	}
	if tr.Debounce != "" {
		if _, err := ParseDuration(tr.Debounce); err != nil {
			return NewValidationError("trigger.debounce", err.Error())
		}
	}
	return nil
}
