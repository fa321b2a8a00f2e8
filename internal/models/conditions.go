package models

import "fmt"

// Conditions is the optional pre-execution gate set. Conditions are
// evaluated in a fixed order (time window, holidays, file checks, git
// state, custom shell comparisons) and short-circuit on the first skip.
type Conditions struct {
	TimeWindow       *TimeWindow      `json:"time_window,omitempty"`
	SkipHolidays     *HolidaySkip     `json:"skip_holidays,omitempty"`
	OnlyIfFileExists string           `json:"only_if_file_exists,omitempty"`
	SkipIfFileExists string           `json:"skip_if_file_exists,omitempty"`
	OnlyIfGitDirty   bool             `json:"only_if_git_dirty,omitempty"`
	SkipIf           *CustomCondition `json:"skip_if,omitempty"`
	OnlyIf           *CustomCondition `json:"only_if,omitempty"`
}

// TimeWindow restricts execution to [Start, End] inclusive, minute
// granularity, in Timezone. Start > End denotes an overnight window.
type TimeWindow struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone,omitempty"`
}

// HolidaySkip skips execution on listed holidays of a named region.
type HolidaySkip struct {
	Region string `json:"region"` // ISO country code, e.g. "US", "GB", "DE"
}

// CustomCondition runs a shell command and compares its trimmed stdout
// against Value using Operator. Numeric operators coerce both sides.
type CustomCondition struct {
	Command  string `json:"command"`
	Operator string `json:"operator"` // == != < <= > >=
	Value    string `json:"value"`
}

// ValidOperators lists the comparison operators accepted by custom
// conditions.
var ValidOperators = []string{"==", "!=", "<", "<=", ">", ">="}

// Validate checks the condition set for structural correctness.
func (c *Conditions) Validate() error {
	if c.TimeWindow != nil {
		if c.TimeWindow.Start == "" || c.TimeWindow.End == "" {
			return NewValidationError("conditions.time_window", "time window requires start and end")
		}
	}
	if c.SkipHolidays != nil && c.SkipHolidays.Region == "" {
		return NewValidationError("conditions.skip_holidays", "holiday skip requires a region")
	}
	for name, cc := range map[string]*CustomCondition{"skip_if": c.SkipIf, "only_if": c.OnlyIf} {
		if cc == nil {
			continue
		}
		if cc.Command == "" {
			return NewValidationError("conditions."+name, "custom condition requires a command")
		}
		valid := false
		for _, op := range ValidOperators {
			if cc.Operator == op {
				valid = true
				break
			}
		}
		if !valid {
			return NewValidationError("conditions."+name, fmt.Sprintf("unknown operator %q", cc.Operator))
		}
	}
	return nil
}
