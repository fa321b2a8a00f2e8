package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/ca"
	"github.com/rickar/cal/v2/de"
	"github.com/rickar/cal/v2/fr"
	"github.com/rickar/cal/v2/gb"
	"github.com/rickar/cal/v2/us"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
)

// conditionShellTimeout bounds custom-condition shell commands so a
// hung check cannot stall dispatch indefinitely.
const conditionShellTimeout = 30 * time.Second

// ConditionEvaluator is the pre-execution gate. Conditions run in a
// fixed order (time window, holidays, file checks, git state, custom
// shell comparisons) and short-circuit on the first skip.
type ConditionEvaluator struct {
	defaultTZ *time.Location
	log       logger.Logger

	// now is swappable for tests.
	now func() time.Time

	mu        sync.Mutex
	calendars map[string]*cal.Calendar
}

// NewConditionEvaluator creates an evaluator using defaultTZ for time
// windows that declare no timezone of their own.
func NewConditionEvaluator(defaultTZ *time.Location, log logger.Logger) *ConditionEvaluator {
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	return &ConditionEvaluator{
		defaultTZ: defaultTZ,
		log:       logger.OrNop(log),
		now:       time.Now,
		calendars: make(map[string]*cal.Calendar),
	}
}

// Evaluate reports whether the task should be skipped, and why. A task
// with no conditions always proceeds.
func (ce *ConditionEvaluator) Evaluate(ctx context.Context, task *models.Task) (skip bool, reason string) {
	cond := task.Conditions
	if cond == nil {
		return false, ""
	}

	if cond.TimeWindow != nil {
		if ok, why := ce.inTimeWindow(cond.TimeWindow); !ok {
			return true, why
		}
	}

	if cond.SkipHolidays != nil {
		if holiday := ce.todaysHoliday(cond.SkipHolidays.Region); holiday != "" {
			return true, fmt.Sprintf("today is a holiday (%s)", holiday)
		}
	}

	if cond.OnlyIfFileExists != "" {
		if _, err := os.Stat(cond.OnlyIfFileExists); err != nil {
			return true, fmt.Sprintf("required file %s does not exist", cond.OnlyIfFileExists)
		}
	}
	if cond.SkipIfFileExists != "" {
		if _, err := os.Stat(cond.SkipIfFileExists); err == nil {
			return true, fmt.Sprintf("file %s exists", cond.SkipIfFileExists)
		}
	}

	if cond.OnlyIfGitDirty {
		if !ce.gitDirty(ctx, task.Config.WorkingDir) {
			return true, "working tree is clean"
		}
	}

	if cond.SkipIf != nil {
		if ce.customHolds(ctx, cond.SkipIf, task) {
			return true, fmt.Sprintf("skip_if condition met: %s %s %s",
				cond.SkipIf.Command, cond.SkipIf.Operator, cond.SkipIf.Value)
		}
	}
	if cond.OnlyIf != nil {
		if !ce.customHolds(ctx, cond.OnlyIf, task) {
			return true, fmt.Sprintf("only_if condition not met: %s %s %s",
				cond.OnlyIf.Command, cond.OnlyIf.Operator, cond.OnlyIf.Value)
		}
	}

	return false, ""
}

// inTimeWindow checks the current minute-of-day against [start, end]
// inclusive. Start > end denotes an overnight window.
func (ce *ConditionEvaluator) inTimeWindow(w *models.TimeWindow) (bool, string) {
	loc := ce.defaultTZ
	if w.Timezone != "" {
		l, err := time.LoadLocation(w.Timezone)
		if err != nil {
			ce.log.Warnf("time window: unknown timezone %q, using default", w.Timezone)
		} else {
			loc = l
		}
	}

	start, err := parseClock(w.Start)
	if err != nil {
		ce.log.Warnf("time window: %v, condition ignored", err)
		return true, ""
	}
	end, err := parseClock(w.End)
	if err != nil {
		ce.log.Warnf("time window: %v, condition ignored", err)
		return true, ""
	}

	now := ce.now().In(loc)
	minute := now.Hour()*60 + now.Minute()

	var inside bool
	if start <= end {
		inside = minute >= start && minute <= end
	} else {
		// Overnight: [start, midnight) ∪ [midnight, end].
		inside = minute >= start || minute <= end
	}
	if !inside {
		return false, fmt.Sprintf("outside time window %s-%s", w.Start, w.End)
	}
	return true, ""
}

// parseClock converts "HH:MM" to a minute-of-day.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*60 + m, nil
}

// todaysHoliday returns the holiday name when today is a listed holiday
// of the region, else "". Unknown regions log a warning and never skip.
func (ce *ConditionEvaluator) todaysHoliday(region string) string {
	c := ce.calendarFor(region)
	if c == nil {
		ce.log.Warnf("holiday skip: no calendar for region %q, condition ignored", region)
		return ""
	}
	actual, observed, holiday := c.IsHoliday(ce.now())
	if (actual || observed) && holiday != nil {
		return holiday.Name
	}
	return ""
}

// calendarFor builds (and caches) the holiday calendar for a region.
func (ce *ConditionEvaluator) calendarFor(region string) *cal.Calendar {
	key := strings.ToUpper(region)

	ce.mu.Lock()
	defer ce.mu.Unlock()
	if c, ok := ce.calendars[key]; ok {
		return c
	}

	var holidays []*cal.Holiday
	switch key {
	case "US":
		holidays = us.Holidays
	case "GB", "UK":
		holidays = gb.Holidays
	case "DE":
		holidays = de.Holidays
	case "FR":
		holidays = fr.Holidays
	case "CA":
		holidays = ca.Holidays
	default:
		return nil
	}

	c := &cal.Calendar{Name: key}
	c.AddHoliday(holidays...)
	ce.calendars[key] = c
	return c
}

// gitDirty reports whether the working tree at dir has uncommitted
// changes. Any git failure is treated as a clean tree.
func (ce *ConditionEvaluator) gitDirty(ctx context.Context, dir string) bool {
	runCtx, cancel := context.WithTimeout(ctx, conditionShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}

// customHolds runs the condition's shell command and compares its
// trimmed stdout against the expected value. Shell failure means the
// comparison is false.
func (ce *ConditionEvaluator) customHolds(ctx context.Context, cc *models.CustomCondition, task *models.Task) bool {
	runCtx, cancel := context.WithTimeout(ctx, conditionShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cc.Command)
	cmd.Dir = task.Config.WorkingDir
	out, err := cmd.Output()
	if err != nil {
		ce.log.Debugf("condition command failed (%v), treating comparison as false", err)
		return false
	}
	return compare(strings.TrimSpace(string(out)), cc.Operator, cc.Value)
}

// compare applies the condition operator. Ordering operators coerce
// both sides to numbers; a coercion failure makes the comparison false.
// Equality operators fall back to string comparison when either side is
// non-numeric.
func compare(got, op, want string) bool {
	gn, gerr := strconv.ParseFloat(got, 64)
	wn, werr := strconv.ParseFloat(want, 64)
	numeric := gerr == nil && werr == nil

	switch op {
	case "==":
		if numeric {
			return gn == wn
		}
		return got == want
	case "!=":
		if numeric {
			return gn != wn
		}
		return got != want
	case "<":
		return numeric && gn < wn
	case "<=":
		return numeric && gn <= wn
	case ">":
		return numeric && gn > wn
	case ">=":
		return numeric && gn >= wn
	}
	return false
}
