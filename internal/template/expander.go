// Package template expands {{var}} placeholders in handler paths,
// notification messages, webhook URLs, and shell command text against a
// fixed variable set drawn from the task, the execution, and the wall
// clock. Unknown placeholders are left literal.
package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrison/claudecron/internal/models"
)

// Expand substitutes the recognized placeholders in tmpl. Task and
// execution may be nil; their placeholders then expand to "unknown".
func Expand(tmpl string, task *models.Task, exec *models.Execution) string {
	return ExpandAt(tmpl, task, exec, time.Now())
}

// ExpandAt is Expand with an explicit clock, for tests.
func ExpandAt(tmpl string, task *models.Task, exec *models.Execution, now time.Time) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	_, week := now.ISOWeek()

	vars := map[string]string{
		"date":        now.Format("2006-01-02"),
		"year":        now.Format("2006"),
		"month":       now.Format("01"),
		"day":         now.Format("02"),
		"hour":        now.Format("15"),
		"minute":      now.Format("04"),
		"second":      now.Format("05"),
		"timestamp":   fmt.Sprintf("%d", now.Unix()),
		"week_number": fmt.Sprintf("%d", week),
		"datetime":    now.Format("2006-01-02_15-04-05"),
		"date_hour":   now.Format("2006-01-02_15"),

		"task_id":   "unknown",
		"task_name": "unknown",
		"task_type": "unknown",

		"execution_id": "unknown",
		"status":       "unknown",
		"trigger_type": "unknown",
	}

	if task != nil {
		vars["task_id"] = task.ID
		vars["task_name"] = task.Name
		vars["task_type"] = string(task.Type)
	}
	if exec != nil {
		vars["execution_id"] = exec.ID
		vars["status"] = string(exec.Status)
		vars["trigger_type"] = exec.TriggerType
	}

	out := tmpl
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
