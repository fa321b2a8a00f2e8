// Package display renders tasks and executions for the CLI. All
// functions accept io.Writer so command output stays testable.
package display

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

var (
	successColor = color.New(color.FgGreen)
	failureColor = color.New(color.FgRed)
	runningColor = color.New(color.FgYellow)
	skippedColor = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

// StatusLabel colorizes an execution status for terminal output.
func StatusLabel(status models.ExecutionStatus) string {
	switch status {
	case models.StatusSuccess:
		return successColor.Sprint(string(status))
	case models.StatusFailure, models.StatusTimeout, models.StatusCancelled:
		return failureColor.Sprint(string(status))
	case models.StatusRunning, models.StatusPending:
		return runningColor.Sprint(string(status))
	case models.StatusSkipped:
		return skippedColor.Sprint(string(status))
	default:
		return string(status)
	}
}

// TriggerSummary renders a trigger as a one-line description.
func TriggerSummary(tr models.Trigger) string {
	switch tr.Type {
	case models.TriggerSchedule:
		if tr.Timezone != "" {
			return fmt.Sprintf("schedule %s (%s)", tr.Cron, tr.Timezone)
		}
		return "schedule " + tr.Cron
	case models.TriggerInterval:
		return "every " + tr.Every
	case models.TriggerFileWatch:
		if tr.Pattern != "" {
			return fmt.Sprintf("watch %s (%s)", tr.Path, tr.Pattern)
		}
		return "watch " + tr.Path
	case models.TriggerHook:
		return "hook " + string(tr.Event)
	case models.TriggerDependency:
		join := tr.Require
		if join == "" {
			join = models.RequireAll
		}
		return fmt.Sprintf("after %s of [%s]", join, strings.Join(tr.DependsOn, ", "))
	case models.TriggerSmartSchedule:
		if tr.ComputedCron != "" {
			return "smart " + tr.ComputedCron
		}
		return "smart (fallback " + tr.FallbackCron + ")"
	default:
		return string(tr.Type)
	}
}

// TaskList writes a task table: id, name, type, trigger, state, counters.
func TaskList(w io.Writer, tasks []*models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tTRIGGER\tENABLED\tRUNS\tOK\tFAIL\tNEXT RUN")
	for _, task := range tasks {
		next := "-"
		if task.NextRun != nil {
			next = task.NextRun.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%d\t%d\t%d\t%s\n",
			shortID(task.ID), task.Name, task.Type, TriggerSummary(task.Trigger),
			task.Enabled, task.RunCount, task.SuccessCount, task.FailureCount, next)
	}
	tw.Flush()
}

// TaskDetail writes the full record of one task.
func TaskDetail(w io.Writer, task *models.Task) {
	fmt.Fprintf(w, "Task:      %s\n", task.Name)
	fmt.Fprintf(w, "ID:        %s\n", task.ID)
	if task.Description != "" {
		fmt.Fprintf(w, "About:     %s\n", task.Description)
	}
	fmt.Fprintf(w, "Type:      %s\n", task.Type)
	fmt.Fprintf(w, "Trigger:   %s\n", TriggerSummary(task.Trigger))
	fmt.Fprintf(w, "Enabled:   %v\n", task.Enabled)
	fmt.Fprintf(w, "Runs:      %d (%d ok, %d failed)\n", task.RunCount, task.SuccessCount, task.FailureCount)
	if task.LastRun != nil {
		fmt.Fprintf(w, "Last run:  %s\n", task.LastRun.Local().Format(time.RFC3339))
	}
	if task.NextRun != nil {
		fmt.Fprintf(w, "Next run:  %s\n", task.NextRun.Local().Format(time.RFC3339))
	}
	if task.Type == models.TaskTypeShell {
		fmt.Fprintf(w, "Command:   %s\n", task.Config.Command)
	} else if task.Config.Prompt != "" {
		fmt.Fprintf(w, "Prompt:    %s\n", firstLine(task.Config.Prompt))
	}
	fmt.Fprintf(w, "Created:   %s\n", task.CreatedAt.Local().Format(time.RFC3339))
}

// ExecutionList writes an execution table, newest first as given.
func ExecutionList(w io.Writer, execs []*models.Execution) {
	if len(execs) == 0 {
		fmt.Fprintln(w, "No executions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tTRIGGER\tSTARTED\tDURATION")
	for _, exec := range execs {
		duration := "-"
		if exec.DurationMs != nil {
			duration = (time.Duration(*exec.DurationMs) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(exec.ID), shortID(exec.TaskID), StatusLabel(exec.Status),
			exec.TriggerType, exec.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	tw.Flush()
}

// ExecutionDetail writes the full record of one execution, including
// its captured output.
func ExecutionDetail(w io.Writer, exec *models.Execution) {
	fmt.Fprintf(w, "Execution: %s\n", exec.ID)
	fmt.Fprintf(w, "Task:      %s\n", exec.TaskID)
	fmt.Fprintf(w, "Status:    %s\n", StatusLabel(exec.Status))
	fmt.Fprintf(w, "Trigger:   %s\n", exec.TriggerType)
	fmt.Fprintf(w, "Started:   %s\n", exec.StartedAt.Local().Format(time.RFC3339))
	if exec.CompletedAt != nil {
		fmt.Fprintf(w, "Completed: %s\n", exec.CompletedAt.Local().Format(time.RFC3339))
	}
	if exec.DurationMs != nil {
		fmt.Fprintf(w, "Duration:  %s\n", time.Duration(*exec.DurationMs)*time.Millisecond)
	}
	if exec.ExitCode != nil {
		fmt.Fprintf(w, "Exit code: %d\n", *exec.ExitCode)
	}
	if exec.CostUSD != nil {
		fmt.Fprintf(w, "Cost:      $%.4f\n", *exec.CostUSD)
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", failureColor.Sprint(exec.Error))
	}
	if exec.Output != "" {
		fmt.Fprintf(w, "\n%s\n", dimColor.Sprint("--- output ---"))
		fmt.Fprintln(w, strings.TrimRight(exec.Output, "\n"))
		if exec.OutputTruncated {
			fmt.Fprintln(w, dimColor.Sprint("[output truncated]"))
		}
	}
}

// TaskStats writes the aggregate history of one task.
func TaskStats(w io.Writer, stats *store.TaskStats) {
	fmt.Fprintf(w, "Total runs:   %d\n", stats.TotalRuns)
	fmt.Fprintf(w, "Successful:   %d\n", stats.SuccessfulRuns)
	fmt.Fprintf(w, "Failed:       %d\n", stats.FailedRuns)
	fmt.Fprintf(w, "Avg duration: %s\n", time.Duration(stats.AvgDurationMs)*time.Millisecond)
	if stats.TotalCostUSD > 0 {
		fmt.Fprintf(w, "Total cost:   $%.4f\n", stats.TotalCostUSD)
	}
}

// shortID trims UUIDs to their first segment for table display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 && len(id) == 36 {
		return id[:i]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
