package store

import (
	"time"

	"github.com/harrison/claudecron/internal/models"
)

// applyTaskPatch merges the patch into the task in place and bumps
// updated_at. Shared by both backends so merge semantics cannot drift.
func applyTaskPatch(task *models.Task, patch TaskPatch, now time.Time) {
	if patch.Name != nil {
		task.Name = *patch.Name
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Enabled != nil {
		task.Enabled = *patch.Enabled
	}
	if patch.Type != nil {
		task.Type = *patch.Type
	}
	if patch.Config != nil {
		task.Config = *patch.Config
	}
	if patch.Trigger != nil {
		task.Trigger = *patch.Trigger
	}
	if patch.Options != nil {
		task.Options = patch.Options
	}
	if patch.Conditions != nil {
		task.Conditions = patch.Conditions
	}
	if patch.OnSuccess != nil {
		task.OnSuccess = patch.OnSuccess
	}
	if patch.OnFailure != nil {
		task.OnFailure = patch.OnFailure
	}
	if patch.LastRun != nil {
		lr := patch.LastRun.UTC()
		task.LastRun = &lr
	}
	if patch.ClearNextRun {
		task.NextRun = nil
	} else if patch.NextRun != nil {
		nr := patch.NextRun.UTC()
		task.NextRun = &nr
	}
	if patch.RunCount != nil {
		task.RunCount = *patch.RunCount
	}
	if patch.SuccessCount != nil {
		task.SuccessCount = *patch.SuccessCount
	}
	if patch.FailureCount != nil {
		task.FailureCount = *patch.FailureCount
	}
	task.UpdatedAt = now.UTC()
}

// applyExecutionPatch merges the patch into the execution in place.
func applyExecutionPatch(exec *models.Execution, patch ExecutionPatch) {
	if patch.Status != nil {
		exec.Status = *patch.Status
	}
	if patch.TriggerContext != nil {
		exec.TriggerContext = patch.TriggerContext
	}
	if patch.CompletedAt != nil {
		ca := patch.CompletedAt.UTC()
		exec.CompletedAt = &ca
	}
	if patch.DurationMs != nil {
		exec.DurationMs = patch.DurationMs
	}
	if patch.ExitCode != nil {
		exec.ExitCode = patch.ExitCode
	}
	if patch.Error != nil {
		exec.Error = *patch.Error
	}
	if patch.Output != nil {
		exec.Output = *patch.Output
	}
	if patch.OutputTruncated != nil {
		exec.OutputTruncated = *patch.OutputTruncated
	}
	if patch.ThinkingOutput != nil {
		exec.ThinkingOutput = *patch.ThinkingOutput
	}
	if patch.ToolCalls != nil {
		exec.ToolCalls = patch.ToolCalls
	}
	if patch.SDKUsage != nil {
		exec.SDKUsage = patch.SDKUsage
	}
	if patch.CostUSD != nil {
		exec.CostUSD = patch.CostUSD
	}
}
