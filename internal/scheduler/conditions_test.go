package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/claudecron/internal/models"
)

func condTask(cond *models.Conditions) *models.Task {
	return &models.Task{
		ID:         "task-cond",
		Name:       "cond-test",
		Type:       models.TaskTypeShell,
		Enabled:    true,
		Config:     models.TaskConfig{Command: "true"},
		Trigger:    models.Trigger{Type: models.TriggerManual},
		Conditions: cond,
	}
}

func TestConditionsNilProceeds(t *testing.T) {
	ce := NewConditionEvaluator(time.UTC, nil)
	skip, reason := ce.Evaluate(context.Background(), condTask(nil))
	assert.False(t, skip)
	assert.Empty(t, reason)
}

func TestConditionsTimeWindow(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		clock    time.Time
		wantSkip bool
	}{
		{"inside window", "09:00", "17:00", time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC), false},
		{"inclusive start", "09:00", "17:00", time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), false},
		{"inclusive end", "09:00", "17:00", time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC), false},
		{"before window", "09:00", "17:00", time.Date(2026, 3, 5, 8, 59, 0, 0, time.UTC), true},
		{"after window", "09:00", "17:00", time.Date(2026, 3, 5, 17, 1, 0, 0, time.UTC), true},
		{"overnight late evening", "22:00", "06:00", time.Date(2026, 3, 5, 23, 30, 0, 0, time.UTC), false},
		{"overnight early morning", "22:00", "06:00", time.Date(2026, 3, 5, 5, 0, 0, 0, time.UTC), false},
		{"overnight midday", "22:00", "06:00", time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := NewConditionEvaluator(time.UTC, nil)
			ce.now = func() time.Time { return tt.clock }

			task := condTask(&models.Conditions{
				TimeWindow: &models.TimeWindow{Start: tt.start, End: tt.end},
			})
			skip, _ := ce.Evaluate(context.Background(), task)
			assert.Equal(t, tt.wantSkip, skip)
		})
	}
}

func TestConditionsHolidaySkip(t *testing.T) {
	ce := NewConditionEvaluator(time.UTC, nil)
	task := condTask(&models.Conditions{SkipHolidays: &models.HolidaySkip{Region: "US"}})

	// July 4th is a US federal holiday.
	ce.now = func() time.Time { return time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC) }
	skip, reason := ce.Evaluate(context.Background(), task)
	assert.True(t, skip)
	assert.Contains(t, reason, "holiday")

	// A plain Thursday is not.
	ce.now = func() time.Time { return time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC) }
	skip, _ = ce.Evaluate(context.Background(), task)
	assert.False(t, skip)
}

func TestConditionsUnknownHolidayRegionProceeds(t *testing.T) {
	ce := NewConditionEvaluator(time.UTC, nil)
	task := condTask(&models.Conditions{SkipHolidays: &models.HolidaySkip{Region: "ZZ"}})
	skip, _ := ce.Evaluate(context.Background(), task)
	assert.False(t, skip)
}

func TestConditionsFileChecks(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "present")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))
	missing := filepath.Join(t.TempDir(), "absent")

	ce := NewConditionEvaluator(time.UTC, nil)

	skip, reason := ce.Evaluate(context.Background(), condTask(&models.Conditions{OnlyIfFileExists: missing}))
	assert.True(t, skip)
	assert.Contains(t, reason, "does not exist")

	skip, _ = ce.Evaluate(context.Background(), condTask(&models.Conditions{OnlyIfFileExists: existing}))
	assert.False(t, skip)

	skip, _ = ce.Evaluate(context.Background(), condTask(&models.Conditions{SkipIfFileExists: existing}))
	assert.True(t, skip)

	skip, _ = ce.Evaluate(context.Background(), condTask(&models.Conditions{SkipIfFileExists: missing}))
	assert.False(t, skip)
}

func TestConditionsCustom(t *testing.T) {
	tests := []struct {
		name     string
		cond     *models.Conditions
		wantSkip bool
	}{
		{
			"skip_if true comparison skips",
			&models.Conditions{SkipIf: &models.CustomCondition{Command: "echo 5", Operator: ">", Value: "3"}},
			true,
		},
		{
			"skip_if false comparison proceeds",
			&models.Conditions{SkipIf: &models.CustomCondition{Command: "echo 2", Operator: ">", Value: "3"}},
			false,
		},
		{
			"only_if true comparison proceeds",
			&models.Conditions{OnlyIf: &models.CustomCondition{Command: "echo ready", Operator: "==", Value: "ready"}},
			false,
		},
		{
			"only_if false comparison skips",
			&models.Conditions{OnlyIf: &models.CustomCondition{Command: "echo later", Operator: "==", Value: "ready"}},
			true,
		},
		{
			"shell failure makes only_if skip",
			&models.Conditions{OnlyIf: &models.CustomCondition{Command: "exit 1", Operator: "==", Value: "x"}},
			true,
		},
		{
			"shell failure keeps skip_if from skipping",
			&models.Conditions{SkipIf: &models.CustomCondition{Command: "exit 1", Operator: "==", Value: "x"}},
			false,
		},
		{
			"numeric coercion failure is false",
			&models.Conditions{SkipIf: &models.CustomCondition{Command: "echo abc", Operator: "<", Value: "10"}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := NewConditionEvaluator(time.UTC, nil)
			skip, _ := ce.Evaluate(context.Background(), condTask(tt.cond))
			assert.Equal(t, tt.wantSkip, skip)
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		got, op, want string
		result        bool
	}{
		{"5", "==", "5", true},
		{"5", "==", "5.0", true}, // numeric coercion
		{"a", "==", "a", true},
		{"a", "!=", "b", true},
		{"4", "<", "10", true},
		{"10", "<", "4", false},
		{"4", "<=", "4", true},
		{"5", ">", "4", true},
		{"5", ">=", "5", true},
		{"x", ">", "1", false}, // non-numeric ordering is false
	}
	for _, tt := range tests {
		assert.Equal(t, tt.result, compare(tt.got, tt.op, tt.want), "%s %s %s", tt.got, tt.op, tt.want)
	}
}
