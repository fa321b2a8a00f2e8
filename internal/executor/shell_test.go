package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/claudecron/internal/models"
)

// memStream collects streamed appends in memory.
type memStream struct {
	mu       sync.Mutex
	output   strings.Builder
	thinking strings.Builder
}

func (m *memStream) AppendOutput(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output.WriteString(text)
	return nil
}

func (m *memStream) AppendThinking(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thinking.WriteString(text)
	return nil
}

func (m *memStream) Output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.output.String()
}

func shellTask(command string) *models.Task {
	return &models.Task{
		ID:      "task-1",
		Name:    "shell-test",
		Type:    models.TaskTypeShell,
		Enabled: true,
		Config:  models.TaskConfig{Command: command},
		Trigger: models.Trigger{Type: models.TriggerManual},
	}
}

func shellExecution() *models.Execution {
	return &models.Execution{
		ID:          "exec-1",
		TaskID:      "task-1",
		Status:      models.StatusRunning,
		TriggerType: models.OriginManual,
		StartedAt:   time.Now().UTC(),
	}
}

func TestShellExecutorSuccess(t *testing.T) {
	se := NewShellExecutor(nil)
	result, err := se.Execute(context.Background(), shellTask("echo hello"), shellExecution())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
	assert.Equal(t, "hello\n", result.Output)
	assert.Empty(t, result.Error)
	assert.False(t, result.OutputTruncated)
}

func TestShellExecutorNonZeroExit(t *testing.T) {
	se := NewShellExecutor(nil)
	result, err := se.Execute(context.Background(), shellTask("echo oops; exit 3"), shellExecution())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailure, result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.Equal(t, "oops\n", result.Output)
	assert.Contains(t, result.Error, "exited with code 3")
}

func TestShellExecutorTimeout(t *testing.T) {
	task := shellTask("sleep 30")
	task.Config.Timeout = "1s"

	se := NewShellExecutor(nil)
	start := time.Now()
	result, err := se.Execute(context.Background(), task, shellExecution())
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, result.Status)
	assert.Contains(t, result.Error, "timed out after 1s")
	assert.Less(t, time.Since(start), 15*time.Second)
}

func TestShellExecutorEnvInjection(t *testing.T) {
	task := shellTask(`echo "$TASK_NAME|$TASK_TYPE|$EXECUTION_ID|$TRIGGER_TYPE|$FILE_PATH|$EXTRA"`)
	task.Config.Env = map[string]string{"EXTRA": "custom"}

	exec := shellExecution()
	exec.TriggerType = models.OriginFileWatch
	exec.TriggerContext = map[string]interface{}{
		"file_path": "/tmp/watched.go",
		"nested":    map[string]interface{}{"skip": true},
	}

	se := NewShellExecutor(nil)
	result, err := se.Execute(context.Background(), task, exec)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "shell-test|shell|exec-1|file_watch|/tmp/watched.go|custom\n", result.Output)
}

func TestShellExecutorTemplateExpansion(t *testing.T) {
	task := shellTask("echo task={{task_name}} exec={{execution_id}}")

	se := NewShellExecutor(nil)
	result, err := se.Execute(context.Background(), task, shellExecution())
	require.NoError(t, err)

	assert.Equal(t, "task=shell-test exec=exec-1\n", result.Output)
}

func TestShellExecutorStreamsOutput(t *testing.T) {
	stream := &memStream{}
	se := NewShellExecutor(stream)
	result, err := se.Execute(context.Background(), shellTask("printf one; printf two"), shellExecution())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "onetwo", result.Output)
	assert.Equal(t, "onetwo", stream.Output())
}

func TestShellExecutorBadWorkingDir(t *testing.T) {
	task := shellTask("echo never")
	task.Config.WorkingDir = "/nonexistent/claudecron-test-dir"

	se := NewShellExecutor(nil)
	result, err := se.Execute(context.Background(), task, shellExecution())
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailure, result.Status)
	assert.Nil(t, result.ExitCode)
	assert.NotEmpty(t, result.Error)
}

func TestShellExecutorOutputCap(t *testing.T) {
	// Emit ~2 MiB so the 1 MiB cap trips.
	task := shellTask("head -c 2097152 /dev/zero | tr '\\0' 'x'")

	se := NewShellExecutor(nil)
	result, err := se.Execute(context.Background(), task, shellExecution())
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.True(t, result.OutputTruncated)
	assert.Len(t, result.Output, maxOutputBytes)
}
