package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/claudecron/internal/models"
)

func handlerTask() *models.Task {
	return &models.Task{
		ID:      "task-h",
		Name:    "handler-test",
		Type:    models.TaskTypeShell,
		Enabled: true,
		Config:  models.TaskConfig{Command: "true"},
		Trigger: models.Trigger{Type: models.TriggerManual},
	}
}

func handlerExec() *models.Execution {
	completed := time.Now().UTC()
	duration := int64(42)
	code := 0
	return &models.Execution{
		ID:          "exec-h",
		TaskID:      "task-h",
		Status:      models.StatusSuccess,
		TriggerType: models.OriginManual,
		StartedAt:   completed.Add(-42 * time.Millisecond),
		CompletedAt: &completed,
		DurationMs:  &duration,
		ExitCode:    &code,
		Output:      "all done\n",
	}
}

func newTestHandlerRouter(d Dispatcher) *HandlerRouter {
	hr := NewHandlerRouter(d, nil)
	hr.sleep = func(time.Duration) {}
	return hr
}

func TestFileHandlerOverwriteAndAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "{{task_name}}.log")
	resolved := filepath.Join(dir, "out", "handler-test.log")

	hr := newTestHandlerRouter(newRecordingDispatcher())
	task, exec := handlerTask(), handlerExec()

	hr.Run(context.Background(), task, exec, []models.ResultHandler{
		{Type: models.HandlerFile, Path: path},
	})
	content, err := os.ReadFile(resolved)
	require.NoError(t, err)
	assert.Equal(t, "all done\n", string(content))

	hr.Run(context.Background(), task, exec, []models.ResultHandler{
		{Type: models.HandlerFile, Path: path, Append: true},
	})
	content, err = os.ReadFile(resolved)
	require.NoError(t, err)
	assert.Equal(t, "all done\nall done\n", string(content))

	// Overwrite replaces accumulated content.
	hr.Run(context.Background(), task, exec, []models.ResultHandler{
		{Type: models.HandlerFile, Path: path},
	})
	content, err = os.ReadFile(resolved)
	require.NoError(t, err)
	assert.Equal(t, "all done\n", string(content))
}

func TestFileHandlerJSONFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")

	hr := newTestHandlerRouter(newRecordingDispatcher())
	exec := handlerExec()
	exec.Error = "partial"
	hr.Run(context.Background(), handlerTask(), exec, []models.ResultHandler{
		{Type: models.HandlerFile, Path: path, Format: "json"},
	})

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(content, &record))
	assert.Equal(t, "task-h", record["task_id"])
	assert.Equal(t, "exec-h", record["execution_id"])
	assert.Equal(t, "success", record["status"])
	assert.Equal(t, "partial", record["error"])
}

func TestWebhookHandlerDeliversPayload(t *testing.T) {
	var received atomic.Int32
	var gotBody []byte
	var gotHeaders http.Header
	var gotMethod string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		gotMethod = r.Method
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hr := newTestHandlerRouter(newRecordingDispatcher())
	task, exec := handlerTask(), handlerExec()
	exec.SDKUsage = &models.SDKUsage{InputTokens: 10, OutputTokens: 20}

	hr.Run(context.Background(), task, exec, []models.ResultHandler{
		{Type: models.HandlerWebhook, URL: srv.URL, Headers: map[string]string{"X-Custom": "yes"}},
	})

	assert.Equal(t, int32(1), received.Load())
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, webhookUserAgent, gotHeaders.Get("User-Agent"))
	assert.Equal(t, "yes", gotHeaders.Get("X-Custom"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "task_completed", payload["event"])
	taskPart := payload["task"].(map[string]interface{})
	assert.Equal(t, "task-h", taskPart["id"])
	execPart := payload["execution"].(map[string]interface{})
	assert.Equal(t, "success", execPart["status"])
	resultPart := payload["result"].(map[string]interface{})
	assert.Equal(t, "all done\n", resultPart["output"])
}

func TestWebhookHandlerRetriesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hr := newTestHandlerRouter(newRecordingDispatcher())
	hr.Run(context.Background(), handlerTask(), handlerExec(), []models.ResultHandler{
		{Type: models.HandlerWebhook, URL: srv.URL},
	})

	assert.Equal(t, int32(webhookAttempts), attempts.Load())
}

func TestWebhookHandlerRecoversMidBudget(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hr := newTestHandlerRouter(newRecordingDispatcher())
	hr.Run(context.Background(), handlerTask(), handlerExec(), []models.ResultHandler{
		{Type: models.HandlerWebhook, URL: srv.URL, Method: http.MethodPut},
	})

	assert.Equal(t, int32(2), attempts.Load())
}

func TestTriggerTaskHandlerPassesTruncatedContext(t *testing.T) {
	rd := newRecordingDispatcher()
	hr := newTestHandlerRouter(rd)

	task, exec := handlerTask(), handlerExec()
	exec.Output = strings.Repeat("x", 1500)

	hr.Run(context.Background(), task, exec, []models.ResultHandler{
		{Type: models.HandlerTriggerTask, TaskID: "downstream", PassContext: true},
	})

	rec := rd.wait(t, time.Second)
	assert.Equal(t, "downstream", rec.taskID)
	assert.Equal(t, models.OriginTriggered, rec.origin)

	output := rec.triggerCtx["parent_output"].(string)
	assert.Len(t, output, 1000+len("... [truncated]"))
	assert.True(t, strings.HasSuffix(output, "... [truncated]"))
	assert.Equal(t, "exec-h", rec.triggerCtx["parent_execution_id"])
}

func TestTriggerTaskHandlerWithoutContext(t *testing.T) {
	rd := newRecordingDispatcher()
	hr := newTestHandlerRouter(rd)

	hr.Run(context.Background(), handlerTask(), handlerExec(), []models.ResultHandler{
		{Type: models.HandlerTriggerTask, TaskID: "downstream"},
	})

	rec := rd.wait(t, time.Second)
	assert.Nil(t, rec.triggerCtx)
}

func TestHandlerFailureDoesNotAbortList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "after-failure.log")

	hr := newTestHandlerRouter(newRecordingDispatcher())
	hr.Run(context.Background(), handlerTask(), handlerExec(), []models.ResultHandler{
		{Type: models.HandlerWebhook, URL: "http://127.0.0.1:1/unreachable"},
		{Type: models.HandlerFile, Path: path},
	})

	_, err := os.Stat(path)
	assert.NoError(t, err, "file handler must run despite preceding webhook failure")
}
