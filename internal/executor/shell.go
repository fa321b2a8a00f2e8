package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/template"
)

const (
	// DefaultShellTimeout applies when neither the task config nor the
	// options set one.
	DefaultShellTimeout = 120 * time.Second

	// killGrace is how long a timed-out child gets between SIGTERM and
	// SIGKILL.
	killGrace = 5 * time.Second

	// maxOutputBytes caps the captured output; anything beyond sets the
	// truncated flag.
	maxOutputBytes = 1 << 20
)

// ShellExecutor runs shell tasks via `sh -c`, with template expansion
// on the command text and the metadata environment described by the
// task.
type ShellExecutor struct {
	stream OutputStream
}

// NewShellExecutor creates a ShellExecutor streaming output to stream.
// A nil stream disables streaming.
func NewShellExecutor(stream OutputStream) *ShellExecutor {
	if stream == nil {
		stream = nopStream{}
	}
	return &ShellExecutor{stream: stream}
}

// Execute runs the task's command, honoring the effective timeout. On
// deadline expiry the child is signaled SIGTERM and, after a grace
// period, SIGKILL; the result carries status timeout.
func (se *ShellExecutor) Execute(ctx context.Context, task *models.Task, execRec *models.Execution) (*Result, error) {
	timeout := task.EffectiveTimeout(DefaultShellTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := template.Expand(task.Config.Command, task, execRec)

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = task.Config.WorkingDir
	cmd.Env = buildEnv(task, execRec)
	cmd.Cancel = func() error {
		// Graceful first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	capture := newCaptureWriter(runCtx, se.stream, execRec.ID)
	cmd.Stdout = capture
	cmd.Stderr = capture

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	output, truncated := capture.contents()
	result := &Result{
		Output:          output,
		OutputTruncated: truncated,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Status = models.StatusTimeout
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
		return result, nil
	}

	if err == nil {
		code := 0
		result.Status = models.StatusSuccess
		result.ExitCode = &code
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		result.Status = models.StatusFailure
		result.ExitCode = &code
		result.Error = fmt.Sprintf("command exited with code %d after %s", code, elapsed.Round(time.Millisecond))
		return result, nil
	}

	// The command never ran (bad working dir, fork failure).
	result.Status = models.StatusFailure
	result.Error = err.Error()
	return result, nil
}

// buildEnv overlays the parent environment with the task's declared env
// and the injected execution metadata. String and numeric fields of the
// trigger context are exported upper-cased (FILE_PATH, EVENT,
// TIMESTAMP, TOOL_NAME among them).
func buildEnv(task *models.Task, execRec *models.Execution) []string {
	env := os.Environ()
	for k, v := range task.Config.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"TASK_ID="+task.ID,
		"TASK_NAME="+task.Name,
		"TASK_TYPE="+string(task.Type),
	)
	if execRec != nil {
		env = append(env,
			"EXECUTION_ID="+execRec.ID,
			"TRIGGER_TYPE="+execRec.TriggerType,
		)
		for k, v := range execRec.TriggerContext {
			switch val := v.(type) {
			case string:
				env = append(env, strings.ToUpper(k)+"="+val)
			case float64:
				env = append(env, fmt.Sprintf("%s=%v", strings.ToUpper(k), val))
			case int, int64:
				env = append(env, fmt.Sprintf("%s=%d", strings.ToUpper(k), val))
			}
		}
	}
	return env
}

// captureWriter buffers process output up to maxOutputBytes and relays
// each chunk to the stream.
type captureWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
	ctx       context.Context
	stream    OutputStream
	execID    string
}

func newCaptureWriter(ctx context.Context, stream OutputStream, execID string) *captureWriter {
	return &captureWriter{ctx: ctx, stream: stream, execID: execID}
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if remaining := maxOutputBytes - w.buf.Len(); remaining > 0 {
		if len(p) <= remaining {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:remaining])
			w.truncated = true
		}
	} else {
		w.truncated = true
	}
	w.mu.Unlock()

	if w.execID != "" {
		// Streaming failures must not break the run.
		_ = w.stream.AppendOutput(w.ctx, w.execID, string(p))
	}
	return len(p), nil
}

func (w *captureWriter) contents() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String(), w.truncated
}
