package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/harrison/claudecron/internal/filelock"
	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/template"
)

const (
	// webhookAttempts is the delivery budget per webhook handler.
	webhookAttempts = 3

	// webhookAttemptTimeout bounds each delivery attempt.
	webhookAttemptTimeout = 30 * time.Second

	// webhookUserAgent identifies outbound webhook requests.
	webhookUserAgent = "claudecron/1.0"

	// triggerContextOutputLimit caps parent_output passed to a
	// trigger_task handler.
	triggerContextOutputLimit = 1000
)

// HandlerRouter runs the on_success / on_failure handler lists of a
// terminal execution. Handlers run sequentially in declaration order; a
// failing handler is logged and never aborts the rest of its list.
type HandlerRouter struct {
	dispatcher Dispatcher
	log        logger.Logger
	client     *http.Client

	// sleep is swappable for tests.
	sleep func(time.Duration)
}

// NewHandlerRouter creates a handler router. The dispatcher serves
// trigger_task handlers.
func NewHandlerRouter(d Dispatcher, log logger.Logger) *HandlerRouter {
	return &HandlerRouter{
		dispatcher: d,
		log:        logger.OrNop(log),
		client:     &http.Client{},
		sleep:      time.Sleep,
	}
}

// Run invokes each handler in order.
func (hr *HandlerRouter) Run(ctx context.Context, task *models.Task, exec *models.Execution, handlers []models.ResultHandler) {
	for i := range handlers {
		h := &handlers[i]
		if err := hr.runOne(ctx, task, exec, h); err != nil {
			hr.log.Errorf("handler %d (%s) of task %s failed: %v", i, h.Type, task.Name, err)
		}
	}
}

func (hr *HandlerRouter) runOne(ctx context.Context, task *models.Task, exec *models.Execution, h *models.ResultHandler) error {
	switch h.Type {
	case models.HandlerNotify:
		hr.notify(task, exec, h)
		return nil
	case models.HandlerFile:
		return hr.writeFile(task, exec, h)
	case models.HandlerWebhook:
		return hr.deliverWebhook(ctx, task, exec, h)
	case models.HandlerTriggerTask:
		return hr.triggerTask(ctx, task, exec, h)
	case models.HandlerRetry:
		// Marker variant: the retry controller owns it.
		return nil
	default:
		return fmt.Errorf("unknown handler type %q", h.Type)
	}
}

// notify emits a one-line record to the diagnostic stream with a
// severity prefix derived from the urgency.
func (hr *HandlerRouter) notify(task *models.Task, exec *models.Execution, h *models.ResultHandler) {
	message := template.Expand(h.Message, task, exec)
	line := fmt.Sprintf("%s [%s/%s] %s: %s", urgencyPrefix(h.Urgency), task.Name, task.ID, exec.Status, message)
	switch h.Urgency {
	case models.UrgencyHigh:
		hr.log.Errorf("%s", line)
	case models.UrgencyMedium:
		hr.log.Warnf("%s", line)
	default:
		hr.log.Infof("%s", line)
	}
}

func urgencyPrefix(urgency string) string {
	switch urgency {
	case models.UrgencyHigh:
		return "!!!"
	case models.UrgencyMedium:
		return "!"
	default:
		return "-"
	}
}

// writeFile appends or overwrites the handler's templated path with the
// execution outcome, creating the directory if needed.
func (hr *HandlerRouter) writeFile(task *models.Task, exec *models.Execution, h *models.ResultHandler) error {
	path := template.Expand(h.Path, task, exec)
	content := fileContent(task, exec, h.Format)

	// Overwrites go through the atomic temp-and-rename path so readers
	// never see a partial report.
	if !h.Append {
		if err := filelock.AtomicWrite(path, []byte(content)); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// fileContent renders the execution for the file handler. The format
// hint is advisory: "json" produces a structured record, everything
// else the raw output.
func fileContent(task *models.Task, exec *models.Execution, format string) string {
	if format == "json" {
		record := map[string]interface{}{
			"task_id":      task.ID,
			"task_name":    task.Name,
			"execution_id": exec.ID,
			"status":       exec.Status,
			"started_at":   exec.StartedAt.UTC().Format(time.RFC3339Nano),
			"output":       exec.Output,
		}
		if exec.Error != "" {
			record["error"] = exec.Error
		}
		b, err := json.Marshal(record)
		if err == nil {
			return string(b) + "\n"
		}
	}

	content := exec.Output
	if exec.Error != "" {
		if content != "" && !bytes.HasSuffix([]byte(content), []byte("\n")) {
			content += "\n"
		}
		content += "Error: " + exec.Error
	}
	if content != "" && !bytes.HasSuffix([]byte(content), []byte("\n")) {
		content += "\n"
	}
	return content
}

// webhookPayload is the fixed delivery shape for webhook handlers.
type webhookPayload struct {
	Event     string            `json:"event"`
	Timestamp string            `json:"timestamp"`
	Task      webhookTask       `json:"task"`
	Execution webhookExecution  `json:"execution"`
	Result    webhookResult     `json:"result"`
	SDKUsage  *models.SDKUsage  `json:"sdk_usage,omitempty"`
	CostUSD   *float64          `json:"cost_usd,omitempty"`
	Thinking  string            `json:"thinking_output,omitempty"`
	ToolCalls []webhookToolCall `json:"tool_calls,omitempty"`
}

type webhookTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type webhookExecution struct {
	ID             string                 `json:"id"`
	Status         string                 `json:"status"`
	StartedAt      string                 `json:"started_at"`
	CompletedAt    string                 `json:"completed_at,omitempty"`
	DurationMs     *int64                 `json:"duration_ms,omitempty"`
	TriggerType    string                 `json:"trigger_type"`
	TriggerContext map[string]interface{} `json:"trigger_context,omitempty"`
}

type webhookResult struct {
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
}

type webhookToolCall struct {
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

// deliverWebhook POSTs (or PUTs) the payload to the expanded URL,
// retrying up to the attempt budget with linearly-increasing delay.
func (hr *HandlerRouter) deliverWebhook(ctx context.Context, task *models.Task, exec *models.Execution, h *models.ResultHandler) error {
	url := template.Expand(h.URL, task, exec)
	method := h.Method
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(buildWebhookPayload(task, exec))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		lastErr = hr.attemptWebhook(ctx, method, url, body, h.Headers)
		if lastErr == nil {
			return nil
		}
		hr.log.Warnf("webhook attempt %d/%d to %s failed: %v", attempt, webhookAttempts, url, lastErr)
		if attempt < webhookAttempts {
			hr.sleep(time.Duration(attempt) * time.Second)
		}
	}
	return fmt.Errorf("webhook delivery to %s failed after %d attempts: %w", url, webhookAttempts, lastErr)
}

func (hr *HandlerRouter) attemptWebhook(ctx context.Context, method, url string, body []byte, headers map[string]string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, webhookAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hr.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func buildWebhookPayload(task *models.Task, exec *models.Execution) webhookPayload {
	p := webhookPayload{
		Event:     "task_completed",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Task: webhookTask{
			ID:          task.ID,
			Name:        task.Name,
			Type:        string(task.Type),
			Description: task.Description,
		},
		Execution: webhookExecution{
			ID:             exec.ID,
			Status:         string(exec.Status),
			StartedAt:      exec.StartedAt.UTC().Format(time.RFC3339Nano),
			DurationMs:     exec.DurationMs,
			TriggerType:    exec.TriggerType,
			TriggerContext: exec.TriggerContext,
		},
		Result: webhookResult{
			Output:          exec.Output,
			Error:           exec.Error,
			ExitCode:        exec.ExitCode,
			OutputTruncated: exec.OutputTruncated,
		},
		SDKUsage: exec.SDKUsage,
		CostUSD:  exec.CostUSD,
		Thinking: exec.ThinkingOutput,
	}
	if exec.CompletedAt != nil {
		p.Execution.CompletedAt = exec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	for _, tc := range exec.ToolCalls {
		p.ToolCalls = append(p.ToolCalls, webhookToolCall{
			ToolName:   tc.ToolName,
			Success:    tc.Success,
			DurationMs: tc.DurationMs,
			Timestamp:  tc.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return p
}

// triggerTask dispatches the handler's target task. With pass_context
// the parent execution is projected into the trigger context, its
// output truncated.
func (hr *HandlerRouter) triggerTask(ctx context.Context, task *models.Task, exec *models.Execution, h *models.ResultHandler) error {
	var triggerCtx map[string]interface{}
	if h.PassContext {
		output := exec.Output
		if len(output) > triggerContextOutputLimit {
			output = output[:triggerContextOutputLimit] + "... [truncated]"
		}
		triggerCtx = map[string]interface{}{
			"parent_task_id":      task.ID,
			"parent_task_name":    task.Name,
			"parent_execution_id": exec.ID,
			"parent_status":       string(exec.Status),
			"parent_output":       output,
		}
	}
	_, err := hr.dispatcher.Dispatch(ctx, h.TaskID, models.OriginTriggered, triggerCtx)
	return err
}
