package models

import "fmt"

// HandlerType discriminates the result-handler variant.
type HandlerType string

const (
	HandlerNotify      HandlerType = "notify"
	HandlerFile        HandlerType = "file"
	HandlerWebhook     HandlerType = "webhook"
	HandlerTriggerTask HandlerType = "trigger_task"
	HandlerRetry       HandlerType = "retry"
)

// Notification urgencies.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// ResultHandler is a post-run side effect declared on a task. Handlers
// run sequentially in declaration order once the execution is terminal.
// Templated fields pass through the template expander with the task and
// execution in scope.
type ResultHandler struct {
	Type HandlerType `json:"type"`

	// notify
	Message string `json:"message,omitempty"`
	Urgency string `json:"urgency,omitempty"` // low | medium | high

	// file
	Path   string `json:"path,omitempty"` // templated
	Append bool   `json:"append,omitempty"`
	Format string `json:"format,omitempty"` // advisory

	// webhook
	URL     string            `json:"url,omitempty"` // templated
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// trigger_task
	TaskID      string `json:"task_id,omitempty"`
	PassContext bool   `json:"pass_context,omitempty"`
}

// Validate checks the handler variant for structural correctness.
func (h *ResultHandler) Validate() error {
	switch h.Type {
	case HandlerNotify:
		switch h.Urgency {
		case "", UrgencyLow, UrgencyMedium, UrgencyHigh:
		default:
			return fmt.Errorf("unknown urgency %q", h.Urgency)
		}
	case HandlerFile:
		if h.Path == "" {
			return fmt.Errorf("file handler requires a path")
		}
	case HandlerWebhook:
		if h.URL == "" {
			return fmt.Errorf("webhook handler requires a url")
		}
		switch h.Method {
		case "", "POST", "PUT":
		default:
			return fmt.Errorf("webhook method must be POST or PUT, got %q", h.Method)
		}
	case HandlerTriggerTask:
		if h.TaskID == "" {
			return fmt.Errorf("trigger_task handler requires a task_id")
		}
	case HandlerRetry:
		// Marker variant: acted on by the retry controller, not the router.
	default:
		return fmt.Errorf("unknown handler type %q", h.Type)
	}
	return nil
}
