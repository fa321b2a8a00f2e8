package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/harrison/claudecron/internal/logger"
	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/scheduler"
	"github.com/harrison/claudecron/internal/store"
)

// stdioMaxLine bounds a single request line (1 MiB).
const stdioMaxLine = 1 << 20

// StdioServer speaks newline-delimited JSON over a reader/writer pair,
// one request object per line, one response object per line.
//
// Request:  {"id": ..., "method": "task.run", "params": {...}}
// Response: {"id": ..., "result": ...} or {"id": ..., "error": "..."}
type StdioServer struct {
	engine *scheduler.Engine
	log    logger.Logger
}

// NewStdioServer wraps the engine for the stdio transport.
func NewStdioServer(engine *scheduler.Engine, log logger.Logger) *StdioServer {
	return &StdioServer{engine: engine, log: logger.OrNop(log)}
}

type stdioRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type stdioResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Serve reads requests until EOF or context cancellation. Malformed
// lines produce an error response and the loop continues.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), stdioMaxLine)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req stdioRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(stdioResponse{Error: "malformed request: " + err.Error()}); err != nil {
				return err
			}
			continue
		}

		resp := stdioResponse{ID: req.ID}
		result, err := s.dispatch(ctx, req.Method, req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Result = result
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *StdioServer) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "ping":
		return "pong", nil

	case "task.create":
		var task models.Task
		if err := unmarshalParams(params, &task); err != nil {
			return nil, err
		}
		return s.engine.CreateTask(ctx, &task)

	case "task.list":
		var p struct {
			Enabled *bool  `json:"enabled"`
			Type    string `json:"type"`
			Trigger string `json:"trigger"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.ListTasks(ctx, store.TaskFilter{
			Enabled:     p.Enabled,
			Type:        models.TaskType(p.Type),
			TriggerType: models.TriggerType(p.Trigger),
		})

	case "task.get":
		id, err := paramID(params)
		if err != nil {
			return nil, err
		}
		return s.engine.GetTask(ctx, id)

	case "task.update":
		var p struct {
			ID string `json:"id"`
			taskUpdateRequest
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("task.update requires an id")
		}
		return s.engine.UpdateTask(ctx, p.ID, p.patch())

	case "task.delete":
		id, err := paramID(params)
		if err != nil {
			return nil, err
		}
		if err := s.engine.DeleteTask(ctx, id); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": id}, nil

	case "task.run":
		var p struct {
			ID                 string                 `json:"id"`
			OverrideConditions bool                   `json:"override_conditions"`
			TriggerContext     map[string]interface{} `json:"trigger_context"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("task.run requires an id")
		}
		execID, err := s.engine.Execute(ctx, p.ID, models.OriginManual, p.TriggerContext, p.OverrideConditions)
		if err != nil {
			return nil, err
		}
		return map[string]string{"execution_id": execID}, nil

	case "task.stats":
		id, err := paramID(params)
		if err != nil {
			return nil, err
		}
		return s.engine.GetTaskStats(ctx, id)

	case "executions.list":
		var p struct {
			TaskID string `json:"task_id"`
			Status string `json:"status"`
			Limit  int    `json:"limit"`
			Offset int    `json:"offset"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.engine.ListExecutions(ctx, store.ExecutionFilter{
			TaskID: p.TaskID,
			Status: models.ExecutionStatus(p.Status),
			Limit:  p.Limit,
			Offset: p.Offset,
		})

	case "execution.get":
		id, err := paramID(params)
		if err != nil {
			return nil, err
		}
		return s.engine.GetExecution(ctx, id)

	case "execution.progress":
		id, err := paramID(params)
		if err != nil {
			return nil, err
		}
		return s.engine.GetProgress(ctx, id)

	case "hook.event":
		var p struct {
			Event   string                 `json:"event"`
			Context map[string]interface{} `json:"context"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.engine.HandleHookEvent(ctx, models.HookEvent(p.Event), p.Context); err != nil {
			return nil, err
		}
		return map[string]string{"status": "accepted"}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func paramID(params json.RawMessage) (string, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", fmt.Errorf("missing id")
	}
	return p.ID, nil
}
