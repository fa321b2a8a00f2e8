package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/harrison/claudecron/internal/models"
	"github.com/harrison/claudecron/internal/store"
)

// taskUpdateRequest is the wire form of a partial task update. Absent
// fields are left unchanged.
type taskUpdateRequest struct {
	Name        *string                  `json:"name"`
	Description *string                  `json:"description"`
	Enabled     *bool                    `json:"enabled"`
	Type        *models.TaskType         `json:"type"`
	Config      *models.TaskConfig       `json:"config"`
	Trigger     *models.Trigger          `json:"trigger"`
	Options     *models.ExecutionOptions `json:"options"`
	Conditions  *models.Conditions       `json:"conditions"`
	OnSuccess   []models.ResultHandler   `json:"on_success"`
	OnFailure   []models.ResultHandler   `json:"on_failure"`
}

func (r *taskUpdateRequest) patch() store.TaskPatch {
	return store.TaskPatch{
		Name:        r.Name,
		Description: r.Description,
		Enabled:     r.Enabled,
		Type:        r.Type,
		Config:      r.Config,
		Trigger:     r.Trigger,
		Options:     r.Options,
		Conditions:  r.Conditions,
		OnSuccess:   r.OnSuccess,
		OnFailure:   r.OnFailure,
	}
}

// runRequest is the body of POST /tasks/:id/run.
type runRequest struct {
	OverrideConditions bool                   `json:"override_conditions"`
	TriggerContext     map[string]interface{} `json:"trigger_context"`
}

func (s *HTTPServer) handleCreateTask(c *gin.Context) {
	var task models.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task body: " + err.Error()})
		return
	}
	created, err := s.engine.CreateTask(c.Request.Context(), &task)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *HTTPServer) handleListTasks(c *gin.Context) {
	var filter store.TaskFilter
	if v, ok := c.GetQuery("enabled"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enabled filter"})
			return
		}
		filter.Enabled = &enabled
	}
	filter.Type = models.TaskType(c.Query("type"))
	filter.TriggerType = models.TriggerType(c.Query("trigger"))

	tasks, err := s.engine.ListTasks(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *HTTPServer) handleGetTask(c *gin.Context) {
	task, err := s.engine.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) handleUpdateTask(c *gin.Context) {
	var req taskUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update body: " + err.Error()})
		return
	}
	task, err := s.engine.UpdateTask(c.Request.Context(), c.Param("id"), req.patch())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *HTTPServer) handleDeleteTask(c *gin.Context) {
	if err := s.engine.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) handleRunTask(c *gin.Context) {
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run body: " + err.Error()})
			return
		}
	}
	execID, err := s.engine.Execute(c.Request.Context(), c.Param("id"), models.OriginManual, req.TriggerContext, req.OverrideConditions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID})
}

func (s *HTTPServer) handleTaskStats(c *gin.Context) {
	stats, err := s.engine.GetTaskStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *HTTPServer) handleListExecutions(c *gin.Context) {
	filter := store.ExecutionFilter{
		TaskID: c.Query("task_id"),
		Status: models.ExecutionStatus(c.Query("status")),
	}
	if v, ok := c.GetQuery("limit"); ok {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	if v, ok := c.GetQuery("offset"); ok {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		filter.Offset = offset
	}
	if v, ok := c.GetQuery("since"); ok {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		filter.Since = &since
	}

	execs, err := s.engine.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "count": len(execs)})
}

func (s *HTTPServer) handleGetExecution(c *gin.Context) {
	exec, err := s.engine.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *HTTPServer) handleProgress(c *gin.Context) {
	progress, err := s.engine.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// handleHookEvent injects a lifecycle event, primarily for testing hook
// triggers without a live session.
func (s *HTTPServer) handleHookEvent(c *gin.Context) {
	var eventCtx map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&eventCtx); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event context: " + err.Error()})
			return
		}
	}
	event := models.HookEvent(c.Param("event"))
	if err := s.engine.HandleHookEvent(c.Request.Context(), event, eventCtx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// respondError maps domain errors onto status codes.
func respondError(c *gin.Context, err error) {
	var verr *models.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case strings.Contains(err.Error(), "is disabled"):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
