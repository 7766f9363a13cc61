package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/tzwfy520/MultiProtCollector-SSH/api/v1"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
)

// SubmitTask admits a new task
// (POST /tasks)
func (h *Handler) SubmitTask(c *gin.Context) {
	var req v1.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	task, err := h.tasks.Submit(c.Request.Context(), req.ToModel())
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var resp v1.TaskResponse
	resp.FromModel(task)
	c.JSON(http.StatusCreated, resp)
}

// ListTasks returns all tasks
// (GET /tasks)
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.tasks.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]v1.TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		var r v1.TaskResponse
		r.FromModel(t)
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, resp)
}

// GetTask returns one task
// (GET /tasks/:id)
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var resp v1.TaskResponse
	resp.FromModel(task)
	c.JSON(http.StatusOK, resp)
}

// CancelTask cancels a task, or flags a running one
// (DELETE /tasks/:id)
func (h *Handler) CancelTask(c *gin.Context) {
	task, err := h.tasks.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var resp v1.TaskResponse
	resp.FromModel(task)
	c.JSON(http.StatusOK, resp)
}

// GetTaskResults returns the recorded execution attempts of a task
// (GET /tasks/:id/results)
func (h *Handler) GetTaskResults(c *gin.Context) {
	results, err := h.tasks.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]v1.TaskResultResponse, 0, len(results))
	for _, res := range results {
		var r v1.TaskResultResponse
		r.FromModel(res)
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, resp)
}

// GetTaskTransitions returns the audit trail of a task
// (GET /tasks/:id/transitions)
func (h *Handler) GetTaskTransitions(c *gin.Context) {
	transitions, err := h.tasks.Transitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]v1.TaskTransitionResponse, 0, len(transitions))
	for _, tr := range transitions {
		var r v1.TaskTransitionResponse
		r.FromModel(tr)
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, resp)
}
