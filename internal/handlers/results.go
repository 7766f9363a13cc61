package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/tzwfy520/MultiProtCollector-SSH/api/v1"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
)

// AcceptResult ingests a result message from a collector. Delivery is
// at-least-once: stale or duplicate results are dropped (and logged by the
// correlator) but still acknowledged, so the sender stops redelivering.
// (POST /results)
func (h *Handler) AcceptResult(c *gin.Context) {
	var req v1.ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.correlator.Accept(c.Request.Context(), req.ToModel()); err != nil {
		if errors.Is(err, services.ErrStaleResult) {
			c.Status(http.StatusAccepted)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// ReportProgress applies a collector's started signal for an assignment
// (POST /tasks/:id/progress)
func (h *Handler) ReportProgress(c *gin.Context) {
	var req v1.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.correlator.Progress(c.Request.Context(), c.Param("id"), req.CollectorID, req.Attempt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}
