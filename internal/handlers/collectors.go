package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/tzwfy520/MultiProtCollector-SSH/api/v1"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
)

// RegisterCollector admits a new collector
// (POST /collectors)
func (h *Handler) RegisterCollector(c *gin.Context) {
	var req v1.RegisterCollectorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	collector := req.ToModel()
	if err := h.registry.Register(c.Request.Context(), collector); err != nil {
		switch {
		case errors.Is(err, models.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrCollectorExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	var resp v1.CollectorResponse
	resp.FromModel(collector)
	c.JSON(http.StatusCreated, resp)
}

// CollectorHeartbeat records a liveness signal
// (POST /collectors/:id/heartbeat)
func (h *Handler) CollectorHeartbeat(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	metrics := models.HeartbeatMetrics{
		CPUPercent:    req.CPUPercent,
		MemoryPercent: req.MemoryPercent,
	}
	if err := h.registry.Heartbeat(c.Request.Context(), c.Param("id"), metrics); err != nil {
		if errors.Is(err, services.ErrUnknownCollector) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusNoContent)
}

// DeregisterCollector removes a drained collector
// (DELETE /collectors/:id)
func (h *Handler) DeregisterCollector(c *gin.Context) {
	if err := h.registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownCollector):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrCollectorBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// ListCollectors returns all registered collectors
// (GET /collectors)
func (h *Handler) ListCollectors(c *gin.Context) {
	collectors, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]v1.CollectorResponse, 0, len(collectors))
	for _, collector := range collectors {
		var r v1.CollectorResponse
		r.FromModel(collector)
		resp = append(resp, r)
	}
	c.JSON(http.StatusOK, resp)
}

// GetCollector returns one collector
// (GET /collectors/:id)
func (h *Handler) GetCollector(c *gin.Context) {
	collector, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrUnknownCollector) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var resp v1.CollectorResponse
	resp.FromModel(collector)
	c.JSON(http.StatusOK, resp)
}
