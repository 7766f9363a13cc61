package handlers

import (
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
)

// Handler translates inbound requests into service invocations. It owns
// request parsing only; scheduling logic lives in the services.
type Handler struct {
	registry   *services.Registry
	tasks      *services.TaskService
	correlator *services.Correlator
}

func New(registry *services.Registry, tasks *services.TaskService, correlator *services.Correlator) *Handler {
	return &Handler{
		registry:   registry,
		tasks:      tasks,
		correlator: correlator,
	}
}
