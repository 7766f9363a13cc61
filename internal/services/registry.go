package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
)

var (
	ErrCollectorExists   = errors.New("collector id already registered")
	ErrUnknownCollector  = errors.New("unknown collector")
	ErrCollectorBusy     = errors.New("collector has tasks in flight")
	ErrCapacityExhausted = errors.New("collector capacity exhausted")
)

// Registry tracks each collector's identity, status and capacity. It owns
// collector records exclusively; the dispatcher, correlator and monitor all
// go through it.
type Registry struct {
	store *store.Store
	now   func() time.Time
}

func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		store: st,
		now:   time.Now,
	}
}

// Register admits a new collector with status ONLINE and zero load.
func (r *Registry) Register(ctx context.Context, c *models.Collector) error {
	if c.ID == "" {
		return fmt.Errorf("%w: collector id is required", models.ErrValidation)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%w: collector endpoint is required", models.ErrValidation)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent must be at least 1", models.ErrValidation)
	}

	c.Status = models.CollectorStatusOnline
	c.CurrentLoad = 0
	c.LastHeartbeat = r.now()

	if err := r.store.Collectors().Insert(ctx, c); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", ErrCollectorExists, c.ID)
		}
		return err
	}

	zap.S().Infow("collector registered",
		"collector", c.ID,
		"endpoint", c.Endpoint,
		"maxConcurrent", c.MaxConcurrent,
		"capabilities", c.Capabilities,
	)
	return nil
}

// Heartbeat records a liveness signal. A collector previously demoted to
// OFFLINE or ERROR recovers to ONLINE.
func (r *Registry) Heartbeat(ctx context.Context, id string, metrics models.HeartbeatMetrics) error {
	err := r.store.Collectors().Heartbeat(ctx, id, r.now(), metrics)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}
	return err
}

// Deregister removes a collector, but only when it has no tasks in flight.
// Callers must drain the collector first.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	deleted, err := r.store.Collectors().DeleteIdle(ctx, id)
	if err != nil {
		return err
	}
	if deleted {
		zap.S().Infow("collector deregistered", "collector", id)
		return nil
	}

	if _, err := r.store.Collectors().Get(ctx, id); errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrCollectorBusy, id)
}

// ListEligible returns the dispatcher's candidate pool: ONLINE collectors
// with spare capacity and every required capability, in registration order.
func (r *Registry) ListEligible(ctx context.Context, required []string) ([]*models.Collector, error) {
	candidates, err := r.store.Collectors().ListEligible(ctx)
	if err != nil {
		return nil, err
	}
	eligible := candidates[:0]
	for _, c := range candidates {
		if c.HasCapabilities(required) {
			eligible = append(eligible, c)
		}
	}
	return eligible, nil
}

// Reserve atomically claims one unit of the collector's capacity.
func (r *Registry) Reserve(ctx context.Context, id string) error {
	err := r.store.Collectors().Reserve(ctx, id)
	if errors.Is(err, store.ErrNoCapacity) {
		return fmt.Errorf("%w: %s", ErrCapacityExhausted, id)
	}
	return err
}

// Release returns one unit of the collector's capacity.
func (r *Registry) Release(ctx context.Context, id string) error {
	return r.store.Collectors().Release(ctx, id)
}

// Get returns a collector by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Collector, error) {
	c, err := r.store.Collectors().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollector, id)
	}
	return c, err
}

// List returns all collectors in registration order.
func (r *Registry) List(ctx context.Context) ([]*models.Collector, error) {
	return r.store.Collectors().List(ctx)
}
