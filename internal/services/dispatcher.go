package services

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
	"github.com/tzwfy520/MultiProtCollector-SSH/pkg/transport"
)

// DispatcherConfig tunes a dispatcher.
type DispatcherConfig struct {
	// Interval between scheduling passes.
	Interval time.Duration
	// HighPriorityThreshold is the priority at or above which tasks are
	// placed on the least-loaded eligible collector. Below it, collectors
	// are picked round-robin in registration order.
	HighPriorityThreshold int
	// HandoffBackoff delays re-dispatch of a task whose assignment could
	// not be delivered to the transport.
	HandoffBackoff time.Duration
}

// Dispatcher matches pending tasks to eligible collectors under capacity
// and priority rules. It holds no task or collector state of its own: the
// reservation and the PENDING->ASSIGNED transition commit atomically in the
// stores, so concurrent passes never double-assign a task or overbook a
// collector.
type Dispatcher struct {
	registry  *Registry
	store     *store.Store
	publisher transport.AssignmentPublisher
	cfg       DispatcherConfig

	rr    atomic.Uint64
	now   func() time.Time
	close chan any
}

func NewDispatcher(registry *Registry, st *store.Store, publisher transport.AssignmentPublisher, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		store:     st,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		close:     make(chan any),
	}
}

// Run executes scheduling passes on a timer until Close is called.
func (d *Dispatcher) Run(ctx context.Context) {
	tick := time.NewTicker(d.cfg.Interval)
	defer func() {
		tick.Stop()
		zap.S().Debugw("dispatcher loop stopped")
	}()

	for {
		select {
		case <-tick.C:
		case <-d.close:
			return
		case <-ctx.Done():
			return
		}

		if err := d.Pass(ctx); err != nil {
			zap.S().Errorw("dispatch pass failed", "error", err)
		}
	}
}

func (d *Dispatcher) Close() {
	close(d.close)
}

// Pass runs one scheduling pass: pending tasks in priority order, ties
// broken by submission time. A task with no eligible collector is left
// PENDING for the next pass; it never blocks the rest of the queue.
func (d *Dispatcher) Pass(ctx context.Context) error {
	now := d.now()
	due, err := d.store.Tasks().ListDue(ctx, now)
	if err != nil {
		return err
	}

	for _, task := range due {
		candidates, err := d.registry.ListEligible(ctx, task.RequiredCapabilities)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			continue
		}

		candidate := d.pick(task, candidates)
		if err := d.assign(ctx, task, candidate); err != nil {
			// Lost the race to another pass or the collector filled up
			// in the meantime. The task stays PENDING.
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNoCapacity) {
				zap.S().Debugw("assignment skipped", "task", task.ID, "collector", candidate.ID, "reason", err)
				continue
			}
			return err
		}
	}
	return nil
}

func (d *Dispatcher) pick(task *models.Task, candidates []*models.Collector) *models.Collector {
	if task.Priority >= d.cfg.HighPriorityThreshold {
		least := candidates[0]
		for _, c := range candidates[1:] {
			if c.CurrentLoad < least.CurrentLoad {
				least = c
			}
		}
		return least
	}

	cursor := d.rr.Add(1) - 1
	return candidates[cursor%uint64(len(candidates))]
}

func (d *Dispatcher) assign(ctx context.Context, task *models.Task, collector *models.Collector) error {
	now := d.now()
	if err := d.store.Tasks().Assign(ctx, task, collector.ID, now); err != nil {
		return err
	}

	assignment := &transport.Assignment{
		TaskID:         task.ID,
		Attempt:        task.Attempt + 1,
		Priority:       task.Priority,
		CollectorID:    collector.ID,
		TargetDevices:  task.TargetDevices,
		CredentialRef:  task.CredentialRef,
		Commands:       task.Commands,
		TimeoutSeconds: int(task.Timeout / time.Second),
	}
	if err := d.publisher.Publish(ctx, collector.Endpoint, assignment); err != nil {
		zap.S().Warnw("assignment handoff failed, rolling back",
			"task", task.ID,
			"collector", collector.ID,
			"error", err,
		)
		if rbErr := d.store.Tasks().Unassign(ctx, task.ID, collector.ID, assignment.Attempt, now.Add(d.cfg.HandoffBackoff), d.now(), "transport handoff failed"); rbErr != nil {
			return rbErr
		}
		return nil
	}

	zap.S().Infow("task dispatched",
		"task", task.ID,
		"collector", collector.ID,
		"priority", task.Priority,
		"attempt", task.Attempt+1,
	)
	return nil
}
