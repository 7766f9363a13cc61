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

// MonitorConfig tunes the heartbeat monitor.
type MonitorConfig struct {
	// HeartbeatInterval is the expected cadence of collector heartbeats
	// and the sweep period.
	HeartbeatInterval time.Duration
	// MissedIntervals is how many intervals of silence make a collector
	// stale.
	MissedIntervals int
	// BackoffBase/BackoffMax shape the requeue backoff of orphaned tasks.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Monitor periodically demotes unresponsive collectors and requeues their
// in-flight work. Demotion is a compare-and-set on the observed heartbeat
// timestamp, so a heartbeat arriving mid-sweep keeps the collector ONLINE.
type Monitor struct {
	store *store.Store
	cfg   MonitorConfig

	now   func() time.Time
	close chan any
}

func NewMonitor(st *store.Store, cfg MonitorConfig) *Monitor {
	return &Monitor{
		store: st,
		cfg:   cfg,
		now:   time.Now,
		close: make(chan any),
	}
}

// SetClock replaces the monitor's clock. For tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Run sweeps on a timer until Close is called.
func (m *Monitor) Run(ctx context.Context) {
	tick := time.NewTicker(m.cfg.HeartbeatInterval)
	defer func() {
		tick.Stop()
		zap.S().Debugw("heartbeat monitor stopped")
	}()

	for {
		select {
		case <-tick.C:
		case <-m.close:
			return
		case <-ctx.Done():
			return
		}

		if err := m.Sweep(ctx); err != nil {
			zap.S().Errorw("heartbeat sweep failed", "error", err)
		}
	}
}

func (m *Monitor) Close() {
	close(m.close)
}

// Sweep runs one reconciliation pass: demote stale collectors and requeue
// their orphaned tasks, then requeue ASSIGNED tasks that never reported
// progress within their timeout.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := m.now()
	threshold := time.Duration(m.cfg.MissedIntervals) * m.cfg.HeartbeatInterval

	collectors, err := m.store.Collectors().List(ctx)
	if err != nil {
		return err
	}

	for _, c := range collectors {
		if c.Status != models.CollectorStatusOnline && c.Status != models.CollectorStatusBusy {
			continue
		}
		if now.Sub(c.LastHeartbeat) <= threshold {
			continue
		}

		demoted, err := m.store.Collectors().Demote(ctx, c.ID, c.LastHeartbeat)
		if err != nil {
			return err
		}
		if !demoted {
			// A heartbeat landed between the staleness check and the
			// demotion; the collector stays ONLINE.
			continue
		}

		zap.S().Warnw("collector demoted offline",
			"collector", c.ID,
			"lastHeartbeat", c.LastHeartbeat,
			"silentFor", now.Sub(c.LastHeartbeat),
		)

		if err := m.requeueOrphans(ctx, c.ID); err != nil {
			return err
		}
	}

	return m.requeueStalled(ctx, now)
}

func (m *Monitor) requeueOrphans(ctx context.Context, collectorID string) error {
	tasks, err := m.store.Tasks().ListByCollector(ctx, collectorID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := m.requeue(ctx, t, collectorID, "collector offline"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) requeueStalled(ctx context.Context, now time.Time) error {
	stalled, err := m.store.Tasks().ListStalled(ctx, now)
	if err != nil {
		return err
	}
	for _, t := range stalled {
		if err := m.requeue(ctx, t, t.AssignedCollector, "no progress within timeout"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) requeue(ctx context.Context, t *models.Task, collectorID, reason string) error {
	now := m.now()

	if t.RetryCount >= t.MaxRetries {
		message := fmt.Sprintf("retry limit exceeded: %s", reason)
		err := m.store.Tasks().FailAbandoned(ctx, t, collectorID, message, now)
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		zap.S().Warnw("orphaned task failed",
			"task", t.ID,
			"collector", collectorID,
			"reason", reason,
			"retryCount", t.RetryCount,
		)
		return nil
	}

	delay := models.BackoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, t.RetryCount+1)
	err := m.store.Tasks().Requeue(ctx, t, collectorID, nil, now.Add(delay), now, reason)
	if errors.Is(err, store.ErrConflict) {
		// The task moved on (a late result landed first). Nothing to do.
		return nil
	}
	if err != nil {
		return err
	}
	zap.S().Infow("task requeued",
		"task", t.ID,
		"collector", collectorID,
		"reason", reason,
		"retryCount", t.RetryCount+1,
		"backoff", delay,
	)
	return nil
}
