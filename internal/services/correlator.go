package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
)

// ErrStaleResult marks a result that references an unknown task, a terminal
// task, or a collector/attempt that no longer owns the task. Stale results
// are logged and dropped, never propagated to the task.
var ErrStaleResult = errors.New("stale result")

// CorrelatorConfig tunes retry backoff applied on requeue.
type CorrelatorConfig struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Correlator ingests asynchronous results from collectors, advances task
// state and drives retry. Capacity reserved for the reporting attempt is
// always released, whether the task completes, fails or is requeued.
type Correlator struct {
	store *store.Store
	cfg   CorrelatorConfig
	now   func() time.Time
}

func NewCorrelator(st *store.Store, cfg CorrelatorConfig) *Correlator {
	return &Correlator{
		store: st,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Accept validates and applies one result. Transport delivery is
// at-least-once, so a duplicate of an already applied result is dropped as
// stale and the second delivery is a no-op.
func (c *Correlator) Accept(ctx context.Context, result *models.TaskResult) error {
	task, err := c.store.Tasks().Get(ctx, result.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return c.drop(result, "unknown task")
	}
	if err != nil {
		return err
	}

	if task.Status.Terminal() {
		return c.drop(result, fmt.Sprintf("task already %s", task.Status))
	}
	if task.AssignedCollector != result.CollectorID {
		return c.drop(result, "collector does not own the task")
	}
	if task.Attempt != result.Attempt {
		return c.drop(result, fmt.Sprintf("attempt mismatch: task at %d, result for %d", task.Attempt, result.Attempt))
	}

	result.ID = uuid.New().String()
	result.ReceivedAt = c.now()

	if result.Success {
		return c.complete(ctx, task, result)
	}
	return c.fail(ctx, task, result)
}

// Progress applies a collector's first progress signal, moving the task
// ASSIGNED->RUNNING. A repeated signal for the same attempt is dropped.
func (c *Correlator) Progress(ctx context.Context, taskID, collectorID string, attempt int) error {
	err := c.store.Tasks().MarkRunning(ctx, taskID, collectorID, attempt, c.now())
	if errors.Is(err, store.ErrConflict) {
		zap.S().Debugw("progress signal dropped", "task", taskID, "collector", collectorID, "attempt", attempt)
		return nil
	}
	return err
}

func (c *Correlator) complete(ctx context.Context, task *models.Task, result *models.TaskResult) error {
	if err := c.store.Tasks().Complete(ctx, task, result, c.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return c.drop(result, "task changed while applying result")
		}
		return err
	}
	zap.S().Infow("task completed",
		"task", task.ID,
		"collector", result.CollectorID,
		"executionTime", result.ExecutionTime,
	)
	return nil
}

func (c *Correlator) fail(ctx context.Context, task *models.Task, result *models.TaskResult) error {
	retryable := models.RetryableErrorCode(result.ErrorCode)

	if retryable && task.RetryCount < task.MaxRetries {
		delay := models.BackoffDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, task.RetryCount+1)
		note := fmt.Sprintf("retryable failure: %s", result.ErrorCode)
		if err := c.store.Tasks().Requeue(ctx, task, result.CollectorID, result, c.now().Add(delay), c.now(), note); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return c.drop(result, "task changed while requeueing")
			}
			return err
		}
		zap.S().Infow("task requeued after retryable failure",
			"task", task.ID,
			"collector", result.CollectorID,
			"errorCode", result.ErrorCode,
			"retryCount", task.RetryCount+1,
			"maxRetries", task.MaxRetries,
			"backoff", delay,
		)
		return nil
	}

	message := result.ErrorMessage
	if message == "" {
		message = result.ErrorCode
	}
	if retryable {
		message = fmt.Sprintf("retry limit exceeded: %s", message)
	}
	if err := c.store.Tasks().Fail(ctx, task, result, message, c.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return c.drop(result, "task changed while failing")
		}
		return err
	}
	zap.S().Warnw("task failed",
		"task", task.ID,
		"collector", result.CollectorID,
		"errorCode", result.ErrorCode,
		"retryable", retryable,
		"retryCount", task.RetryCount,
	)
	return nil
}

func (c *Correlator) drop(result *models.TaskResult, reason string) error {
	zap.S().Warnw("stale result dropped",
		"task", result.TaskID,
		"collector", result.CollectorID,
		"attempt", result.Attempt,
		"reason", reason,
	)
	return fmt.Errorf("%w: %s", ErrStaleResult, reason)
}
