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

var ErrTaskNotFound = errors.New("task not found")

const (
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Minute
)

// TaskService admits, queries and cancels tasks. Post-admission outcomes
// live on the task record and are exposed only through query.
type TaskService struct {
	store *store.Store
	now   func() time.Time
}

func NewTaskService(st *store.Store) *TaskService {
	return &TaskService{
		store: st,
		now:   time.Now,
	}
}

// Submit validates and admits a task as PENDING. Validation failures are
// returned synchronously and nothing is stored.
func (s *TaskService) Submit(ctx context.Context, t *models.Task) (*models.Task, error) {
	if t.MaxRetries == 0 {
		t.MaxRetries = defaultMaxRetries
	}
	if t.Timeout == 0 {
		t.Timeout = defaultTimeout
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	t.ID = uuid.New().String()
	t.Status = models.TaskStatusPending
	t.NextAttemptAt = now
	t.CreatedAt = now

	if err := s.store.Tasks().Create(ctx, t); err != nil {
		return nil, err
	}

	zap.S().Infow("task submitted",
		"task", t.ID,
		"priority", t.Priority,
		"devices", len(t.TargetDevices),
		"commands", len(t.Commands),
	)
	return t, nil
}

// Get returns a task by id.
func (s *TaskService) Get(ctx context.Context, id string) (*models.Task, error) {
	t, err := s.store.Tasks().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// List returns all tasks in submission order.
func (s *TaskService) List(ctx context.Context) ([]*models.Task, error) {
	return s.store.Tasks().List(ctx)
}

// Results returns the recorded results of a task.
func (s *TaskService) Results(ctx context.Context, id string) ([]*models.TaskResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Results().ListByTask(ctx, id)
}

// Transitions returns the audit trail of a task.
func (s *TaskService) Transitions(ctx context.Context, id string) ([]store.TaskTransition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Tasks().ListTransitions(ctx, id)
}

// Cancel cancels a task. PENDING and ASSIGNED tasks transition to CANCELLED
// immediately (releasing any reservation). A RUNNING task is only flagged
// cancellation-requested: the collector observes the flag cooperatively and
// the task completes normally if it does not.
func (s *TaskService) Cancel(ctx context.Context, id string) (*models.Task, error) {
	for {
		t, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}

		now := s.now()
		switch t.Status {
		case models.TaskStatusPending:
			err = s.store.Tasks().CancelPending(ctx, t, now)
		case models.TaskStatusAssigned:
			err = s.store.Tasks().CancelAssigned(ctx, t, t.AssignedCollector, now)
		case models.TaskStatusRunning:
			err = s.store.Tasks().FlagCancelRequested(ctx, t)
		}
		if errors.Is(err, store.ErrConflict) {
			// The task transitioned mid-cancel; re-read and retry.
			continue
		}
		if err != nil {
			return nil, err
		}

		zap.S().Infow("task cancellation applied", "task", id, "status", t.Status)
		return s.Get(ctx, id)
	}
}
