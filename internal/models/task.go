package models

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the scheduling state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusAssigned  TaskStatus = "ASSIGNED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// validTransitions is the closed set of allowed status transitions.
// Anything not listed here is rejected. A result may arrive for a task that
// never reported progress, so ASSIGNED can reach the terminal outcomes
// directly.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned: {TaskStatusRunning, TaskStatusPending, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning:  {TaskStatusCompleted, TaskStatusFailed, TaskStatusPending},
}

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether moving from one status to another is allowed.
func ValidTransition(from, to TaskStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// Task is a unit of submitted work: a command batch to run against target
// devices, with a priority and retry policy. AssignedCollector is set iff
// the task is ASSIGNED or RUNNING.
type Task struct {
	ID                   string
	Priority             int
	Status               TaskStatus
	TargetDevices        []string
	RequiredCapabilities []string
	// CredentialRef is an opaque reference resolved by the collector.
	// Never logged in plaintext.
	CredentialRef     string
	Commands          []string
	Timeout           time.Duration
	MaxRetries        int
	RetryCount        int
	Attempt           int
	AssignedCollector string
	CancelRequested   bool
	NextAttemptAt     time.Time
	CreatedAt         time.Time
	DispatchedAt      *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ErrorMessage      string

	// Revision is the optimistic concurrency token; every committed update
	// increments it.
	Revision int64
}

var ErrValidation = errors.New("validation error")

// Validate checks a task at admission time. Failures are returned
// synchronously to the submitter and the task is never stored.
func (t *Task) Validate() error {
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority must be between %d and %d, got %d", ErrValidation, MinPriority, MaxPriority, t.Priority)
	}
	if len(t.TargetDevices) == 0 {
		return fmt.Errorf("%w: at least one target device is required", ErrValidation)
	}
	if len(t.Commands) == 0 {
		return fmt.Errorf("%w: at least one command is required", ErrValidation)
	}
	if t.CredentialRef == "" {
		return fmt.Errorf("%w: credential reference is required", ErrValidation)
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrValidation)
	}
	return nil
}

// BackoffDelay returns the exponential backoff delay before a task with the
// given retry count becomes eligible for dispatch again.
func BackoffDelay(base, max time.Duration, retryCount int) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
