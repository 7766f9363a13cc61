package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
)

// TaskStore handles task records and their state machine using DuckDB.
//
// Every transition is a conditional UPDATE guarded by the current status
// (and, for in-flight tasks, the assigned collector), so two concurrent
// actors can never commit conflicting transitions. Operations that pair a
// transition with a capacity reservation or release run in one transaction:
// both commit or neither does.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a new task store.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create persists a newly admitted task in PENDING state.
func (s *TaskStore) Create(ctx context.Context, t *models.Task) error {
	devices, err := json.Marshal(t.TargetDevices)
	if err != nil {
		return fmt.Errorf("encoding target devices: %w", err)
	}
	caps, err := json.Marshal(t.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("encoding required capabilities: %w", err)
	}
	commands, err := json.Marshal(t.Commands)
	if err != nil {
		return fmt.Errorf("encoding commands: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryInsertTask,
		t.ID, t.Priority, string(t.Status), string(devices), string(caps), t.CredentialRef, string(commands),
		int64(t.Timeout/time.Second), t.MaxRetries, t.NextAttemptAt)
	return err
}

// Get retrieves a task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, queryGetTask, id)
	return scanTask(row)
}

// List returns all tasks in submission order.
func (s *TaskStore) List(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx, queryListTasks)
}

// ListDue returns PENDING tasks whose backoff deadline has passed, ordered
// by priority descending then submission time ascending.
func (s *TaskStore) ListDue(ctx context.Context, now time.Time) ([]*models.Task, error) {
	return s.queryTasks(ctx, queryListDueTasks, now)
}

// ListByCollector returns the ASSIGNED/RUNNING tasks bound to a collector.
func (s *TaskStore) ListByCollector(ctx context.Context, collectorID string) ([]*models.Task, error) {
	return s.queryTasks(ctx, queryListTasksByCollector, collectorID)
}

// ListStalled returns ASSIGNED tasks that never reported progress within
// their timeout.
func (s *TaskStore) ListStalled(ctx context.Context, now time.Time) ([]*models.Task, error) {
	return s.queryTasks(ctx, queryListStalledTasks, now)
}

// Assign binds a PENDING task to a collector: the capacity reservation and
// the PENDING->ASSIGNED transition commit together or not at all.
// Returns ErrNoCapacity if the reservation fails and ErrConflict if the
// task changed since it was read.
func (s *TaskStore) Assign(ctx context.Context, t *models.Task, collectorID string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := reserveCollector(ctx, tx, collectorID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, queryAssignTask, collectorID, at, t.ID, t.Revision)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return insertTransition(ctx, tx, t.ID, t.Status, models.TaskStatusAssigned, collectorID, "dispatched", at)
	})
}

// Unassign rolls an ASSIGNED task back to PENDING and releases the
// collector's reservation, applying a backoff deadline. Used when the
// assignment handoff to the transport fails. Guarded by the attempt the
// failed handoff belonged to.
func (s *TaskStore) Unassign(ctx context.Context, taskID, collectorID string, attempt int, nextAttemptAt, at time.Time, note string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryUnassignTask, nextAttemptAt, taskID, collectorID, attempt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if err := releaseCollector(ctx, tx, collectorID); err != nil {
			return err
		}
		return insertTransition(ctx, tx, taskID, models.TaskStatusAssigned, models.TaskStatusPending, collectorID, note, at)
	})
}

// MarkRunning applies the collector's first progress signal for the given
// attempt, moving the task ASSIGNED->RUNNING.
func (s *TaskStore) MarkRunning(ctx context.Context, taskID, collectorID string, attempt int, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryMarkTaskRunning, at, taskID, collectorID, attempt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return insertTransition(ctx, tx, taskID, models.TaskStatusAssigned, models.TaskStatusRunning, collectorID, "progress reported", at)
	})
}

// Complete stores a successful result, moves the task to COMPLETED and
// releases the collector's reservation, all in one transaction. The update
// is guarded by the observed attempt, so a stale result racing a
// reassignment cannot terminate the live attempt.
func (s *TaskStore) Complete(ctx context.Context, t *models.Task, result *models.TaskResult, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryCompleteTask, at, t.ID, result.CollectorID, t.Attempt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if err := insertResult(ctx, tx, result); err != nil {
			return err
		}
		if err := releaseCollector(ctx, tx, result.CollectorID); err != nil {
			return err
		}
		return insertTransition(ctx, tx, t.ID, t.Status, models.TaskStatusCompleted, result.CollectorID, "result applied", at)
	})
}

// Fail stores a failed result, moves the task to FAILED and releases the
// collector's reservation.
func (s *TaskStore) Fail(ctx context.Context, t *models.Task, result *models.TaskResult, message string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryFailTask, at, message, t.ID, result.CollectorID, t.Attempt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if err := insertResult(ctx, tx, result); err != nil {
			return err
		}
		if err := releaseCollector(ctx, tx, result.CollectorID); err != nil {
			return err
		}
		return insertTransition(ctx, tx, t.ID, t.Status, models.TaskStatusFailed, result.CollectorID, message, at)
	})
}

// FailAbandoned moves an orphaned in-flight task with an exhausted retry
// budget to FAILED and releases the collector's reservation. No result row
// is written because the collector never produced one.
func (s *TaskStore) FailAbandoned(ctx context.Context, t *models.Task, collectorID, message string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryFailTask, at, message, t.ID, collectorID, t.Attempt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if err := releaseCollector(ctx, tx, collectorID); err != nil {
			return err
		}
		return insertTransition(ctx, tx, t.ID, t.Status, models.TaskStatusFailed, collectorID, message, at)
	})
}

// Requeue returns an in-flight task to PENDING with an incremented retry
// count and a backoff deadline, releasing the collector's reservation.
// Optionally records the failed attempt's result. Guarded by the observed
// attempt, like Complete and Fail.
func (s *TaskStore) Requeue(ctx context.Context, t *models.Task, collectorID string, result *models.TaskResult, nextAttemptAt, at time.Time, note string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryRequeueTask, nextAttemptAt, note, t.ID, collectorID, t.Attempt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if result != nil {
			if err := insertResult(ctx, tx, result); err != nil {
				return err
			}
		}
		if err := releaseCollector(ctx, tx, collectorID); err != nil {
			return err
		}
		return insertTransition(ctx, tx, t.ID, t.Status, models.TaskStatusPending, collectorID, note, at)
	})
}

// CancelPending cancels a PENDING task.
func (s *TaskStore) CancelPending(ctx context.Context, t *models.Task, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryCancelPendingTask, at, t.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		return insertTransition(ctx, tx, t.ID, models.TaskStatusPending, models.TaskStatusCancelled, "", "cancelled", at)
	})
}

// CancelAssigned cancels an ASSIGNED task and releases its reservation.
func (s *TaskStore) CancelAssigned(ctx context.Context, t *models.Task, collectorID string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryCancelAssignedTask, at, t.ID, collectorID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrConflict
		}
		if err := releaseCollector(ctx, tx, collectorID); err != nil {
			return err
		}
		return insertTransition(ctx, tx, t.ID, models.TaskStatusAssigned, models.TaskStatusCancelled, collectorID, "cancelled", at)
	})
}

// FlagCancelRequested marks a RUNNING task as cancellation-requested. The
// collector observes the flag cooperatively; the task is not interrupted.
func (s *TaskStore) FlagCancelRequested(ctx context.Context, t *models.Task) error {
	res, err := s.db.ExecContext(ctx, queryFlagCancelRequested, t.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// TaskTransition is one audit-trail entry.
type TaskTransition struct {
	TaskID      string
	From        models.TaskStatus
	To          models.TaskStatus
	CollectorID string
	Note        string
	OccurredAt  time.Time
}

// ListTransitions returns the audit trail of a task in order.
func (s *TaskStore) ListTransitions(ctx context.Context, taskID string) ([]TaskTransition, error) {
	rows, err := s.db.QueryContext(ctx, queryListTransitions, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var transitions []TaskTransition
	for rows.Next() {
		var tr TaskTransition
		var from, to string
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.CollectorID, &tr.Note, &tr.OccurredAt); err != nil {
			return nil, err
		}
		tr.From = models.TaskStatus(from)
		tr.To = models.TaskStatus(to)
		transitions = append(transitions, tr)
	}
	return transitions, rows.Err()
}

func (s *TaskStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTransition(ctx context.Context, tx *sql.Tx, taskID string, from, to models.TaskStatus, collectorID, note string, at time.Time) error {
	if !models.ValidTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for task %s", from, to, taskID)
	}
	_, err := tx.ExecContext(ctx, queryInsertTransition, taskID, string(from), string(to), collectorID, note, at)
	return err
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var status, devices, caps, commands string
	var timeoutSeconds int64
	var assignedCollector sql.NullString
	var dispatchedAt, startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.Priority, &status, &devices, &caps, &t.CredentialRef, &commands,
		&timeoutSeconds, &t.MaxRetries, &t.RetryCount, &t.Attempt, &assignedCollector, &t.CancelRequested,
		&t.NextAttemptAt, &t.CreatedAt, &dispatchedAt, &startedAt, &completedAt, &t.ErrorMessage, &t.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	if assignedCollector.Valid {
		t.AssignedCollector = assignedCollector.String
	}
	if dispatchedAt.Valid {
		t.DispatchedAt = &dispatchedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(devices), &t.TargetDevices); err != nil {
		return nil, fmt.Errorf("decoding target devices: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &t.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("decoding required capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(commands), &t.Commands); err != nil {
		return nil, fmt.Errorf("decoding commands: %w", err)
	}
	return &t, nil
}
