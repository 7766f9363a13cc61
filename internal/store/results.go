package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
)

// ResultStore reads stored task results. Results are written only inside
// task transitions (see TaskStore) and are immutable afterwards.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore creates a new result store.
func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// ListByTask returns all recorded results for a task, oldest first.
func (s *ResultStore) ListByTask(ctx context.Context, taskID string) ([]*models.TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, queryListResultsByTask, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*models.TaskResult
	for rows.Next() {
		var r models.TaskResult
		var execMs int64
		if err := rows.Scan(&r.ID, &r.TaskID, &r.CollectorID, &r.Attempt, &r.Success,
			&execMs, &r.Output, &r.ErrorCode, &r.ErrorMessage, &r.ReceivedAt); err != nil {
			return nil, err
		}
		r.ExecutionTime = time.Duration(execMs) * time.Millisecond
		results = append(results, &r)
	}
	return results, rows.Err()
}

func insertResult(ctx context.Context, tx *sql.Tx, r *models.TaskResult) error {
	_, err := tx.ExecContext(ctx, queryInsertResult,
		r.ID, r.TaskID, r.CollectorID, r.Attempt, r.Success,
		r.ExecutionTime.Milliseconds(), r.Output, r.ErrorCode, r.ErrorMessage, r.ReceivedAt)
	return err
}
