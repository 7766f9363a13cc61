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

// CollectorStore handles collector records using DuckDB.
// reserve/release/demote are single conditional UPDATE statements, so every
// load or status change is an atomic compare-and-set on the row.
type CollectorStore struct {
	db *sql.DB
}

// NewCollectorStore creates a new collector store.
func NewCollectorStore(db *sql.DB) *CollectorStore {
	return &CollectorStore{db: db}
}

// Insert admits a new collector. Returns ErrAlreadyExists if the id is taken.
func (s *CollectorStore) Insert(ctx context.Context, c *models.Collector) error {
	caps, err := json.Marshal(c.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryInsertCollector,
		c.ID, c.Name, c.Version, c.Endpoint, string(c.Status), c.MaxConcurrent, string(caps), c.LastHeartbeat)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get retrieves a collector by id.
func (s *CollectorStore) Get(ctx context.Context, id string) (*models.Collector, error) {
	row := s.db.QueryRowContext(ctx, queryGetCollector, id)
	return scanCollector(row)
}

// List returns all collectors in registration order.
func (s *CollectorStore) List(ctx context.Context) ([]*models.Collector, error) {
	return s.queryCollectors(ctx, queryListCollectors)
}

// ListEligible returns ONLINE collectors with spare capacity, in
// registration order. Capability filtering is done by the caller.
func (s *CollectorStore) ListEligible(ctx context.Context) ([]*models.Collector, error) {
	return s.queryCollectors(ctx, queryListEligibleCollectors)
}

// Heartbeat records a heartbeat, recovering OFFLINE/ERROR collectors to
// ONLINE. Returns ErrNotFound if the collector is not registered.
func (s *CollectorStore) Heartbeat(ctx context.Context, id string, at time.Time, m models.HeartbeatMetrics) error {
	res, err := s.db.ExecContext(ctx, queryHeartbeatCollector, at, m.CPUPercent, m.MemoryPercent, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdle removes a collector only if its current load is zero.
// Returns false when nothing was deleted (missing or still loaded).
func (s *CollectorStore) DeleteIdle(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteIdleCollector, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Reserve atomically increments the collector's load, failing with
// ErrNoCapacity if the collector is not ONLINE or already at maxConcurrent.
func (s *CollectorStore) Reserve(ctx context.Context, id string) error {
	return reserveCollector(ctx, s.db, id)
}

// Release atomically decrements the collector's load. Releasing a collector
// at load zero is a no-op.
func (s *CollectorStore) Release(ctx context.Context, id string) error {
	return releaseCollector(ctx, s.db, id)
}

// Demote marks a collector OFFLINE only if its last_heartbeat still equals
// the value observed during the staleness check. A concurrent heartbeat
// changes the timestamp and wins.
func (s *CollectorStore) Demote(ctx context.Context, id string, observedHeartbeat time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDemoteCollector, id, observedHeartbeat)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func reserveCollector(ctx context.Context, e execer, id string) error {
	res, err := e.ExecContext(ctx, queryReserveCollector, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCapacity
	}
	return nil
}

func releaseCollector(ctx context.Context, e execer, id string) error {
	_, err := e.ExecContext(ctx, queryReleaseCollector, id)
	return err
}

func (s *CollectorStore) queryCollectors(ctx context.Context, query string, args ...any) ([]*models.Collector, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var collectors []*models.Collector
	for rows.Next() {
		c, err := scanCollector(rows)
		if err != nil {
			return nil, err
		}
		collectors = append(collectors, c)
	}
	return collectors, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollector(row rowScanner) (*models.Collector, error) {
	var c models.Collector
	var status, caps string
	err := row.Scan(&c.ID, &c.Name, &c.Version, &c.Endpoint, &status, &c.MaxConcurrent, &c.CurrentLoad,
		&caps, &c.CPUPercent, &c.MemoryPercent, &c.LastHeartbeat, &c.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.CollectorStatus(status)
	if err := json.Unmarshal([]byte(caps), &c.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return &c, nil
}
