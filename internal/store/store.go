package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when an insert collides with an existing record.
var ErrAlreadyExists = errors.New("already exists")

// ErrConflict is returned when a compare-and-set update lost the race: the
// record changed since it was read. Callers re-read and decide again.
var ErrConflict = errors.New("conflict")

// ErrNoCapacity is returned when a capacity reservation would exceed the
// collector's maxConcurrent.
var ErrNoCapacity = errors.New("no capacity")

// Store provides access to all storage repositories.
type Store struct {
	db         *sql.DB
	collectors *CollectorStore
	tasks      *TaskStore
	results    *ResultStore
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:         db,
		collectors: NewCollectorStore(db),
		tasks:      NewTaskStore(db),
		results:    NewResultStore(db),
	}
}

func (s *Store) Collectors() *CollectorStore {
	return s.collectors
}

func (s *Store) Tasks() *TaskStore {
	return s.tasks
}

func (s *Store) Results() *ResultStore {
	return s.results
}

func (s *Store) Close() error {
	return s.db.Close()
}
