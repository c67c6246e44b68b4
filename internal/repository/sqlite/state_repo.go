package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// stateStore implements repository.StateStore for SQLite.
type stateStore struct {
	db *DB
}

// NewStateStore creates a new SQLite job state store.
func NewStateStore(db *DB) repository.StateStore {
	return &stateStore{db: db}
}

// GetState returns the stored value.
func (s *stateStore) GetState(ctx context.Context, job, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM job_states WHERE job = ? AND key = ?`,
		job, key,
	).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}
	return value, nil
}

// PutState stores a value.
func (s *stateStore) PutState(ctx context.Context, job, key string, value []byte) error {
	query := `
		INSERT INTO job_states (job, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (job, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, job, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to put job state: %w", err)
	}
	return nil
}

// DeleteState removes a value.
func (s *stateStore) DeleteState(ctx context.Context, job, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_states WHERE job = ? AND key = ?`, job, key); err != nil {
		return fmt.Errorf("failed to delete job state: %w", err)
	}
	return nil
}

// Ensure stateStore implements repository.StateStore
var _ repository.StateStore = (*stateStore)(nil)
