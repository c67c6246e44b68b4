// Package badger stores job state in an embedded badger database.
package badger

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// StateStore implements repository.StateStore on badger.
// Keys are "<job>/<key>".
type StateStore struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens (or creates) a state store in dir.
func Open(dir string, logger zerolog.Logger) (*StateStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger state store: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("opened badger state store")
	return &StateStore{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

func stateKey(job, key string) []byte {
	return []byte(job + "/" + key)
}

// GetState returns the stored value.
func (s *StateStore) GetState(ctx context.Context, job, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(job, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job state: %w", err)
	}
	return value, nil
}

// PutState stores a value.
func (s *StateStore) PutState(ctx context.Context, job, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(job, key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put job state: %w", err)
	}
	return nil
}

// DeleteState removes a value.
func (s *StateStore) DeleteState(ctx context.Context, job, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(job, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete job state: %w", err)
	}
	return nil
}

// Ensure StateStore implements repository.StateStore
var _ repository.StateStore = (*StateStore)(nil)
