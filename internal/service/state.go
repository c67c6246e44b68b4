package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// loadState decodes the JSON value stored under job/key into v.
// Returns false when nothing is stored.
func loadState(ctx context.Context, store repository.StateStore, job, key string, v any) (bool, error) {
	data, err := store.GetState(ctx, job, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load %s state %q: %w", job, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s state %q: %w", job, key, err)
	}
	return true, nil
}

// saveState stores v as JSON under job/key.
func saveState(ctx context.Context, store repository.StateStore, job, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s state %q: %w", job, key, err)
	}
	if err := store.PutState(ctx, job, key, data); err != nil {
		return fmt.Errorf("failed to save %s state %q: %w", job, key, err)
	}
	return nil
}
