package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// ReferenceCounter is the only writer of blob reference counts.
type ReferenceCounter struct {
	refs   repository.FileReferenceRepository
	logger zerolog.Logger
}

// NewReferenceCounter creates a new reference counter.
func NewReferenceCounter(refs repository.FileReferenceRepository, logger zerolog.Logger) *ReferenceCounter {
	return &ReferenceCounter{
		refs:   refs,
		logger: logger.With().Str("service", "reference").Logger(),
	}
}

// Count returns the reference count of a blob, 0 if it has none.
func (c *ReferenceCounter) Count(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	n, err := c.refs.Count(ctx, sha256, credentialsKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count references: %w", err)
	}
	return n, nil
}

// Increment takes a reference on a blob.
func (c *ReferenceCounter) Increment(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	n, err := c.refs.Increment(ctx, sha256, credentialsKey)
	if err != nil {
		return 0, fmt.Errorf("failed to increment reference: %w", err)
	}
	c.logger.Trace().Str("sha256", sha256).Str("credentials_key", credentialsKey).Int64("count", n).Msg("reference incremented")
	return n, nil
}

// Decrement releases a reference on a blob. A blob with no counter is logged
// and reported as count 0.
func (c *ReferenceCounter) Decrement(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	n, err := c.refs.Decrement(ctx, sha256, credentialsKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.logger.Warn().Str("sha256", sha256).Str("credentials_key", credentialsKey).Msg("decrement of missing reference")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to decrement reference: %w", err)
	}
	c.logger.Trace().Str("sha256", sha256).Str("credentials_key", credentialsKey).Int64("count", n).Msg("reference decremented")
	return n, nil
}
