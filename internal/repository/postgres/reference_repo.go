package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// referenceRepository implements repository.FileReferenceRepository for PostgreSQL.
type referenceRepository struct {
	db *DB
}

// NewFileReferenceRepository creates a new PostgreSQL file reference repository.
func NewFileReferenceRepository(db *DB) repository.FileReferenceRepository {
	return &referenceRepository{db: db}
}

// Increment adds one to the counter, creating it on first reference.
func (r *referenceRepository) Increment(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	// Use PostgreSQL's INSERT ... ON CONFLICT DO UPDATE for atomic upsert
	query := `
		INSERT INTO file_references (sha256, credentials_key, count, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (sha256, credentials_key) DO UPDATE
		SET count = GREATEST(file_references.count, 0) + 1, updated_at = EXCLUDED.updated_at
		RETURNING count
	`

	var count int64
	if err := r.db.Pool.QueryRow(ctx, query, sha256, credentialsKey, time.Now().UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment file reference: %w", err)
	}
	return count, nil
}

// Decrement subtracts one from the counter without going below zero.
func (r *referenceRepository) Decrement(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	query := `
		UPDATE file_references
		SET count = GREATEST(count - 1, 0), updated_at = $1
		WHERE sha256 = $2 AND credentials_key = $3
		RETURNING count
	`

	var count int64
	err := r.db.Pool.QueryRow(ctx, query, time.Now().UTC(), sha256, credentialsKey).Scan(&count)
	if err != nil {
		if isNoRows(err) {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to decrement file reference: %w", err)
	}
	return count, nil
}

// Count returns the current count or 0.
func (r *referenceRepository) Count(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT count FROM file_references WHERE sha256 = $1 AND credentials_key = $2`,
		sha256, credentialsKey,
	).Scan(&count)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get file reference count: %w", err)
	}
	return count, nil
}

// Get retrieves the counter.
func (r *referenceRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.FileReference, error) {
	query := `
		SELECT id, sha256, credentials_key, count, created_at, updated_at
		FROM file_references
		WHERE sha256 = $1 AND credentials_key = $2
	`

	ref, err := scanReference(r.db.Pool.QueryRow(ctx, query, sha256, credentialsKey))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file reference: %w", err)
	}
	return ref, nil
}

// Set overwrites the count, creating the counter if needed.
func (r *referenceRepository) Set(ctx context.Context, sha256, credentialsKey string, count int64) error {
	query := `
		INSERT INTO file_references (sha256, credentials_key, count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (sha256, credentials_key) DO UPDATE
		SET count = EXCLUDED.count, updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Pool.Exec(ctx, query, sha256, credentialsKey, count, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set file reference: %w", err)
	}
	return nil
}

// Delete removes the counter if it is still an orphan.
func (r *referenceRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM file_references WHERE sha256 = $1 AND credentials_key = $2 AND count <= 0`,
		sha256, credentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete file reference: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing deleted: either the counter is gone or it was resurrected.
	count, err := r.Count(ctx, sha256, credentialsKey)
	if err != nil {
		return err
	}
	if count > 0 {
		return repository.ErrConflict
	}
	return nil
}

// ListOrphans returns counters at or below zero.
func (r *referenceRepository) ListOrphans(ctx context.Context, afterID int64, limit int) ([]*domain.FileReference, error) {
	query := `
		SELECT id, sha256, credentials_key, count, created_at, updated_at
		FROM file_references
		WHERE count <= 0 AND id > $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan references: %w", err)
	}
	defer rows.Close()

	var refs []*domain.FileReference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file reference: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file references: %w", err)
	}
	return refs, nil
}

func scanReference(row pgx.Row) (*domain.FileReference, error) {
	ref := &domain.FileReference{}
	if err := row.Scan(&ref.ID, &ref.Sha256, &ref.CredentialsKey, &ref.Count, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		return nil, err
	}
	return ref, nil
}

// Ensure referenceRepository implements repository.FileReferenceRepository
var _ repository.FileReferenceRepository = (*referenceRepository)(nil)
