package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// referenceRepository implements repository.FileReferenceRepository for SQLite.
type referenceRepository struct {
	db *DB
}

// NewFileReferenceRepository creates a new SQLite file reference repository.
func NewFileReferenceRepository(db *DB) repository.FileReferenceRepository {
	return &referenceRepository{db: db}
}

// Increment adds one to the counter, creating it on first reference.
func (r *referenceRepository) Increment(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	now := formatTime(time.Now())
	query := `
		INSERT INTO file_references (sha256, credentials_key, count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (sha256, credentials_key)
		DO UPDATE SET count = CASE WHEN count < 0 THEN 1 ELSE count + 1 END, updated_at = excluded.updated_at
		RETURNING count
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, sha256, credentialsKey, now, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment file reference: %w", err)
	}
	return count, nil
}

// Decrement subtracts one from the counter without going below zero.
func (r *referenceRepository) Decrement(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	query := `
		UPDATE file_references
		SET count = CASE WHEN count > 0 THEN count - 1 ELSE 0 END, updated_at = ?
		WHERE sha256 = ? AND credentials_key = ?
		RETURNING count
	`

	var count int64
	err := r.db.QueryRowContext(ctx, query, formatTime(time.Now()), sha256, credentialsKey).Scan(&count)
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
	err := r.db.QueryRowContext(ctx,
		`SELECT count FROM file_references WHERE sha256 = ? AND credentials_key = ?`,
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
		WHERE sha256 = ? AND credentials_key = ?
	`

	ref, err := scanReference(r.db.QueryRowContext(ctx, query, sha256, credentialsKey))
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
	now := formatTime(time.Now())
	query := `
		INSERT INTO file_references (sha256, credentials_key, count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sha256, credentials_key)
		DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at
	`

	if _, err := r.db.ExecContext(ctx, query, sha256, credentialsKey, count, now, now); err != nil {
		return fmt.Errorf("failed to set file reference: %w", err)
	}
	return nil
}

// Delete removes the counter if it is still an orphan.
func (r *referenceRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var count int64
		err := tx.QueryRowContext(ctx,
			`SELECT count FROM file_references WHERE sha256 = ? AND credentials_key = ?`,
			sha256, credentialsKey,
		).Scan(&count)
		if err != nil {
			if isNoRows(err) {
				return nil
			}
			return fmt.Errorf("failed to get file reference: %w", err)
		}
		if count > 0 {
			return repository.ErrConflict
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM file_references WHERE sha256 = ? AND credentials_key = ? AND count <= 0`,
			sha256, credentialsKey,
		)
		if err != nil {
			return fmt.Errorf("failed to delete file reference: %w", err)
		}
		return nil
	})
}

// ListOrphans returns counters at or below zero.
func (r *referenceRepository) ListOrphans(ctx context.Context, afterID int64, limit int) ([]*domain.FileReference, error) {
	query := `
		SELECT id, sha256, credentials_key, count, created_at, updated_at
		FROM file_references
		WHERE count <= 0 AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
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

func scanReference(row rowScanner) (*domain.FileReference, error) {
	ref := &domain.FileReference{}
	var createdAt, updatedAt string

	err := row.Scan(&ref.ID, &ref.Sha256, &ref.CredentialsKey, &ref.Count, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if ref.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ref.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return ref, nil
}

// Ensure referenceRepository implements repository.FileReferenceRepository
var _ repository.FileReferenceRepository = (*referenceRepository)(nil)
