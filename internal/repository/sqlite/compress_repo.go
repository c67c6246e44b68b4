package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// compressRepository implements repository.CompressRepository for SQLite.
type compressRepository struct {
	db *DB
}

// NewCompressRepository creates a new SQLite compress record repository.
func NewCompressRepository(db *DB) repository.CompressRepository {
	return &compressRepository{db: db}
}

const compressColumns = `id, sha256, credentials_key, base_sha256, base_size, uncompressed_size,
	compressed_size, chain_length, status, created_by, created_at, last_modified_by, last_modified_at`

// Create inserts the record unless its key is taken.
func (r *compressRepository) Create(ctx context.Context, record *domain.CompressRecord) (bool, error) {
	query := `
		INSERT INTO compress_records (
			sha256, credentials_key, base_sha256, base_size, uncompressed_size, compressed_size,
			chain_length, status, created_by, created_at, last_modified_by, last_modified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sha256, credentials_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		record.Sha256,
		record.CredentialsKey,
		record.BaseSha256,
		record.BaseSize,
		record.UncompressedSize,
		record.CompressedSize,
		record.ChainLength,
		string(record.Status),
		record.CreatedBy,
		formatTime(record.CreatedAt),
		record.LastModifiedBy,
		formatTime(record.LastModifiedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create compress record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get compress record id: %w", err)
	}
	record.ID = id
	return true, nil
}

// Get retrieves a record.
func (r *compressRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.CompressRecord, error) {
	query := `SELECT ` + compressColumns + ` FROM compress_records WHERE sha256 = ? AND credentials_key = ?`

	record, err := scanCompressRecord(r.db.QueryRowContext(ctx, query, sha256, credentialsKey))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get compress record: %w", err)
	}
	return record, nil
}

// Update saves the mutable fields of a record.
func (r *compressRepository) Update(ctx context.Context, record *domain.CompressRecord) error {
	query := `
		UPDATE compress_records
		SET base_sha256 = ?, base_size = ?, uncompressed_size = ?, compressed_size = ?,
			chain_length = ?, status = ?, last_modified_by = ?, last_modified_at = ?
		WHERE sha256 = ? AND credentials_key = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		record.BaseSha256,
		record.BaseSize,
		record.UncompressedSize,
		record.CompressedSize,
		record.ChainLength,
		string(record.Status),
		record.LastModifiedBy,
		formatTime(record.LastModifiedAt),
		record.Sha256,
		record.CredentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update compress record: %w", err)
	}
	return requireAffected(result, repository.ErrNotFound)
}

// SwapStatus moves a record between statuses if it is in the expected one.
func (r *compressRepository) SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.CompressStatus, operator string) (bool, error) {
	query := `
		UPDATE compress_records
		SET status = ?, last_modified_by = ?, last_modified_at = ?
		WHERE sha256 = ? AND credentials_key = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query, string(to), operator, formatTime(time.Now()), sha256, credentialsKey, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to swap compress record status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Delete removes a record.
func (r *compressRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM compress_records WHERE sha256 = ? AND credentials_key = ?`,
		sha256, credentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete compress record: %w", err)
	}
	return nil
}

// CountByBase counts records that hold a reference on the base blob.
func (r *compressRepository) CountByBase(ctx context.Context, baseSha256, credentialsKey string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM compress_records
		WHERE base_sha256 = ? AND credentials_key = ? AND status NOT IN (?, ?)
	`

	var count int64
	err := r.db.QueryRowContext(ctx, query, baseSha256, credentialsKey,
		string(domain.CompressStatusNone), string(domain.CompressStatusCompressFailed),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count compress records by base: %w", err)
	}
	return count, nil
}

// ListByStatus returns a page of records in a status.
func (r *compressRepository) ListByStatus(ctx context.Context, status domain.CompressStatus, afterID int64, limit int) ([]*domain.CompressRecord, error) {
	query := `SELECT ` + compressColumns + ` FROM compress_records
		WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, string(status), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list compress records: %w", err)
	}
	defer rows.Close()

	var records []*domain.CompressRecord
	for rows.Next() {
		record, err := scanCompressRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compress record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compress records: %w", err)
	}
	return records, nil
}

func scanCompressRecord(row rowScanner) (*domain.CompressRecord, error) {
	record := &domain.CompressRecord{}
	var status, createdAt, modifiedAt string

	err := row.Scan(
		&record.ID,
		&record.Sha256,
		&record.CredentialsKey,
		&record.BaseSha256,
		&record.BaseSize,
		&record.UncompressedSize,
		&record.CompressedSize,
		&record.ChainLength,
		&status,
		&record.CreatedBy,
		&createdAt,
		&record.LastModifiedBy,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = domain.CompressStatus(status)
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.LastModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return record, nil
}

// Ensure compressRepository implements repository.CompressRepository
var _ repository.CompressRepository = (*compressRepository)(nil)
