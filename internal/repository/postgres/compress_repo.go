package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// compressRepository implements repository.CompressRepository for PostgreSQL.
type compressRepository struct {
	db *DB
}

// NewCompressRepository creates a new PostgreSQL compress record repository.
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sha256, credentials_key) DO NOTHING
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		record.Sha256,
		record.CredentialsKey,
		record.BaseSha256,
		record.BaseSize,
		record.UncompressedSize,
		record.CompressedSize,
		record.ChainLength,
		string(record.Status),
		record.CreatedBy,
		record.CreatedAt.UTC(),
		record.LastModifiedBy,
		record.LastModifiedAt.UTC(),
	).Scan(&record.ID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create compress record: %w", err)
	}
	return true, nil
}

// Get retrieves a record.
func (r *compressRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.CompressRecord, error) {
	query := `SELECT ` + compressColumns + ` FROM compress_records WHERE sha256 = $1 AND credentials_key = $2`

	record, err := scanCompressRecord(r.db.Pool.QueryRow(ctx, query, sha256, credentialsKey))
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
		SET base_sha256 = $1, base_size = $2, uncompressed_size = $3, compressed_size = $4,
			chain_length = $5, status = $6, last_modified_by = $7, last_modified_at = $8
		WHERE sha256 = $9 AND credentials_key = $10
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		record.BaseSha256,
		record.BaseSize,
		record.UncompressedSize,
		record.CompressedSize,
		record.ChainLength,
		string(record.Status),
		record.LastModifiedBy,
		record.LastModifiedAt.UTC(),
		record.Sha256,
		record.CredentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update compress record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SwapStatus moves a record between statuses if it is in the expected one.
func (r *compressRepository) SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.CompressStatus, operator string) (bool, error) {
	query := `
		UPDATE compress_records
		SET status = $1, last_modified_by = $2, last_modified_at = $3
		WHERE sha256 = $4 AND credentials_key = $5 AND status = $6
	`

	tag, err := r.db.Pool.Exec(ctx, query, string(to), operator, time.Now().UTC(), sha256, credentialsKey, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to swap compress record status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a record.
func (r *compressRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM compress_records WHERE sha256 = $1 AND credentials_key = $2`,
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
		WHERE base_sha256 = $1 AND credentials_key = $2 AND status NOT IN ($3, $4)
	`

	var count int64
	err := r.db.Pool.QueryRow(ctx, query, baseSha256, credentialsKey,
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
		WHERE status = $1 AND id > $2 ORDER BY id ASC LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, query, string(status), afterID, limit)
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

func scanCompressRecord(row pgx.Row) (*domain.CompressRecord, error) {
	record := &domain.CompressRecord{}
	var status string

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
		&record.CreatedAt,
		&record.LastModifiedBy,
		&record.LastModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = domain.CompressStatus(status)
	return record, nil
}

// Ensure compressRepository implements repository.CompressRepository
var _ repository.CompressRepository = (*compressRepository)(nil)
