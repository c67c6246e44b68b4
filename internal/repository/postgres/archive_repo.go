package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// archiveRepository implements repository.ArchiveRepository for PostgreSQL.
type archiveRepository struct {
	db *DB
}

// NewArchiveRepository creates a new PostgreSQL archive record repository.
func NewArchiveRepository(db *DB) repository.ArchiveRepository {
	return &archiveRepository{db: db}
}

const archiveColumns = `id, sha256, credentials_key, size, compressed_size, status, archiver,
	archive_credentials_key, storage_class, created_by, created_at, last_modified_by, last_modified_at`

// Create inserts the record unless its key is taken.
func (r *archiveRepository) Create(ctx context.Context, record *domain.ArchiveRecord) (bool, error) {
	query := `
		INSERT INTO archive_records (
			sha256, credentials_key, size, compressed_size, status, archiver,
			archive_credentials_key, storage_class, created_by, created_at, last_modified_by, last_modified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sha256, credentials_key) DO NOTHING
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		record.Sha256,
		record.CredentialsKey,
		record.Size,
		record.CompressedSize,
		string(record.Status),
		record.Archiver,
		record.ArchiveCredentialsKey,
		record.StorageClass,
		record.CreatedBy,
		record.CreatedAt.UTC(),
		record.LastModifiedBy,
		record.LastModifiedAt.UTC(),
	).Scan(&record.ID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create archive record: %w", err)
	}
	return true, nil
}

// Get retrieves a record.
func (r *archiveRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.ArchiveRecord, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_records WHERE sha256 = $1 AND credentials_key = $2`

	record, err := scanArchiveRecord(r.db.Pool.QueryRow(ctx, query, sha256, credentialsKey))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get archive record: %w", err)
	}
	return record, nil
}

// Update saves the mutable fields of a record.
func (r *archiveRepository) Update(ctx context.Context, record *domain.ArchiveRecord) error {
	query := `
		UPDATE archive_records
		SET compressed_size = $1, status = $2, archiver = $3, archive_credentials_key = $4,
			storage_class = $5, last_modified_by = $6, last_modified_at = $7
		WHERE sha256 = $8 AND credentials_key = $9
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		record.CompressedSize,
		string(record.Status),
		record.Archiver,
		record.ArchiveCredentialsKey,
		record.StorageClass,
		record.LastModifiedBy,
		record.LastModifiedAt.UTC(),
		record.Sha256,
		record.CredentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update archive record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SwapStatus moves a record between statuses if it is in the expected one.
func (r *archiveRepository) SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.ArchiveStatus, operator string) (bool, error) {
	query := `
		UPDATE archive_records
		SET status = $1, last_modified_by = $2, last_modified_at = $3
		WHERE sha256 = $4 AND credentials_key = $5 AND status = $6
	`

	tag, err := r.db.Pool.Exec(ctx, query, string(to), operator, time.Now().UTC(), sha256, credentialsKey, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to swap archive record status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a record.
func (r *archiveRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM archive_records WHERE sha256 = $1 AND credentials_key = $2`,
		sha256, credentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to delete archive record: %w", err)
	}
	return nil
}

// ListByStatus returns a page of records in a status.
func (r *archiveRepository) ListByStatus(ctx context.Context, status domain.ArchiveStatus, afterID int64, limit int) ([]*domain.ArchiveRecord, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_records
		WHERE status = $1 AND id > $2 ORDER BY id ASC LIMIT $3`

	rows, err := r.db.Pool.Query(ctx, query, string(status), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive records: %w", err)
	}
	defer rows.Close()

	var records []*domain.ArchiveRecord
	for rows.Next() {
		record, err := scanArchiveRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive records: %w", err)
	}
	return records, nil
}

func scanArchiveRecord(row pgx.Row) (*domain.ArchiveRecord, error) {
	record := &domain.ArchiveRecord{}
	var status string

	err := row.Scan(
		&record.ID,
		&record.Sha256,
		&record.CredentialsKey,
		&record.Size,
		&record.CompressedSize,
		&status,
		&record.Archiver,
		&record.ArchiveCredentialsKey,
		&record.StorageClass,
		&record.CreatedBy,
		&record.CreatedAt,
		&record.LastModifiedBy,
		&record.LastModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = domain.ArchiveStatus(status)
	return record, nil
}

// Ensure archiveRepository implements repository.ArchiveRepository
var _ repository.ArchiveRepository = (*archiveRepository)(nil)
