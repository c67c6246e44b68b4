package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// archiveRepository implements repository.ArchiveRepository for SQLite.
type archiveRepository struct {
	db *DB
}

// NewArchiveRepository creates a new SQLite archive record repository.
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sha256, credentials_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		record.Sha256,
		record.CredentialsKey,
		record.Size,
		record.CompressedSize,
		string(record.Status),
		record.Archiver,
		record.ArchiveCredentialsKey,
		record.StorageClass,
		record.CreatedBy,
		formatTime(record.CreatedAt),
		record.LastModifiedBy,
		formatTime(record.LastModifiedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create archive record: %w", err)
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
		return false, fmt.Errorf("failed to get archive record id: %w", err)
	}
	record.ID = id
	return true, nil
}

// Get retrieves a record.
func (r *archiveRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.ArchiveRecord, error) {
	query := `SELECT ` + archiveColumns + ` FROM archive_records WHERE sha256 = ? AND credentials_key = ?`

	record, err := scanArchiveRecord(r.db.QueryRowContext(ctx, query, sha256, credentialsKey))
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
		SET compressed_size = ?, status = ?, archiver = ?, archive_credentials_key = ?,
			storage_class = ?, last_modified_by = ?, last_modified_at = ?
		WHERE sha256 = ? AND credentials_key = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		record.CompressedSize,
		string(record.Status),
		record.Archiver,
		record.ArchiveCredentialsKey,
		record.StorageClass,
		record.LastModifiedBy,
		formatTime(record.LastModifiedAt),
		record.Sha256,
		record.CredentialsKey,
	)
	if err != nil {
		return fmt.Errorf("failed to update archive record: %w", err)
	}
	return requireAffected(result, repository.ErrNotFound)
}

// SwapStatus moves a record between statuses if it is in the expected one.
func (r *archiveRepository) SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.ArchiveStatus, operator string) (bool, error) {
	query := `
		UPDATE archive_records
		SET status = ?, last_modified_by = ?, last_modified_at = ?
		WHERE sha256 = ? AND credentials_key = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query, string(to), operator, formatTime(time.Now()), sha256, credentialsKey, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to swap archive record status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Delete removes a record.
func (r *archiveRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM archive_records WHERE sha256 = ? AND credentials_key = ?`,
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
		WHERE status = ? AND id > ? ORDER BY id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, string(status), afterID, limit)
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

func scanArchiveRecord(row rowScanner) (*domain.ArchiveRecord, error) {
	record := &domain.ArchiveRecord{}
	var status, createdAt, modifiedAt string

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
		&createdAt,
		&record.LastModifiedBy,
		&modifiedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = domain.ArchiveStatus(status)
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if record.LastModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return record, nil
}

// Ensure archiveRepository implements repository.ArchiveRepository
var _ repository.ArchiveRepository = (*archiveRepository)(nil)
