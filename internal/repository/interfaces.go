// Package repository defines data access interfaces for Alexander Lifecycle.
package repository

import (
	"context"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

// =============================================================================
// Node Directory
// =============================================================================

// NodeRepository is the sharded node directory.
// Every query operates on one shard; cross-shard searches are composed by the caller.
type NodeRepository interface {
	// ShardCount returns the number of shards. Always a power of two.
	ShardCount() int

	// ShardFor returns the shard index a project's nodes live in.
	ShardFor(projectID string) int

	// Create inserts a new node and sets its ID.
	// Returns ErrAlreadyExists if a live node with the same path exists.
	Create(ctx context.Context, node *domain.Node) error

	// GetByPath retrieves the live node at the given path.
	// Returns domain.ErrNodeNotFound if there is none.
	GetByPath(ctx context.Context, projectID, repoName, fullPath string) (*domain.Node, error)

	// List returns nodes of one shard matching the query, ordered by ID ascending.
	List(ctx context.Context, shard int, q NodeQuery) ([]*domain.Node, error)

	// Count returns the number of nodes of one shard matching the query
	// together with the sum of their sizes.
	Count(ctx context.Context, shard int, q NodeQuery) (count int64, size int64, err error)

	// SetArchived sets the archived flag of the live node at the given path.
	// Flag updates return domain.ErrNodeNotFound when no live node matches.
	SetArchived(ctx context.Context, projectID, repoName, fullPath string, archived bool) error

	// SetCompressed sets the compressed flag of the live node at the given path.
	SetCompressed(ctx context.Context, projectID, repoName, fullPath string, compressed bool) error

	// UpdateLastAccess records a download of the live node at the given path.
	UpdateLastAccess(ctx context.Context, projectID, repoName, fullPath string, at time.Time) error

	// SoftDelete marks the live node at the given path deleted.
	// Returns the deleted node.
	SoftDelete(ctx context.Context, projectID, repoName, fullPath string, at time.Time) (*domain.Node, error)

	// Restore clears the deleted mark of the node deleted at the given time.
	// Returns ErrAlreadyExists if a live node now occupies the path.
	Restore(ctx context.Context, projectID, repoName, fullPath string, deletedAt time.Time) (*domain.Node, error)
}

// NodeQuery filters nodes within a shard.
// The zero value matches live, non-folder nodes.
type NodeQuery struct {
	// ProjectIDs restricts to the given projects. Empty means all.
	ProjectIDs []string

	// RepoName restricts to one repository.
	RepoName string

	// Sha256 restricts to nodes pointing at the given blob.
	Sha256 string

	// PathPrefix restricts to nodes whose full path starts with the prefix.
	PathPrefix string

	// IncludeFolders also returns folder nodes.
	IncludeFolders bool

	// IncludeDeleted also returns soft-deleted nodes.
	IncludeDeleted bool

	// ExcludeSentinel drops nodes without a real blob (empty or fake sha256).
	ExcludeSentinel bool

	// Archived and Compressed filter on the lifecycle flags when set.
	Archived   *bool
	Compressed *bool

	// ArchivedOrCompressed matches nodes with either flag set.
	ArchivedOrCompressed bool

	// MinSize matches nodes with size strictly greater than MinSize when positive.
	MinSize int64

	// AccessedBefore matches nodes last accessed strictly before the time.
	// Never-accessed nodes match only when IncludeNeverAccessed is set.
	AccessedBefore *time.Time

	// AccessedFrom matches nodes last accessed at or after the time.
	AccessedFrom *time.Time

	// IncludeNeverAccessed widens AccessedBefore to nodes with no access date.
	IncludeNeverAccessed bool

	// AfterID is the paging cursor.
	AfterID int64

	// Limit caps the number of returned nodes. Zero means no limit.
	Limit int
}

// =============================================================================
// Repository Metadata
// =============================================================================

// RepoRepository stores artifact repository metadata.
type RepoRepository interface {
	// Get retrieves a repository. Returns domain.ErrRepositoryNotFound if it doesn't exist.
	Get(ctx context.Context, projectID, name string) (*domain.Repository, error)

	// Upsert creates or replaces a repository.
	Upsert(ctx context.Context, repo *domain.Repository) error

	// List returns all repositories of a project, or every repository when projectID is empty.
	List(ctx context.Context, projectID string) ([]*domain.Repository, error)
}

// =============================================================================
// Reference Counter
// =============================================================================

// FileReferenceRepository stores blob reference counts.
type FileReferenceRepository interface {
	// Increment atomically adds one to the counter, creating it if needed.
	// Returns the new count.
	Increment(ctx context.Context, sha256, credentialsKey string) (int64, error)

	// Decrement atomically subtracts one from the counter, never going below zero.
	// Returns the new count, or ErrNotFound if there is no counter.
	Decrement(ctx context.Context, sha256, credentialsKey string) (int64, error)

	// Count returns the current count, or 0 if there is no counter.
	Count(ctx context.Context, sha256, credentialsKey string) (int64, error)

	// Get retrieves the counter. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, sha256, credentialsKey string) (*domain.FileReference, error)

	// Set overwrites the count. Used to correct drifted counters.
	Set(ctx context.Context, sha256, credentialsKey string, count int64) error

	// Delete removes the counter only if its count is still zero or below.
	// Returns ErrConflict if the count became positive in the meantime.
	Delete(ctx context.Context, sha256, credentialsKey string) error

	// ListOrphans returns counters with count <= 0 and ID > afterID, ordered by ID.
	ListOrphans(ctx context.Context, afterID int64, limit int) ([]*domain.FileReference, error)
}

// =============================================================================
// Archive and Compress Records
// =============================================================================

// ArchiveRepository stores archive-track records.
type ArchiveRepository interface {
	// Create inserts the record if none exists for its key.
	// Returns false when another record already holds the key.
	Create(ctx context.Context, record *domain.ArchiveRecord) (bool, error)

	// Get retrieves a record. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, sha256, credentialsKey string) (*domain.ArchiveRecord, error)

	// Update saves every mutable field of the record.
	Update(ctx context.Context, record *domain.ArchiveRecord) error

	// SwapStatus moves the record from one status to another.
	// Returns false if the record was not in the expected status.
	SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.ArchiveStatus, operator string) (bool, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, sha256, credentialsKey string) error

	// ListByStatus returns records in the status with ID > afterID, ordered by ID.
	ListByStatus(ctx context.Context, status domain.ArchiveStatus, afterID int64, limit int) ([]*domain.ArchiveRecord, error)
}

// CompressRepository stores compression-track records.
type CompressRepository interface {
	// Create inserts the record if none exists for its key.
	// Returns false when another record already holds the key.
	Create(ctx context.Context, record *domain.CompressRecord) (bool, error)

	// Get retrieves a record. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, sha256, credentialsKey string) (*domain.CompressRecord, error)

	// Update saves every mutable field of the record.
	Update(ctx context.Context, record *domain.CompressRecord) error

	// SwapStatus moves the record from one status to another.
	// Returns false if the record was not in the expected status.
	SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.CompressStatus, operator string) (bool, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, sha256, credentialsKey string) error

	// CountByBase returns how many records that still hold their base use the given blob as base.
	CountByBase(ctx context.Context, baseSha256, credentialsKey string) (int64, error)

	// ListByStatus returns records in the status with ID > afterID, ordered by ID.
	ListByStatus(ctx context.Context, status domain.CompressStatus, afterID int64, limit int) ([]*domain.CompressRecord, error)
}

// =============================================================================
// Job State
// =============================================================================

// StateStore persists small per-job values (cutoff times, samples) across runs.
type StateStore interface {
	// GetState returns the value stored under job/key, or ErrNotFound.
	GetState(ctx context.Context, job, key string) ([]byte, error)

	// PutState stores a value under job/key.
	PutState(ctx context.Context, job, key string, value []byte) error

	// DeleteState removes job/key. Removing a missing key is not an error.
	DeleteState(ctx context.Context, job, key string) error
}
