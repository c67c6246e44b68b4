package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// ArchiveConfig contains archive track configuration.
type ArchiveConfig struct {
	// ArchiveCredentialsKey names the archive tier backend.
	ArchiveCredentialsKey string

	// Archiver is domain.ArchiverXZ or domain.ArchiverNone.
	Archiver string

	// StorageClass is recorded on new archive records.
	StorageClass string

	// IdleWindow is the window reuse detection looks at during completion.
	IdleWindow time.Duration

	// Operator is written to the audit fields of records.
	Operator string
}

// DefaultArchiveConfig returns sensible defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		ArchiveCredentialsKey: "archive",
		Archiver:              domain.ArchiverXZ,
		StorageClass:          "DEEP_ARCHIVE",
		IdleWindow:            180 * 24 * time.Hour,
		Operator:              "lifecycle",
	}
}

// Completion outcomes.
const (
	CompletionNoop      = "noop"
	CompletionCompleted = "completed"
	CompletionReused    = "reused"
	CompletionRestored  = "restored"
	CompletionDeferred  = "deferred"
)

// maxSettleRounds bounds how often a completion re-reads the nodes of a blob
// that keep appearing while it flags them.
const maxSettleRounds = 3

// CompletionResult describes what completing a record did.
type CompletionResult struct {
	Outcome        string
	Nodes          int
	BytesReclaimed int64
}

// ArchiveService drives blobs along the archive track.
type ArchiveService struct {
	archives repository.ArchiveRepository
	dir      *NodeDirectory
	blobs    *storage.BlobStore
	config   ArchiveConfig
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewArchiveService creates a new archive service.
func NewArchiveService(
	archives repository.ArchiveRepository,
	dir *NodeDirectory,
	blobs *storage.BlobStore,
	logger zerolog.Logger,
	config ArchiveConfig,
) *ArchiveService {
	return &ArchiveService{
		archives: archives,
		dir:      dir,
		blobs:    blobs,
		config:   config,
		clock:    clock.Real{},
		logger:   logger.With().Str("service", "archive").Logger(),
	}
}

// Archive creates the archive record of a blob.
// Returns false when a record already exists, which makes the call a skip.
func (s *ArchiveService) Archive(ctx context.Context, sha256, credentialsKey string, size int64) (bool, error) {
	now := s.clock.Now()
	record := &domain.ArchiveRecord{
		Sha256:                sha256,
		CredentialsKey:        credentialsKey,
		Size:                  size,
		Status:                domain.ArchiveStatusCreated,
		Archiver:              s.config.Archiver,
		ArchiveCredentialsKey: s.config.ArchiveCredentialsKey,
		StorageClass:          s.config.StorageClass,
		CreatedBy:             s.config.Operator,
		CreatedAt:             now,
		LastModifiedBy:        s.config.Operator,
		LastModifiedAt:        now,
	}

	created, err := s.archives.Create(ctx, record)
	if err != nil {
		return false, fmt.Errorf("failed to create archive record: %w", err)
	}
	if created {
		s.logger.Info().
			Str("sha256", sha256).
			Str("credentials_key", credentialsKey).
			Str("size", humanBytes(size)).
			Msg("archive record created")
	}
	return created, nil
}

// GetArchiveRecord returns the archive record of a blob.
// Returns domain.ErrArchiveRecordNotFound if there is none.
func (s *ArchiveService) GetArchiveRecord(ctx context.Context, sha256, credentialsKey string) (*domain.ArchiveRecord, error) {
	record, err := s.archives.Get(ctx, sha256, credentialsKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewDomainError(domain.ErrArchiveRecordNotFound, "", domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}.String())
		}
		return nil, fmt.Errorf("failed to get archive record: %w", err)
	}
	return record, nil
}

// Restore requests a blob back from the archive tier.
// Requesting a restore that is already under way is not an error.
func (s *ArchiveService) Restore(ctx context.Context, sha256, credentialsKey string) error {
	record, err := s.GetArchiveRecord(ctx, sha256, credentialsKey)
	if err != nil {
		return err
	}

	switch record.Status {
	case domain.ArchiveStatusWaitToRestore, domain.ArchiveStatusRestoring, domain.ArchiveStatusRestored:
		return nil
	}
	if !record.Status.IsRestorable() {
		return domain.NewDomainError(domain.ErrArchiveNotRestorable, string(record.Status), record.Key().String())
	}

	swapped, err := s.archives.SwapStatus(ctx, sha256, credentialsKey, record.Status, domain.ArchiveStatusWaitToRestore, s.config.Operator)
	if err != nil {
		return fmt.Errorf("failed to request restore: %w", err)
	}
	if !swapped {
		return domain.NewDomainError(domain.ErrInvalidStatus, "record changed concurrently", record.Key().String())
	}

	s.logger.Info().Str("sha256", sha256).Str("credentials_key", credentialsKey).Msg("restore requested")
	return nil
}

// CompleteArchive finishes a record the worker moved to ARCHIVED or RESTORED.
// Running it again on a finished record is a no-op.
func (s *ArchiveService) CompleteArchive(ctx context.Context, record *domain.ArchiveRecord) (CompletionResult, error) {
	switch record.Status {
	case domain.ArchiveStatusArchived:
		return s.completeArchived(ctx, record)
	case domain.ArchiveStatusRestored:
		return s.completeRestored(ctx, record)
	default:
		return CompletionResult{Outcome: CompletionNoop}, nil
	}
}

func (s *ArchiveService) completeArchived(ctx context.Context, record *domain.ArchiveRecord) (CompletionResult, error) {
	logger := s.logger.With().Str("sha256", record.Sha256).Str("credentials_key", record.CredentialsKey).Logger()

	// Reuse detection: somebody downloaded the blob after archival was decided.
	reuseFrom := s.clock.Now().Add(-s.config.IdleWindow)
	if record.CreatedAt.After(reuseFrom) {
		reuseFrom = record.CreatedAt
	}

	// Nodes are flagged before the primary copy goes away. The unflagged set is
	// read again after every pass so that a node created meanwhile is flagged
	// too; the delete only happens after a read that comes back empty.
	flagged := 0
	for round := 0; ; round++ {
		dependents, err := s.dir.FindNodesBySha256(ctx, record.Sha256, record.CredentialsKey, repository.NodeQuery{
			Archived: repository.Bool(false),
		})
		if err != nil {
			return CompletionResult{}, err
		}
		if len(dependents) == 0 {
			break
		}
		if round == maxSettleRounds {
			logger.Warn().Int("pending", len(dependents)).Msg("nodes keep appearing, leaving archive for the next run")
			return CompletionResult{Outcome: CompletionDeferred, Nodes: flagged}, nil
		}

		for _, n := range dependents {
			if n.AccessedSince(reuseFrom) {
				logger.Info().Str("node", n.String()).Msg("blob reused after archival, dropping archive copy")
				if err := s.unflagArchived(ctx, record); err != nil {
					return CompletionResult{}, err
				}
				if err := s.DeleteArchive(ctx, record.Sha256, record.CredentialsKey); err != nil {
					return CompletionResult{}, err
				}
				return CompletionResult{Outcome: CompletionReused}, nil
			}
		}

		for _, n := range dependents {
			if err := s.dir.SetArchived(ctx, n.ProjectID, n.RepoName, n.FullPath, true); err != nil {
				if errors.Is(err, domain.ErrNodeNotFound) {
					continue
				}
				return CompletionResult{}, fmt.Errorf("failed to flag node %s: %w", n, err)
			}
			flagged++
		}
	}

	reclaimed, err := s.deletePrimary(ctx, record.Sha256, record.CredentialsKey, record.Size)
	if err != nil {
		return CompletionResult{}, err
	}

	swapped, err := s.archives.SwapStatus(ctx, record.Sha256, record.CredentialsKey, domain.ArchiveStatusArchived, domain.ArchiveStatusCompleted, s.config.Operator)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("failed to complete archive record: %w", err)
	}
	if !swapped {
		logger.Warn().Msg("archive record changed during completion")
	}

	logger.Info().Int("nodes", flagged).Str("reclaimed", humanBytes(reclaimed)).Msg("archive completed")
	return CompletionResult{Outcome: CompletionCompleted, Nodes: flagged, BytesReclaimed: reclaimed}, nil
}

// unflagArchived clears the archived flag of every node of the blob. Used when
// a reuse is detected after earlier passes already flagged some nodes.
func (s *ArchiveService) unflagArchived(ctx context.Context, record *domain.ArchiveRecord) error {
	nodes, err := s.dir.FindNodesBySha256(ctx, record.Sha256, record.CredentialsKey, repository.NodeQuery{
		Archived: repository.Bool(true),
	})
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := s.dir.SetArchived(ctx, n.ProjectID, n.RepoName, n.FullPath, false); err != nil && !errors.Is(err, domain.ErrNodeNotFound) {
			return fmt.Errorf("failed to unflag node %s: %w", n, err)
		}
	}
	return nil
}

func (s *ArchiveService) completeRestored(ctx context.Context, record *domain.ArchiveRecord) (CompletionResult, error) {
	dependents, err := s.dir.FindNodesBySha256(ctx, record.Sha256, record.CredentialsKey, repository.NodeQuery{
		Archived: repository.Bool(true),
	})
	if err != nil {
		return CompletionResult{}, err
	}

	for _, n := range dependents {
		if err := s.dir.SetArchived(ctx, n.ProjectID, n.RepoName, n.FullPath, false); err != nil {
			if errors.Is(err, domain.ErrNodeNotFound) {
				continue
			}
			return CompletionResult{}, fmt.Errorf("failed to unflag node %s: %w", n, err)
		}
	}

	if err := s.DeleteArchive(ctx, record.Sha256, record.CredentialsKey); err != nil {
		return CompletionResult{}, err
	}

	s.logger.Info().
		Str("sha256", record.Sha256).
		Str("credentials_key", record.CredentialsKey).
		Int("nodes", len(dependents)).
		Msg("restore completed")
	return CompletionResult{Outcome: CompletionRestored, Nodes: len(dependents)}, nil
}

// DeleteArchive removes the archive copy and the record of a blob.
// Deleting a blob that has no record is not an error.
func (s *ArchiveService) DeleteArchive(ctx context.Context, sha256, credentialsKey string) error {
	record, err := s.archives.Get(ctx, sha256, credentialsKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get archive record: %w", err)
	}

	if err := s.deleteArchiveCopy(ctx, record); err != nil {
		return err
	}
	if err := s.archives.Delete(ctx, sha256, credentialsKey); err != nil {
		return fmt.Errorf("failed to delete archive record: %w", err)
	}
	return nil
}

func (s *ArchiveService) deleteArchiveCopy(ctx context.Context, record *domain.ArchiveRecord) error {
	backend, err := s.blobs.ArchiveBackend(record.ArchiveCredentialsKey)
	if err != nil {
		return err
	}
	if err := backend.Delete(ctx, record.ArchiveObjectKey()); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("failed to delete archive copy: %w", err)
	}
	return nil
}

// deletePrimary removes the primary copy of a blob if it is still there and
// returns the bytes freed.
func (s *ArchiveService) deletePrimary(ctx context.Context, sha256, credentialsKey string, size int64) (int64, error) {
	err := s.blobs.Delete(ctx, sha256, credentialsKey)
	if err == nil {
		return size, nil
	}
	if storage.IsNotFound(err) {
		return 0, nil
	}
	return 0, fmt.Errorf("failed to delete primary blob: %w", err)
}
