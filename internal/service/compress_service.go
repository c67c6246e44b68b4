package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// CompressService drives blobs along the compression track.
// A compress record holds a reference on its base blob for as long as its
// status holds the base, so the base outlives every delta built on it.
type CompressService struct {
	compress repository.CompressRepository
	dir      *NodeDirectory
	refs     *ReferenceCounter
	blobs    *storage.BlobStore
	operator string
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewCompressService creates a new compress service.
func NewCompressService(
	compress repository.CompressRepository,
	dir *NodeDirectory,
	refs *ReferenceCounter,
	blobs *storage.BlobStore,
	logger zerolog.Logger,
	operator string,
) *CompressService {
	return &CompressService{
		compress: compress,
		dir:      dir,
		refs:     refs,
		blobs:    blobs,
		operator: operator,
		clock:    clock.Real{},
		logger:   logger.With().Str("service", "compress").Logger(),
	}
}

// Compress requests that sha256 be stored as a delta against base.
// Returns false when the blob already is on the compression track.
func (s *CompressService) Compress(ctx context.Context, sha256 string, size int64, base string, baseSize int64, credentialsKey string) (bool, error) {
	if sha256 == base {
		return false, domain.NewDomainError(domain.ErrSelfBase, "", sha256)
	}
	logger := s.logger.With().Str("sha256", sha256).Str("base", base).Str("credentials_key", credentialsKey).Logger()

	existing, err := s.getRecord(ctx, sha256, credentialsKey)
	if err != nil {
		return false, err
	}
	chainLength := 1
	if existing != nil {
		if existing.Status != domain.CompressStatusNone {
			if existing.Status == domain.CompressStatusCompleted {
				// New nodes may point at the blob without the flag; let completion run again.
				if _, err := s.compress.SwapStatus(ctx, sha256, credentialsKey, domain.CompressStatusCompleted, domain.CompressStatusCompressed, s.operator); err != nil {
					return false, fmt.Errorf("failed to reopen compress record: %w", err)
				}
			}
			return false, nil
		}
		// The blob heads its own chain: the new chain stacks on top of it.
		chainLength = existing.ChainLength + 1
	}
	if chainLength > domain.MaxChainLength {
		return false, domain.NewDomainError(domain.ErrChainTooLong, fmt.Sprintf("length %d", chainLength), sha256)
	}

	baseRecord, err := s.getRecord(ctx, base, credentialsKey)
	if err != nil {
		return false, err
	}
	if baseRecord != nil && baseRecord.Status != domain.CompressStatusNone {
		return false, domain.NewDomainError(domain.ErrBaseCompressed, string(baseRecord.Status), base)
	}

	now := s.clock.Now()
	record := &domain.CompressRecord{
		Sha256:           sha256,
		CredentialsKey:   credentialsKey,
		BaseSha256:       base,
		BaseSize:         baseSize,
		UncompressedSize: size,
		ChainLength:      chainLength,
		Status:           domain.CompressStatusCreated,
		CreatedBy:        s.operator,
		CreatedAt:        now,
		LastModifiedBy:   s.operator,
		LastModifiedAt:   now,
	}

	if existing != nil {
		swapped, err := s.compress.SwapStatus(ctx, sha256, credentialsKey, domain.CompressStatusNone, domain.CompressStatusCreated, s.operator)
		if err != nil {
			return false, fmt.Errorf("failed to claim chain head: %w", err)
		}
		if !swapped {
			return false, nil
		}
		if err := s.compress.Update(ctx, record); err != nil {
			return false, fmt.Errorf("failed to update compress record: %w", err)
		}
	} else {
		created, err := s.compress.Create(ctx, record)
		if err != nil {
			return false, fmt.Errorf("failed to create compress record: %w", err)
		}
		if !created {
			return false, nil
		}
	}

	if _, err := s.refs.Increment(ctx, base, credentialsKey); err != nil {
		// the record must not hold a base it has no reference on
		s.deleteRecord(ctx, sha256, credentialsKey)
		return false, err
	}

	if err := s.updateChainHead(ctx, base, baseSize, credentialsKey, chainLength); err != nil {
		logger.Warn().Err(err).Msg("failed to update chain head")
	}

	logger.Info().Int("chain_length", chainLength).Msg("compress record created")
	return true, nil
}

// updateChainHead creates or widens the NONE bookkeeping row of a base blob.
func (s *CompressService) updateChainHead(ctx context.Context, base string, baseSize int64, credentialsKey string, chainLength int) error {
	now := s.clock.Now()
	head := &domain.CompressRecord{
		Sha256:           base,
		CredentialsKey:   credentialsKey,
		UncompressedSize: baseSize,
		ChainLength:      chainLength,
		Status:           domain.CompressStatusNone,
		CreatedBy:        s.operator,
		CreatedAt:        now,
		LastModifiedBy:   s.operator,
		LastModifiedAt:   now,
	}
	created, err := s.compress.Create(ctx, head)
	if err != nil || created {
		return err
	}

	existing, err := s.getRecord(ctx, base, credentialsKey)
	if err != nil || existing == nil {
		return err
	}
	if existing.Status != domain.CompressStatusNone || existing.ChainLength >= chainLength {
		return nil
	}
	existing.ChainLength = chainLength
	existing.LastModifiedBy = s.operator
	existing.LastModifiedAt = now
	return s.compress.Update(ctx, existing)
}

// GetCompressRecord returns the compress record of a blob.
// Returns domain.ErrCompressRecordNotFound if there is none.
func (s *CompressService) GetCompressRecord(ctx context.Context, sha256, credentialsKey string) (*domain.CompressRecord, error) {
	record, err := s.getRecord(ctx, sha256, credentialsKey)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.NewDomainError(domain.ErrCompressRecordNotFound, "", domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}.String())
	}
	return record, nil
}

func (s *CompressService) getRecord(ctx context.Context, sha256, credentialsKey string) (*domain.CompressRecord, error) {
	record, err := s.compress.Get(ctx, sha256, credentialsKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get compress record: %w", err)
	}
	return record, nil
}

// Uncompress requests that a compressed blob be rebuilt in primary storage.
// Requesting it for a blob that is not compressed, or whose rebuild is already
// under way, is not an error.
func (s *CompressService) Uncompress(ctx context.Context, sha256, credentialsKey string) error {
	record, err := s.GetCompressRecord(ctx, sha256, credentialsKey)
	if err != nil {
		return err
	}

	switch record.Status {
	case domain.CompressStatusCompressed, domain.CompressStatusCompleted, domain.CompressStatusUncompressFailed:
	case domain.CompressStatusNone, domain.CompressStatusWaitToUncompress,
		domain.CompressStatusUncompressing, domain.CompressStatusUncompressed:
		return nil
	default:
		return domain.NewDomainError(domain.ErrInvalidStatus, "cannot uncompress from "+string(record.Status), record.Key().String())
	}

	swapped, err := s.compress.SwapStatus(ctx, sha256, credentialsKey, record.Status, domain.CompressStatusWaitToUncompress, s.operator)
	if err != nil {
		return fmt.Errorf("failed to request uncompress: %w", err)
	}
	if !swapped {
		return domain.NewDomainError(domain.ErrInvalidStatus, "record changed concurrently", record.Key().String())
	}

	s.logger.Info().Str("sha256", sha256).Str("credentials_key", credentialsKey).Msg("uncompress requested")
	return nil
}

// CompleteCompress finishes a record the worker moved to COMPRESSED or
// UNCOMPRESSED. Running it again on a finished record is a no-op.
func (s *CompressService) CompleteCompress(ctx context.Context, record *domain.CompressRecord) (CompletionResult, error) {
	switch record.Status {
	case domain.CompressStatusCompressed:
		return s.completeCompressed(ctx, record)
	case domain.CompressStatusUncompressed:
		return s.completeUncompressed(ctx, record)
	default:
		return CompletionResult{Outcome: CompletionNoop}, nil
	}
}

func (s *CompressService) completeCompressed(ctx context.Context, record *domain.CompressRecord) (CompletionResult, error) {
	logger := s.logger.With().Str("sha256", record.Sha256).Str("credentials_key", record.CredentialsKey).Logger()

	// Nodes are flagged before the primary copy goes away, re-reading until no
	// unflagged node of the blob is left.
	flagged := 0
	for round := 0; ; round++ {
		dependents, err := s.dir.FindNodesBySha256(ctx, record.Sha256, record.CredentialsKey, repository.NodeQuery{
			Compressed: repository.Bool(false),
		})
		if err != nil {
			return CompletionResult{}, err
		}
		if len(dependents) == 0 {
			break
		}
		if round == maxSettleRounds {
			logger.Warn().Int("pending", len(dependents)).Msg("nodes keep appearing, leaving compress record for the next run")
			return CompletionResult{Outcome: CompletionDeferred, Nodes: flagged}, nil
		}
		for _, n := range dependents {
			if err := s.dir.SetCompressed(ctx, n.ProjectID, n.RepoName, n.FullPath, true); err != nil {
				if errors.Is(err, domain.ErrNodeNotFound) {
					continue
				}
				return CompletionResult{}, fmt.Errorf("failed to flag node %s: %w", n, err)
			}
			flagged++
		}
	}

	var reclaimed int64
	if err := s.blobs.Delete(ctx, record.Sha256, record.CredentialsKey); err == nil {
		reclaimed = record.UncompressedSize - record.CompressedSize
	} else if !storage.IsNotFound(err) {
		return CompletionResult{}, fmt.Errorf("failed to delete primary blob: %w", err)
	}

	swapped, err := s.compress.SwapStatus(ctx, record.Sha256, record.CredentialsKey, domain.CompressStatusCompressed, domain.CompressStatusCompleted, s.operator)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("failed to complete compress record: %w", err)
	}
	if !swapped {
		logger.Warn().Msg("compress record changed during completion")
	}

	logger.Info().
		Int("nodes", flagged).
		Str("reclaimed", humanBytes(reclaimed)).
		Msg("compress completed")
	return CompletionResult{Outcome: CompletionCompleted, Nodes: flagged, BytesReclaimed: reclaimed}, nil
}

func (s *CompressService) completeUncompressed(ctx context.Context, record *domain.CompressRecord) (CompletionResult, error) {
	dependents, err := s.dir.FindNodesBySha256(ctx, record.Sha256, record.CredentialsKey, repository.NodeQuery{
		Compressed: repository.Bool(true),
	})
	if err != nil {
		return CompletionResult{}, err
	}

	for _, n := range dependents {
		if err := s.dir.SetCompressed(ctx, n.ProjectID, n.RepoName, n.FullPath, false); err != nil {
			if errors.Is(err, domain.ErrNodeNotFound) {
				continue
			}
			return CompletionResult{}, fmt.Errorf("failed to unflag node %s: %w", n, err)
		}
	}

	if err := s.DeleteCompress(ctx, record.Sha256, record.CredentialsKey); err != nil {
		return CompletionResult{}, err
	}

	s.logger.Info().Str("sha256", record.Sha256).Int("nodes", len(dependents)).Msg("uncompress completed")
	return CompletionResult{Outcome: CompletionRestored, Nodes: len(dependents)}, nil
}

// DeleteCompress removes the delta and the record of a blob and releases the
// base reference the record held. Deleting a blob that has no record is not
// an error.
func (s *CompressService) DeleteCompress(ctx context.Context, sha256, credentialsKey string) error {
	record, err := s.getRecord(ctx, sha256, credentialsKey)
	if err != nil || record == nil {
		return err
	}

	if record.Status != domain.CompressStatusNone {
		if err := s.blobs.Delete(ctx, record.DeltaObjectKey(), credentialsKey); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("failed to delete delta: %w", err)
		}
	}
	if err := s.compress.Delete(ctx, sha256, credentialsKey); err != nil {
		return fmt.Errorf("failed to delete compress record: %w", err)
	}
	if record.Status.HoldsBase() {
		if _, err := s.refs.Decrement(ctx, record.BaseSha256, credentialsKey); err != nil {
			return err
		}
	}
	return nil
}

// deleteRecord drops a record without touching references, for rollback.
func (s *CompressService) deleteRecord(ctx context.Context, sha256, credentialsKey string) {
	if err := s.compress.Delete(context.WithoutCancel(ctx), sha256, credentialsKey); err != nil {
		s.logger.Error().Err(err).Str("sha256", sha256).Msg("failed to roll back compress record")
	}
}

// CompressCompleteJob finishes COMPRESSED and UNCOMPRESSED compress records.
type CompressCompleteJob struct {
	compress repository.CompressRepository
	service  *CompressService
	config   WorkerConfig
	logger   zerolog.Logger
}

// NewCompressCompleteJob creates a new compress completion job.
func NewCompressCompleteJob(compress repository.CompressRepository, service *CompressService, logger zerolog.Logger, config WorkerConfig) *CompressCompleteJob {
	return &CompressCompleteJob{
		compress: compress,
		service:  service,
		config:   config,
		logger:   logger.With().Str("service", "compress-complete").Logger(),
	}
}

// Name implements Job.
func (j *CompressCompleteJob) Name() string { return JobCompressComplete }

// Run implements Job.
func (j *CompressCompleteJob) Run(ctx context.Context, result *JobResult) error {
	for _, status := range []domain.CompressStatus{domain.CompressStatusCompressed, domain.CompressStatusUncompressed} {
		err := forEachCompressRecord(ctx, j.compress, status, j.config, func(ctx context.Context, rec *domain.CompressRecord) {
			res, err := j.service.CompleteCompress(ctx, rec)
			if err != nil {
				j.logger.Error().Err(err).Str("sha256", rec.Sha256).Str("status", string(rec.Status)).Msg("failed to complete compress record")
			}
			result.Update(func(r *JobResult) {
				r.Scanned++
				if err != nil {
					r.Errors++
					return
				}
				switch res.Outcome {
				case CompletionCompleted:
					r.Compressed++
					r.BytesReclaimed += res.BytesReclaimed
				case CompletionRestored:
					r.Uncompressed++
				default:
					r.Skipped++
				}
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// forEachCompressRecord pages through records in a status and hands each to
// fn with bounded concurrency.
func forEachCompressRecord(ctx context.Context, compress repository.CompressRepository, status domain.CompressStatus, cfg WorkerConfig, fn func(ctx context.Context, rec *domain.CompressRecord)) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := compress.ListByStatus(ctx, status, afterID, batchSize(cfg.BatchSize))
		if err != nil {
			return fmt.Errorf("failed to list %s compress records: %w", status, err)
		}
		if len(page) == 0 {
			return nil
		}
		runBounded(ctx, cfg.Concurrency, page, fn)
		afterID = page[len(page)-1].ID
		if len(page) < batchSize(cfg.BatchSize) {
			return nil
		}
	}
}
