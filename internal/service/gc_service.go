package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// GarbageCollector reaps blobs whose reference count dropped to zero.
type GarbageCollector struct {
	refs     repository.FileReferenceRepository
	compress repository.CompressRepository
	dir      *NodeDirectory
	archive  *ArchiveService
	deltas   *CompressService
	blobs    *storage.BlobStore
	logger   zerolog.Logger
	config   GCConfig
}

// GCConfig contains garbage collection configuration.
type GCConfig struct {
	// BatchSize is the page size when listing orphan references.
	BatchSize int

	// BloomFalsePositive is the false positive rate of the live-node filter.
	BloomFalsePositive float64

	// CheckUseConcurrency bounds the cross-shard exact lookups.
	CheckUseConcurrency int

	// DryRun logs what would be deleted without actually deleting.
	DryRun bool
}

// DefaultGCConfig returns sensible defaults.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		BatchSize:           1000,
		BloomFalsePositive:  0.001,
		CheckUseConcurrency: 16,
		DryRun:              false,
	}
}

// NewGarbageCollector creates a new garbage collector.
func NewGarbageCollector(
	refs repository.FileReferenceRepository,
	compress repository.CompressRepository,
	dir *NodeDirectory,
	archive *ArchiveService,
	deltas *CompressService,
	blobs *storage.BlobStore,
	logger zerolog.Logger,
	config GCConfig,
) *GarbageCollector {
	return &GarbageCollector{
		refs:     refs,
		compress: compress,
		dir:      dir,
		archive:  archive,
		deltas:   deltas,
		blobs:    blobs,
		logger:   logger.With().Str("service", "gc").Logger(),
		config:   config,
	}
}

// Name implements Job.
func (gc *GarbageCollector) Name() string { return JobReferenceCleanup }

// Run implements Job.
func (gc *GarbageCollector) Run(ctx context.Context, result *JobResult) error {
	start := time.Now()

	live, err := gc.buildLiveFilter(ctx)
	if err != nil {
		return err
	}
	gc.logger.Debug().
		Uint("bits", live.Cap()).
		Dur("duration", time.Since(start)).
		Msg("Live node filter built")

	var afterID int64
	limit := batchSize(gc.config.BatchSize)
	// requeued counters come back with a new id; each blob is tried once a run
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		orphans, err := gc.refs.ListOrphans(ctx, afterID, limit)
		if err != nil {
			return fmt.Errorf("failed to list orphan references: %w", err)
		}
		if len(orphans) == 0 {
			return nil
		}

		for _, ref := range orphans {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, ok := seen[ref.CredentialsKey+"/"+ref.Sha256]; ok {
				continue
			}
			seen[ref.CredentialsKey+"/"+ref.Sha256] = struct{}{}
			freed, reaped, err := gc.reap(ctx, live, ref)
			result.Update(func(r *JobResult) {
				r.Scanned++
				switch {
				case err != nil:
					r.Errors++
				case reaped:
					r.Reaped++
					r.BytesReclaimed += freed
				default:
					r.Skipped++
				}
			})
			if err != nil {
				gc.logger.Error().
					Err(err).
					Str("sha256", ref.Sha256).
					Str("credentials_key", ref.CredentialsKey).
					Msg("Failed to reap orphan blob")
			}
		}

		afterID = orphans[len(orphans)-1].ID
		if len(orphans) < limit {
			return nil
		}
	}
}

// buildLiveFilter adds the hash of every live node of every shard to a bloom
// filter. A miss proves no node references the hash.
func (gc *GarbageCollector) buildLiveFilter(ctx context.Context) (*bloom.BloomFilter, error) {
	nodes := gc.dir.Nodes()
	q := repository.NodeQuery{ExcludeSentinel: true}

	var total int64
	for shard := 0; shard < nodes.ShardCount(); shard++ {
		n, _, err := nodes.Count(ctx, shard, q)
		if err != nil {
			return nil, fmt.Errorf("failed to count shard %d: %w", shard, err)
		}
		total += n
	}

	fp := gc.config.BloomFalsePositive
	if fp <= 0 || fp >= 1 {
		fp = DefaultGCConfig().BloomFalsePositive
	}
	filter := bloom.NewWithEstimates(uint(max(total, 1)), fp)

	q.Limit = batchSize(gc.config.BatchSize)
	for shard := 0; shard < nodes.ShardCount(); shard++ {
		q.AfterID = 0
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			page, err := nodes.List(ctx, shard, q)
			if err != nil {
				return nil, fmt.Errorf("failed to list shard %d: %w", shard, err)
			}
			for _, n := range page {
				filter.AddString(n.Sha256)
			}
			if len(page) < q.Limit {
				break
			}
			q.AfterID = page[len(page)-1].ID
		}
	}
	return filter, nil
}

// reap deletes one orphan blob. It returns false without error when the blob
// turned out to be still in use.
func (gc *GarbageCollector) reap(ctx context.Context, live *bloom.BloomFilter, ref *domain.FileReference) (int64, bool, error) {
	logger := gc.logger.With().Str("sha256", ref.Sha256).Str("credentials_key", ref.CredentialsKey).Logger()

	nodeCount := int64(0)
	if live.TestString(ref.Sha256) {
		nodes, err := gc.dir.FindNodesBySha256(ctx, ref.Sha256, ref.CredentialsKey, repository.NodeQuery{})
		if err != nil {
			return 0, false, err
		}
		nodeCount = int64(len(nodes))
	}
	baseCount, err := gc.compress.CountByBase(ctx, ref.Sha256, ref.CredentialsKey)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count compress dependents: %w", err)
	}

	if inUse := nodeCount + baseCount; inUse > 0 {
		logger.Warn().
			Int64("count", ref.Count).
			Int64("nodes", nodeCount).
			Int64("deltas", baseCount).
			Msg("Orphan blob still in use, correcting reference count")
		if gc.config.DryRun {
			return 0, false, nil
		}
		if err := gc.refs.Set(ctx, ref.Sha256, ref.CredentialsKey, inUse); err != nil {
			return 0, false, fmt.Errorf("failed to correct reference count: %w", err)
		}
		return 0, false, nil
	}

	size := gc.blobSize(ctx, ref)

	if gc.config.DryRun {
		logger.Info().
			Str("size", humanBytes(size)).
			Msg("[DRY RUN] Would delete orphan blob")
		return size, true, nil
	}

	// The counter goes first and only while it is still an orphan, so a
	// reference taken since the count above keeps the blob. A reference taken
	// after this point recreates the counter.
	if err := gc.refs.Delete(ctx, ref.Sha256, ref.CredentialsKey); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			logger.Info().Msg("Orphan blob referenced again, keeping it")
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to delete reference: %w", err)
	}

	freed, reaped, err := gc.purge(ctx, ref, size, logger)
	if err != nil {
		// an orphan counter brings the blob back into the next run
		gc.requeue(ctx, ref, logger)
		return 0, false, err
	}
	return freed, reaped, nil
}

// purge removes the track records and the data of an orphan whose counter is
// already gone.
func (gc *GarbageCollector) purge(ctx context.Context, ref *domain.FileReference, size int64, logger zerolog.Logger) (int64, bool, error) {
	if err := gc.deltas.DeleteCompress(ctx, ref.Sha256, ref.CredentialsKey); err != nil {
		return 0, false, err
	}
	if err := gc.archive.DeleteArchive(ctx, ref.Sha256, ref.CredentialsKey); err != nil {
		return 0, false, err
	}

	shared, err := gc.sharedInUse(ctx, ref)
	if err != nil {
		return 0, false, err
	}
	if shared != "" {
		logger.Info().Str("shared_with", shared).Msg("Blob still referenced through shared storage, keeping data")
		return 0, true, nil
	}

	// last exact look before the data goes
	count, err := gc.refs.Count(ctx, ref.Sha256, ref.CredentialsKey)
	if err != nil {
		return 0, false, fmt.Errorf("failed to count references: %w", err)
	}
	used, err := gc.dir.AnyNodeBySha256(ctx, ref.Sha256, ref.CredentialsKey, repository.NodeQuery{}, gc.config.CheckUseConcurrency)
	if err != nil {
		return 0, false, err
	}
	if count > 0 || used {
		logger.Warn().
			Int64("count", count).
			Bool("nodes", used).
			Msg("Orphan blob referenced while it was reaped, keeping data")
		if count <= 0 {
			gc.requeue(ctx, ref, logger)
		}
		return 0, false, nil
	}

	if err := gc.blobs.Delete(ctx, ref.Sha256, ref.CredentialsKey); err != nil {
		if !storage.IsNotFound(err) {
			return 0, false, fmt.Errorf("failed to delete blob from storage: %w", err)
		}
		logger.Warn().Msg("Orphan blob missing from storage")
		size = 0
	}

	logger.Debug().Str("size", humanBytes(size)).Msg("Deleted orphan blob")
	return size, true, nil
}

// requeue recreates the counter of ref without disturbing a count that a new
// reference may have started in the meantime.
func (gc *GarbageCollector) requeue(ctx context.Context, ref *domain.FileReference, logger zerolog.Logger) {
	if _, err := gc.refs.Increment(ctx, ref.Sha256, ref.CredentialsKey); err != nil {
		logger.Error().Err(err).Msg("Failed to requeue orphan reference")
		return
	}
	if _, err := gc.refs.Decrement(ctx, ref.Sha256, ref.CredentialsKey); err != nil {
		logger.Error().Err(err).Msg("Failed to requeue orphan reference")
	}
}

// sharedInUse returns another credentials key on the same physical storage
// that still references the blob, or "" if there is none.
func (gc *GarbageCollector) sharedInUse(ctx context.Context, ref *domain.FileReference) (string, error) {
	for _, other := range gc.blobs.SharedKeys(ref.CredentialsKey) {
		count, err := gc.refs.Count(ctx, ref.Sha256, other)
		if err != nil {
			return "", fmt.Errorf("failed to count shared references: %w", err)
		}
		if count > 0 {
			return other, nil
		}
		used, err := gc.dir.AnyNodeBySha256(ctx, ref.Sha256, other, repository.NodeQuery{}, gc.config.CheckUseConcurrency)
		if err != nil {
			return "", err
		}
		if used {
			return other, nil
		}
	}
	return "", nil
}

func (gc *GarbageCollector) blobSize(ctx context.Context, ref *domain.FileReference) int64 {
	backend, err := gc.blobs.Backend(ref.CredentialsKey)
	if err != nil {
		return 0
	}
	size, err := backend.GetSize(ctx, ref.Sha256)
	if err != nil {
		return 0
	}
	return size
}
