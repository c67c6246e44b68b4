package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/crypto"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
	"github.com/prn-tf/alexander-lifecycle/internal/storage/codec"
)

// WorkerConfig contains configuration shared by record workers.
type WorkerConfig struct {
	// BatchSize is the page size when listing records.
	BatchSize int

	// Concurrency is how many records are processed in parallel.
	Concurrency int

	// TempDir is where blobs are staged. Empty uses the OS default.
	TempDir string

	// Operator is written to the audit fields of records.
	Operator string
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:   100,
		Concurrency: 4,
		Operator:    "lifecycle",
	}
}

// ArchiveWorker copies CREATED blobs to the archive tier and brings
// WAIT_TO_RESTORE blobs back to primary storage.
type ArchiveWorker struct {
	archives repository.ArchiveRepository
	blobs    *storage.BlobStore
	config   WorkerConfig
	logger   zerolog.Logger
}

// NewArchiveWorker creates a new archive worker.
func NewArchiveWorker(archives repository.ArchiveRepository, blobs *storage.BlobStore, logger zerolog.Logger, config WorkerConfig) *ArchiveWorker {
	return &ArchiveWorker{
		archives: archives,
		blobs:    blobs,
		config:   config,
		logger:   logger.With().Str("service", "archive-worker").Logger(),
	}
}

// Name implements Job.
func (w *ArchiveWorker) Name() string { return JobArchiveWorker }

// Run implements Job.
func (w *ArchiveWorker) Run(ctx context.Context, result *JobResult) error {
	err := forEachArchiveRecord(ctx, w.archives, domain.ArchiveStatusCreated, w.config, func(ctx context.Context, rec *domain.ArchiveRecord) {
		w.track(result, rec, w.ArchiveBlob(ctx, rec), func(r *JobResult) { r.Archived++ })
	})
	if err != nil {
		return err
	}

	return forEachArchiveRecord(ctx, w.archives, domain.ArchiveStatusWaitToRestore, w.config, func(ctx context.Context, rec *domain.ArchiveRecord) {
		w.track(result, rec, w.RestoreBlob(ctx, rec), func(r *JobResult) { r.Restored++ })
	})
}

func (w *ArchiveWorker) track(result *JobResult, rec *domain.ArchiveRecord, err error, onSuccess func(r *JobResult)) {
	result.Update(func(r *JobResult) {
		r.Scanned++
		switch {
		case err == nil:
			onSuccess(r)
		case errors.Is(err, errLostRace):
			r.Skipped++
		default:
			r.Errors++
			w.logger.Error().Err(err).Str("sha256", rec.Sha256).Str("credentials_key", rec.CredentialsKey).Msg("archive worker failed")
		}
	})
}

// errLostRace marks a record another worker took first.
var errLostRace = errors.New("record taken by another worker")

// ArchiveBlob moves a CREATED record through ARCHIVING to ARCHIVED.
func (w *ArchiveWorker) ArchiveBlob(ctx context.Context, rec *domain.ArchiveRecord) error {
	swapped, err := w.archives.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.ArchiveStatusCreated, domain.ArchiveStatusArchiving, w.config.Operator)
	if err != nil {
		return err
	}
	if !swapped {
		return errLostRace
	}

	compressedSize, err := w.copyToArchive(ctx, rec)
	if err != nil {
		w.fail(ctx, rec, domain.ArchiveStatusArchiving, domain.ArchiveStatusArchiveFailed)
		return err
	}

	rec.Status = domain.ArchiveStatusArchived
	rec.CompressedSize = compressedSize
	rec.LastModifiedBy = w.config.Operator
	rec.LastModifiedAt = time.Now()
	if err := w.archives.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to mark archived: %w", err)
	}

	w.logger.Info().
		Str("sha256", rec.Sha256).
		Str("size", humanBytes(rec.Size)).
		Str("archived_size", humanBytes(compressedSize)).
		Msg("blob archived")
	return nil
}

func (w *ArchiveWorker) copyToArchive(ctx context.Context, rec *domain.ArchiveRecord) (int64, error) {
	backend, err := w.blobs.ArchiveBackend(rec.ArchiveCredentialsKey)
	if err != nil {
		return 0, err
	}

	src, err := w.blobs.Retrieve(ctx, rec.Sha256, rec.CredentialsKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read primary blob: %w", err)
	}
	defer src.Close()

	hr := crypto.NewHashReader(src)
	sf, err := spoolWith(w.config.TempDir, func(dst io.Writer) error {
		if rec.Archiver == domain.ArchiverXZ {
			_, err := codec.CompressXZ(dst, hr)
			return err
		}
		_, err := io.Copy(dst, hr)
		return err
	})
	if err != nil {
		return 0, err
	}
	defer sf.Close()

	if err := hr.Verify(rec.Sha256); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrChecksumMismatch, err)
	}

	if err := backend.Store(ctx, rec.ArchiveObjectKey(), sf, sf.size); err != nil {
		return 0, fmt.Errorf("failed to store archive copy: %w", err)
	}
	return sf.size, nil
}

// RestoreBlob moves a WAIT_TO_RESTORE record through RESTORING to RESTORED.
func (w *ArchiveWorker) RestoreBlob(ctx context.Context, rec *domain.ArchiveRecord) error {
	swapped, err := w.archives.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.ArchiveStatusWaitToRestore, domain.ArchiveStatusRestoring, w.config.Operator)
	if err != nil {
		return err
	}
	if !swapped {
		return errLostRace
	}

	if err := w.copyFromArchive(ctx, rec); err != nil {
		w.fail(ctx, rec, domain.ArchiveStatusRestoring, domain.ArchiveStatusRestoreFailed)
		return err
	}

	swapped, err = w.archives.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.ArchiveStatusRestoring, domain.ArchiveStatusRestored, w.config.Operator)
	if err != nil {
		return fmt.Errorf("failed to mark restored: %w", err)
	}
	if !swapped {
		return errLostRace
	}

	w.logger.Info().Str("sha256", rec.Sha256).Str("credentials_key", rec.CredentialsKey).Msg("blob restored")
	return nil
}

func (w *ArchiveWorker) copyFromArchive(ctx context.Context, rec *domain.ArchiveRecord) error {
	// Not completed yet: the primary copy was never removed.
	exists, err := w.blobs.Exists(ctx, rec.Sha256, rec.CredentialsKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	backend, err := w.blobs.ArchiveBackend(rec.ArchiveCredentialsKey)
	if err != nil {
		return err
	}
	src, err := backend.Retrieve(ctx, rec.ArchiveObjectKey())
	if err != nil {
		return fmt.Errorf("failed to read archive copy: %w", err)
	}
	defer src.Close()

	var r io.Reader = src
	if rec.Archiver == domain.ArchiverXZ {
		if r, err = codec.DecompressXZ(src); err != nil {
			return err
		}
	}

	hr := crypto.NewHashReader(r)
	sf, err := spool(w.config.TempDir, hr)
	if err != nil {
		return err
	}
	defer sf.Close()

	if err := hr.Verify(rec.Sha256); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChecksumMismatch, err)
	}
	if err := w.blobs.Store(ctx, rec.Sha256, rec.CredentialsKey, sf, sf.size); err != nil {
		return fmt.Errorf("failed to store restored blob: %w", err)
	}
	return nil
}

func (w *ArchiveWorker) fail(ctx context.Context, rec *domain.ArchiveRecord, from, to domain.ArchiveStatus) {
	if _, err := w.archives.SwapStatus(context.WithoutCancel(ctx), rec.Sha256, rec.CredentialsKey, from, to, w.config.Operator); err != nil {
		w.logger.Error().Err(err).Str("sha256", rec.Sha256).Str("status", string(to)).Msg("failed to record failure")
	}
}

// forEachArchiveRecord pages through records in a status and hands each to fn
// with bounded concurrency. It stops between pages when ctx is done.
func forEachArchiveRecord(ctx context.Context, archives repository.ArchiveRepository, status domain.ArchiveStatus, cfg WorkerConfig, fn func(ctx context.Context, rec *domain.ArchiveRecord)) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := archives.ListByStatus(ctx, status, afterID, batchSize(cfg.BatchSize))
		if err != nil {
			return fmt.Errorf("failed to list %s archive records: %w", status, err)
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

// runBounded calls fn for every item with at most limit calls in flight.
func runBounded[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T)) {
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		item := item
		g.Go(func() error {
			fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
}

func batchSize(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
