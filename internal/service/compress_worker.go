package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/crypto"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
	"github.com/prn-tf/alexander-lifecycle/internal/storage/codec"
)

// CompressWorkerConfig contains configuration for the compress worker.
type CompressWorkerConfig struct {
	WorkerConfig

	// MaxDeltaRatio rejects deltas larger than this fraction of the target.
	MaxDeltaRatio float64

	// MaxBlobSize is the largest base or target the worker encodes. Both are
	// held in memory while the delta is built. Zero means no limit.
	MaxBlobSize int64
}

// DefaultCompressWorkerConfig returns sensible defaults.
func DefaultCompressWorkerConfig() CompressWorkerConfig {
	return CompressWorkerConfig{
		WorkerConfig:  DefaultWorkerConfig(),
		MaxDeltaRatio: 0.5,
		MaxBlobSize:   512 * 1024 * 1024, // 512MB
	}
}

// errBlobTooLarge rejects a pair bigger than MaxBlobSize.
var errBlobTooLarge = errors.New("blob too large to encode in memory")

// CompressWorker encodes CREATED blobs as deltas against their base and
// rebuilds WAIT_TO_UNCOMPRESS blobs in primary storage.
type CompressWorker struct {
	compress repository.CompressRepository
	refs     *ReferenceCounter
	blobs    *storage.BlobStore
	config   CompressWorkerConfig
	logger   zerolog.Logger
}

// NewCompressWorker creates a new compress worker.
func NewCompressWorker(compress repository.CompressRepository, refs *ReferenceCounter, blobs *storage.BlobStore, logger zerolog.Logger, config CompressWorkerConfig) *CompressWorker {
	return &CompressWorker{
		compress: compress,
		refs:     refs,
		blobs:    blobs,
		config:   config,
		logger:   logger.With().Str("service", "compress-worker").Logger(),
	}
}

// Name implements Job.
func (w *CompressWorker) Name() string { return JobCompressWorker }

// Run implements Job.
func (w *CompressWorker) Run(ctx context.Context, result *JobResult) error {
	err := forEachCompressRecord(ctx, w.compress, domain.CompressStatusCreated, w.config.WorkerConfig, func(ctx context.Context, rec *domain.CompressRecord) {
		w.track(result, rec, w.CompressBlob(ctx, rec), func(r *JobResult) { r.Compressed++ })
	})
	if err != nil {
		return err
	}

	return forEachCompressRecord(ctx, w.compress, domain.CompressStatusWaitToUncompress, w.config.WorkerConfig, func(ctx context.Context, rec *domain.CompressRecord) {
		w.track(result, rec, w.UncompressBlob(ctx, rec), func(r *JobResult) { r.Uncompressed++ })
	})
}

func (w *CompressWorker) track(result *JobResult, rec *domain.CompressRecord, err error, onSuccess func(r *JobResult)) {
	result.Update(func(r *JobResult) {
		r.Scanned++
		switch {
		case err == nil:
			onSuccess(r)
		case errors.Is(err, errLostRace), errors.Is(err, codec.ErrLowReuseRate), errors.Is(err, errBlobTooLarge):
			r.Skipped++
		default:
			r.Errors++
			w.logger.Error().Err(err).Str("sha256", rec.Sha256).Str("base", rec.BaseSha256).Msg("compress worker failed")
		}
	})
}

// CompressBlob moves a CREATED record through COMPRESSING to COMPRESSED.
// On failure the record lands in COMPRESS_FAILED and gives up its base reference.
func (w *CompressWorker) CompressBlob(ctx context.Context, rec *domain.CompressRecord) error {
	swapped, err := w.compress.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.CompressStatusCreated, domain.CompressStatusCompressing, w.config.Operator)
	if err != nil {
		return err
	}
	if !swapped {
		return errLostRace
	}

	deltaSize, err := w.writeDelta(ctx, rec)
	if err != nil {
		w.failCompress(ctx, rec)
		switch {
		case errors.Is(err, codec.ErrLowReuseRate):
			w.logger.Info().Str("sha256", rec.Sha256).Str("base", rec.BaseSha256).Msg("delta rejected, low reuse rate")
		case errors.Is(err, errBlobTooLarge):
			w.logger.Info().Err(err).Str("sha256", rec.Sha256).Str("base", rec.BaseSha256).Msg("delta rejected, blob too large")
		}
		return err
	}

	rec.Status = domain.CompressStatusCompressed
	rec.CompressedSize = deltaSize
	rec.LastModifiedBy = w.config.Operator
	rec.LastModifiedAt = time.Now()
	if err := w.compress.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to mark compressed: %w", err)
	}

	w.logger.Info().
		Str("sha256", rec.Sha256).
		Str("base", rec.BaseSha256).
		Str("size", humanBytes(rec.UncompressedSize)).
		Str("delta_size", humanBytes(deltaSize)).
		Msg("blob compressed")
	return nil
}

func (w *CompressWorker) writeDelta(ctx context.Context, rec *domain.CompressRecord) (int64, error) {
	limit := w.config.MaxBlobSize
	if larger := max(rec.BaseSize, rec.UncompressedSize); limit > 0 && larger > limit {
		return 0, fmt.Errorf("%w: %s over %s", errBlobTooLarge, humanBytes(larger), humanBytes(limit))
	}

	base, err := w.readVerified(ctx, rec.BaseSha256, rec.CredentialsKey, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read base: %w", err)
	}
	target, err := w.readVerified(ctx, rec.Sha256, rec.CredentialsKey, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read target: %w", err)
	}

	delta, err := codec.EncodeDelta(base, target, w.config.MaxDeltaRatio)
	if err != nil {
		return 0, err
	}
	size := int64(len(delta))
	if err := w.blobs.Store(ctx, rec.DeltaObjectKey(), rec.CredentialsKey, bytes.NewReader(delta), size); err != nil {
		return 0, fmt.Errorf("failed to store delta: %w", err)
	}
	return size, nil
}

func (w *CompressWorker) failCompress(ctx context.Context, rec *domain.CompressRecord) {
	ctx = context.WithoutCancel(ctx)
	swapped, err := w.compress.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.CompressStatusCompressing, domain.CompressStatusCompressFailed, w.config.Operator)
	if err != nil {
		w.logger.Error().Err(err).Str("sha256", rec.Sha256).Msg("failed to record compress failure")
		return
	}
	if !swapped {
		return
	}
	if _, err := w.refs.Decrement(ctx, rec.BaseSha256, rec.CredentialsKey); err != nil {
		w.logger.Error().Err(err).Str("base", rec.BaseSha256).Msg("failed to release base reference")
	}
}

// UncompressBlob moves a WAIT_TO_UNCOMPRESS record through UNCOMPRESSING to
// UNCOMPRESSED, rebuilding the blob from its delta chain.
func (w *CompressWorker) UncompressBlob(ctx context.Context, rec *domain.CompressRecord) error {
	swapped, err := w.compress.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.CompressStatusWaitToUncompress, domain.CompressStatusUncompressing, w.config.Operator)
	if err != nil {
		return err
	}
	if !swapped {
		return errLostRace
	}

	if err := w.rebuild(ctx, rec); err != nil {
		w.failUncompress(ctx, rec)
		return err
	}

	swapped, err = w.compress.SwapStatus(ctx, rec.Sha256, rec.CredentialsKey, domain.CompressStatusUncompressing, domain.CompressStatusUncompressed, w.config.Operator)
	if err != nil {
		return fmt.Errorf("failed to mark uncompressed: %w", err)
	}
	if !swapped {
		return errLostRace
	}

	w.logger.Info().Str("sha256", rec.Sha256).Str("credentials_key", rec.CredentialsKey).Msg("blob uncompressed")
	return nil
}

func (w *CompressWorker) rebuild(ctx context.Context, rec *domain.CompressRecord) error {
	exists, err := w.blobs.Exists(ctx, rec.Sha256, rec.CredentialsKey)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	data, err := w.materialize(ctx, rec, 0)
	if err != nil {
		return err
	}
	if err := w.blobs.Store(ctx, rec.Sha256, rec.CredentialsKey, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("failed to store uncompressed blob: %w", err)
	}
	return nil
}

// materialize returns the bytes of a compressed blob, decoding its base
// first when the base itself is stored as a delta.
func (w *CompressWorker) materialize(ctx context.Context, rec *domain.CompressRecord, depth int) ([]byte, error) {
	if depth > domain.MaxChainLength {
		return nil, domain.NewDomainError(domain.ErrChainTooLong, "", rec.Key().String())
	}

	base, err := w.readBlob(ctx, rec.BaseSha256, rec.CredentialsKey, depth)
	if err != nil {
		return nil, fmt.Errorf("failed to read base %s: %w", rec.BaseSha256, err)
	}
	delta, err := w.readAll(ctx, rec.DeltaObjectKey(), rec.CredentialsKey, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read delta: %w", err)
	}
	data, err := codec.DecodeDelta(base, delta)
	if err != nil {
		return nil, err
	}
	if got := crypto.ComputeSHA256(data); got != rec.Sha256 {
		return nil, fmt.Errorf("%w: expected %s, got %s", domain.ErrChecksumMismatch, rec.Sha256, got)
	}
	return data, nil
}

func (w *CompressWorker) readBlob(ctx context.Context, sha256, credentialsKey string, depth int) ([]byte, error) {
	data, err := w.readVerified(ctx, sha256, credentialsKey, 0)
	if err == nil || !storage.IsNotFound(err) {
		return data, err
	}

	rec, rerr := w.compress.Get(ctx, sha256, credentialsKey)
	if rerr != nil {
		if errors.Is(rerr, repository.ErrNotFound) {
			return nil, err
		}
		return nil, rerr
	}
	if !rec.Status.IsCompressed() {
		return nil, err
	}
	return w.materialize(ctx, rec, depth+1)
}

func (w *CompressWorker) readVerified(ctx context.Context, sha256, credentialsKey string, limit int64) ([]byte, error) {
	data, err := w.readAll(ctx, sha256, credentialsKey, limit)
	if err != nil {
		return nil, err
	}
	if got := crypto.ComputeSHA256(data); got != sha256 {
		return nil, fmt.Errorf("%w: expected %s, got %s", domain.ErrChecksumMismatch, sha256, got)
	}
	return data, nil
}

// readAll reads an object whole. A positive limit fails objects larger than
// it with errBlobTooLarge, whatever size their record claims.
func (w *CompressWorker) readAll(ctx context.Context, key, credentialsKey string, limit int64) ([]byte, error) {
	rc, err := w.blobs.Retrieve(ctx, key, credentialsKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	if limit <= 0 {
		return io.ReadAll(rc)
	}

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s over %s", errBlobTooLarge, key, humanBytes(limit))
	}
	return data, nil
}

func (w *CompressWorker) failUncompress(ctx context.Context, rec *domain.CompressRecord) {
	if _, err := w.compress.SwapStatus(context.WithoutCancel(ctx), rec.Sha256, rec.CredentialsKey, domain.CompressStatusUncompressing, domain.CompressStatusUncompressFailed, w.config.Operator); err != nil {
		w.logger.Error().Err(err).Str("sha256", rec.Sha256).Msg("failed to record uncompress failure")
	}
}
