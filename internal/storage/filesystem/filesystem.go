// Package filesystem implements storage.Backend on a local directory tree.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// Backend stores objects under a sharded directory layout.
type Backend struct {
	paths   storage.PathConfig
	tempDir string
	logger  zerolog.Logger
}

// New creates a filesystem backend rooted at dataDir.
// Temporary files are written to tempDir and renamed into place.
func New(dataDir, tempDir string, logger zerolog.Logger) (*Backend, error) {
	if tempDir == "" {
		tempDir = filepath.Join(dataDir, ".tmp")
	}
	for _, dir := range []string{dataDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	return &Backend{
		paths:   storage.DefaultPathConfig(dataDir),
		tempDir: tempDir,
		logger:  logger.With().Str("backend", "filesystem").Str("dir", dataDir).Logger(),
	}, nil
}

// Store writes an object atomically.
func (b *Backend) Store(ctx context.Context, key string, reader io.Reader, size int64) error {
	tmp, err := os.CreateTemp(b.tempDir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch for %s: expected %d, wrote %d", key, size, written)
	}

	if err := os.MkdirAll(storage.GetShardPath(b.paths, key), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	if err := os.Rename(tmpName, b.GetPath(key)); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	b.logger.Debug().Str("key", key).Int64("size", written).Msg("stored object")
	return nil
}

// Retrieve opens an object.
func (b *Backend) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.GetPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Delete removes an object.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.GetPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists checks if an object exists.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.GetPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

// GetSize returns the size of an object.
func (b *Backend) GetSize(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(b.GetPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// GetPath returns the file path of an object.
func (b *Backend) GetPath(key string) string {
	return storage.ComputePath(b.paths, key)
}

// Ensure Backend implements storage.Backend
var _ storage.Backend = (*Backend)(nil)
