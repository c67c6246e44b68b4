// Package storage defines blob storage backends and the credentials-keyed
// blob store the lifecycle engine talks to.
// Blobs are content-addressed: the object key of a blob is its SHA-256, and
// derived copies use the hash plus a suffix ("<sha256>.xz", "<sha256>.zstd").
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist in a backend.
var ErrNotFound = errors.New("storage: object not found")

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Backend defines the interface for storage backends.
// Implementations include local filesystem, S3 and memory.
// The interface is designed to be stateless and support horizontal scaling.
type Backend interface {
	// Store writes an object. Storing an existing key replaces it.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - key: Object key, a content hash optionally followed by a suffix
	//   - reader: Source of the content to store
	//   - size: Expected size in bytes, or -1 if unknown
	Store(ctx context.Context, key string, reader io.Reader, size int64) error

	// Retrieve opens an object for reading.
	// Returns a ReadCloser that must be closed after use,
	// or ErrNotFound if the object doesn't exist.
	Retrieve(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object.
	// Returns ErrNotFound if the object doesn't exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// GetSize returns the size of an object, or ErrNotFound.
	GetSize(ctx context.Context, key string) (int64, error)

	// GetPath returns the backend location of an object.
	// This is useful for debugging and log lines.
	GetPath(key string) string
}
