package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrUnknownCredentials is returned for a credentials key with no backend.
var ErrUnknownCredentials = errors.New("storage: unknown credentials key")

// BlobStore routes blob operations to the backend registered for a
// storage credentials key. Several credentials keys may map onto the same
// physical storage; SharedKeys reports those aliases.
type BlobStore struct {
	mu       sync.RWMutex
	primary  map[string]Backend
	physical map[string]string
	archive  map[string]Backend
}

// NewBlobStore creates an empty blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		primary:  make(map[string]Backend),
		physical: make(map[string]string),
		archive:  make(map[string]Backend),
	}
}

// Register binds a credentials key to a primary backend.
// physical names the underlying storage; keys registered with the same
// physical name share their blobs. An empty physical name means the key is
// its own storage.
func (s *BlobStore) Register(credentialsKey, physical string, backend Backend) {
	if physical == "" {
		physical = "key:" + credentialsKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary[credentialsKey] = backend
	s.physical[credentialsKey] = physical
}

// RegisterArchive binds an archive credentials key to an archive-tier backend.
func (s *BlobStore) RegisterArchive(archiveKey string, backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive[archiveKey] = backend
}

// Backend returns the primary backend of a credentials key.
func (s *BlobStore) Backend(credentialsKey string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.primary[credentialsKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCredentials, credentialsKey)
	}
	return b, nil
}

// ArchiveBackend returns the archive-tier backend of an archive credentials key.
func (s *BlobStore) ArchiveBackend(archiveKey string) (Backend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.archive[archiveKey]
	if !ok {
		return nil, fmt.Errorf("%w: archive %q", ErrUnknownCredentials, archiveKey)
	}
	return b, nil
}

// SharedKeys returns the other credentials keys backed by the same physical
// storage as credentialsKey, sorted.
func (s *BlobStore) SharedKeys(credentialsKey string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	phys, ok := s.physical[credentialsKey]
	if !ok {
		return nil
	}
	var keys []string
	for k, p := range s.physical {
		if k != credentialsKey && p == phys {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Exists checks whether an object exists under a credentials key.
func (s *BlobStore) Exists(ctx context.Context, key, credentialsKey string) (bool, error) {
	b, err := s.Backend(credentialsKey)
	if err != nil {
		return false, err
	}
	return b.Exists(ctx, key)
}

// Delete removes an object under a credentials key.
// Returns ErrNotFound if it doesn't exist.
func (s *BlobStore) Delete(ctx context.Context, key, credentialsKey string) error {
	b, err := s.Backend(credentialsKey)
	if err != nil {
		return err
	}
	return b.Delete(ctx, key)
}

// Store writes an object under a credentials key.
func (s *BlobStore) Store(ctx context.Context, key, credentialsKey string, r io.Reader, size int64) error {
	b, err := s.Backend(credentialsKey)
	if err != nil {
		return err
	}
	return b.Store(ctx, key, r, size)
}

// Retrieve opens an object under a credentials key.
func (s *BlobStore) Retrieve(ctx context.Context, key, credentialsKey string) (io.ReadCloser, error) {
	b, err := s.Backend(credentialsKey)
	if err != nil {
		return nil, err
	}
	return b.Retrieve(ctx, key)
}

// Copy copies an object from one credentials key to another.
// Copying between keys that share physical storage is a no-op.
func (s *BlobStore) Copy(ctx context.Context, key, srcCredentialsKey, dstCredentialsKey string) error {
	s.mu.RLock()
	same := s.physical[srcCredentialsKey] != "" && s.physical[srcCredentialsKey] == s.physical[dstCredentialsKey]
	s.mu.RUnlock()
	if same {
		return nil
	}

	src, err := s.Backend(srcCredentialsKey)
	if err != nil {
		return err
	}
	dst, err := s.Backend(dstCredentialsKey)
	if err != nil {
		return err
	}

	size, err := src.GetSize(ctx, key)
	if err != nil {
		return err
	}
	rc, err := src.Retrieve(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := dst.Store(ctx, key, rc, size); err != nil {
		return fmt.Errorf("failed to copy %s from %q to %q: %w", key, srcCredentialsKey, dstCredentialsKey, err)
	}
	return nil
}
