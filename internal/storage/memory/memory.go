// Package memory implements storage.Backend in memory, for tests and
// throwaway deployments.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// Backend keeps objects in a map.
type Backend struct {
	mu      sync.RWMutex
	name    string
	objects map[string][]byte
}

// New creates an empty backend. name only shows up in GetPath.
func New(name string) *Backend {
	return &Backend{name: name, objects: make(map[string][]byte)}
}

// Store writes an object.
func (b *Backend) Store(ctx context.Context, key string, reader io.Reader, size int64) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

// Retrieve opens an object.
func (b *Backend) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes an object.
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(b.objects, key)
	return nil
}

// Exists checks if an object exists.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok, nil
}

// GetSize returns the size of an object.
func (b *Backend) GetSize(ctx context.Context, key string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(data)), nil
}

// GetPath returns "memory://<name>/<key>".
func (b *Backend) GetPath(key string) string {
	return "memory://" + b.name + "/" + key
}

// Keys returns every stored key, sorted.
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ensure Backend implements storage.Backend
var _ storage.Backend = (*Backend)(nil)
