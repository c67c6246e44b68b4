package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// FileReferenceRepository keeps reference counters in a map.
type FileReferenceRepository struct {
	mu     sync.Mutex
	refs   map[domain.BlobKey]*domain.FileReference
	nextID int64
}

// NewFileReferenceRepository creates an empty reference counter store.
func NewFileReferenceRepository() *FileReferenceRepository {
	return &FileReferenceRepository{refs: make(map[domain.BlobKey]*domain.FileReference)}
}

// Increment adds one to the counter, creating it on first reference.
func (r *FileReferenceRepository) Increment(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}
	now := time.Now()
	ref, ok := r.refs[key]
	if !ok {
		r.nextID++
		ref = &domain.FileReference{ID: r.nextID, Sha256: sha256, CredentialsKey: credentialsKey, CreatedAt: now}
		r.refs[key] = ref
	}
	if ref.Count < 0 {
		ref.Count = 0
	}
	ref.Count++
	ref.UpdatedAt = now
	return ref.Count, nil
}

// Decrement subtracts one from the counter without going below zero.
func (r *FileReferenceRepository) Decrement(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.refs[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if ref.Count > 0 {
		ref.Count--
	} else {
		ref.Count = 0
	}
	ref.UpdatedAt = time.Now()
	return ref.Count, nil
}

// Count returns the current count or 0.
func (r *FileReferenceRepository) Count(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref, ok := r.refs[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]; ok {
		return ref.Count, nil
	}
	return 0, nil
}

// Get retrieves the counter.
func (r *FileReferenceRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.FileReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.refs[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *ref
	return &c, nil
}

// Set overwrites the count, creating the counter if needed.
func (r *FileReferenceRepository) Set(ctx context.Context, sha256, credentialsKey string, count int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}
	now := time.Now()
	ref, ok := r.refs[key]
	if !ok {
		r.nextID++
		ref = &domain.FileReference{ID: r.nextID, Sha256: sha256, CredentialsKey: credentialsKey, CreatedAt: now}
		r.refs[key] = ref
	}
	ref.Count = count
	ref.UpdatedAt = now
	return nil
}

// Delete removes the counter if it is still an orphan.
func (r *FileReferenceRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}
	ref, ok := r.refs[key]
	if !ok {
		return nil
	}
	if ref.Count > 0 {
		return repository.ErrConflict
	}
	delete(r.refs, key)
	return nil
}

// ListOrphans returns counters at or below zero.
func (r *FileReferenceRepository) ListOrphans(ctx context.Context, afterID int64, limit int) ([]*domain.FileReference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.FileReference
	for _, ref := range r.refs {
		if ref.Count <= 0 && ref.ID > afterID {
			c := *ref
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ensure FileReferenceRepository implements repository.FileReferenceRepository
var _ repository.FileReferenceRepository = (*FileReferenceRepository)(nil)
