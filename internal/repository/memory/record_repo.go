package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// ArchiveRepository keeps archive records in a map.
type ArchiveRepository struct {
	mu      sync.Mutex
	records map[domain.BlobKey]*domain.ArchiveRecord
	nextID  int64
}

// NewArchiveRepository creates an empty archive record store.
func NewArchiveRepository() *ArchiveRepository {
	return &ArchiveRepository{records: make(map[domain.BlobKey]*domain.ArchiveRecord)}
}

// Create inserts the record unless its key is taken.
func (r *ArchiveRepository) Create(ctx context.Context, record *domain.ArchiveRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := record.Key()
	if _, ok := r.records[key]; ok {
		return false, nil
	}
	r.nextID++
	record.ID = r.nextID
	c := *record
	r.records[key] = &c
	return true, nil
}

// Get retrieves a record.
func (r *ArchiveRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.ArchiveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *rec
	return &c, nil
}

// Update saves the mutable fields of a record.
func (r *ArchiveRepository) Update(ctx context.Context, record *domain.ArchiveRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[record.Key()]
	if !ok {
		return repository.ErrNotFound
	}
	c := *record
	c.ID, c.CreatedAt, c.CreatedBy = rec.ID, rec.CreatedAt, rec.CreatedBy
	r.records[record.Key()] = &c
	return nil
}

// SwapStatus moves a record between statuses if it is in the expected one.
func (r *ArchiveRepository) SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.ArchiveStatus, operator string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.LastModifiedBy = operator
	rec.LastModifiedAt = time.Now()
	return true, nil
}

// Delete removes a record.
func (r *ArchiveRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey})
	return nil
}

// ListByStatus returns a page of records in a status.
func (r *ArchiveRepository) ListByStatus(ctx context.Context, status domain.ArchiveStatus, afterID int64, limit int) ([]*domain.ArchiveRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.ArchiveRecord
	for _, rec := range r.records {
		if rec.Status == status && rec.ID > afterID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompressRepository keeps compress records in a map.
type CompressRepository struct {
	mu      sync.Mutex
	records map[domain.BlobKey]*domain.CompressRecord
	nextID  int64
}

// NewCompressRepository creates an empty compress record store.
func NewCompressRepository() *CompressRepository {
	return &CompressRepository{records: make(map[domain.BlobKey]*domain.CompressRecord)}
}

// Create inserts the record unless its key is taken.
func (r *CompressRepository) Create(ctx context.Context, record *domain.CompressRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := record.Key()
	if _, ok := r.records[key]; ok {
		return false, nil
	}
	r.nextID++
	record.ID = r.nextID
	c := *record
	r.records[key] = &c
	return true, nil
}

// Get retrieves a record.
func (r *CompressRepository) Get(ctx context.Context, sha256, credentialsKey string) (*domain.CompressRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *rec
	return &c, nil
}

// Update saves the mutable fields of a record.
func (r *CompressRepository) Update(ctx context.Context, record *domain.CompressRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[record.Key()]
	if !ok {
		return repository.ErrNotFound
	}
	c := *record
	c.ID, c.CreatedAt, c.CreatedBy = rec.ID, rec.CreatedAt, rec.CreatedBy
	r.records[record.Key()] = &c
	return nil
}

// SwapStatus moves a record between statuses if it is in the expected one.
func (r *CompressRepository) SwapStatus(ctx context.Context, sha256, credentialsKey string, from, to domain.CompressStatus, operator string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey}]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.LastModifiedBy = operator
	rec.LastModifiedAt = time.Now()
	return true, nil
}

// Delete removes a record.
func (r *CompressRepository) Delete(ctx context.Context, sha256, credentialsKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, domain.BlobKey{Sha256: sha256, CredentialsKey: credentialsKey})
	return nil
}

// CountByBase counts records that hold a reference on the base blob.
func (r *CompressRepository) CountByBase(ctx context.Context, baseSha256, credentialsKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, rec := range r.records {
		if rec.BaseSha256 == baseSha256 && rec.CredentialsKey == credentialsKey && rec.Status.HoldsBase() {
			n++
		}
	}
	return n, nil
}

// ListByStatus returns a page of records in a status.
func (r *CompressRepository) ListByStatus(ctx context.Context, status domain.CompressStatus, afterID int64, limit int) ([]*domain.CompressRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.CompressRecord
	for _, rec := range r.records {
		if rec.Status == status && rec.ID > afterID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ensure the record stores implement their repository interfaces
var (
	_ repository.ArchiveRepository  = (*ArchiveRepository)(nil)
	_ repository.CompressRepository = (*CompressRepository)(nil)
)
