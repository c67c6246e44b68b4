package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// RepoRepository keeps repository metadata in a map.
type RepoRepository struct {
	mu    sync.RWMutex
	repos map[string]*domain.Repository
}

// NewRepoRepository creates an empty repository-metadata store.
func NewRepoRepository() *RepoRepository {
	return &RepoRepository{repos: make(map[string]*domain.Repository)}
}

// Get retrieves a repository.
func (r *RepoRepository) Get(ctx context.Context, projectID, name string) (*domain.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	repo, ok := r.repos[projectID+"/"+name]
	if !ok {
		return nil, domain.ErrRepositoryNotFound
	}
	c := *repo
	return &c, nil
}

// Upsert creates or replaces a repository.
func (r *RepoRepository) Upsert(ctx context.Context, repo *domain.Repository) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *repo
	r.repos[repo.Key()] = &c
	return nil
}

// List returns repositories, optionally of one project.
func (r *RepoRepository) List(ctx context.Context, projectID string) ([]*domain.Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Repository
	for _, repo := range r.repos {
		if projectID == "" || repo.ProjectID == projectID {
			c := *repo
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Ensure RepoRepository implements repository.RepoRepository
var _ repository.RepoRepository = (*RepoRepository)(nil)
