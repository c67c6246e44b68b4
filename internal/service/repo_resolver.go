package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// RepoResolver looks up repository metadata through a cache.
type RepoResolver struct {
	repos  repository.RepoRepository
	cache  repository.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRepoResolver creates a resolver. cache may be nil.
func NewRepoResolver(repos repository.RepoRepository, cache repository.Cache, ttl time.Duration, logger zerolog.Logger) *RepoResolver {
	return &RepoResolver{
		repos:  repos,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("service", "repo-resolver").Logger(),
	}
}

// Get returns a repository. Returns domain.ErrRepositoryNotFound if it doesn't exist.
func (r *RepoResolver) Get(ctx context.Context, projectID, name string) (*domain.Repository, error) {
	key := repository.CacheKeys.Repository(projectID, name)

	if r.cache != nil {
		data, err := r.cache.Get(ctx, key)
		if err == nil {
			var repo domain.Repository
			if err := json.Unmarshal(data, &repo); err == nil {
				return &repo, nil
			}
		} else if !errors.Is(err, repository.ErrCacheMiss) {
			r.logger.Warn().Err(err).Str("key", key).Msg("repository cache unavailable")
		}
	}

	repo, err := r.repos.Get(ctx, projectID, name)
	if err != nil {
		if errors.Is(err, domain.ErrRepositoryNotFound) {
			return nil, domain.NewDomainError(domain.ErrRepositoryNotFound, "", projectID+"/"+name)
		}
		return nil, fmt.Errorf("failed to get repository %s/%s: %w", projectID, name, err)
	}

	if r.cache != nil {
		if data, err := json.Marshal(repo); err == nil {
			if err := r.cache.Set(ctx, key, data, r.ttl); err != nil {
				r.logger.Debug().Err(err).Str("key", key).Msg("failed to cache repository")
			}
		}
	}
	return repo, nil
}

// CredentialsKey returns the storage credentials key of a node's repository.
func (r *RepoResolver) CredentialsKey(ctx context.Context, node *domain.Node) (string, error) {
	repo, err := r.Get(ctx, node.ProjectID, node.RepoName)
	if err != nil {
		return "", err
	}
	return repo.CredentialsKey, nil
}

// Invalidate drops a cached repository.
func (r *RepoResolver) Invalidate(ctx context.Context, projectID, name string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, repository.CacheKeys.Repository(projectID, name)); err != nil {
		r.logger.Debug().Err(err).Msg("failed to invalidate repository cache")
	}
}
