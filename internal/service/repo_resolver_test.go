package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	memrepo "github.com/prn-tf/alexander-lifecycle/internal/repository/memory"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

func (m *mockCache) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockCache) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func TestRepoResolverCache(t *testing.T) {
	ctx := context.Background()
	key := repository.CacheKeys.Repository("p1", "generic")
	stored := &domain.Repository{ProjectID: "p1", Name: "generic", Type: domain.RepositoryTypeGeneric, CredentialsKey: "cold"}

	t.Run("miss loads and caches", func(t *testing.T) {
		repos := memrepo.NewRepositories(testShards)
		require.NoError(t, repos.Repo.Upsert(ctx, stored))

		cache := new(mockCache)
		cache.On("Get", mock.Anything, key).Return(nil, repository.ErrCacheMiss)
		cache.On("Set", mock.Anything, key, mock.Anything, time.Minute).Return(nil)

		r := NewRepoResolver(repos.Repo, cache, time.Minute, zerolog.Nop())
		repo, err := r.Get(ctx, "p1", "generic")
		require.NoError(t, err)
		assert.Equal(t, "cold", repo.CredentialsKey)
		cache.AssertExpectations(t)
	})

	t.Run("hit skips the store", func(t *testing.T) {
		// the store is empty, so only the cache can answer
		repos := memrepo.NewRepositories(testShards)
		data, err := json.Marshal(stored)
		require.NoError(t, err)

		cache := new(mockCache)
		cache.On("Get", mock.Anything, key).Return(data, nil)

		r := NewRepoResolver(repos.Repo, cache, time.Minute, zerolog.Nop())
		credentialsKey, err := r.CredentialsKey(ctx, &domain.Node{ProjectID: "p1", RepoName: "generic"})
		require.NoError(t, err)
		assert.Equal(t, "cold", credentialsKey)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cache failure falls back to the store", func(t *testing.T) {
		repos := memrepo.NewRepositories(testShards)
		require.NoError(t, repos.Repo.Upsert(ctx, stored))

		cache := new(mockCache)
		cache.On("Get", mock.Anything, key).Return(nil, errors.New("connection refused"))
		cache.On("Set", mock.Anything, key, mock.Anything, time.Minute).Return(errors.New("connection refused"))

		r := NewRepoResolver(repos.Repo, cache, time.Minute, zerolog.Nop())
		repo, err := r.Get(ctx, "p1", "generic")
		require.NoError(t, err)
		assert.Equal(t, "generic", repo.Name)
	})

	t.Run("missing repository is not cached", func(t *testing.T) {
		repos := memrepo.NewRepositories(testShards)
		cache := new(mockCache)
		cache.On("Get", mock.Anything, mock.Anything).Return(nil, repository.ErrCacheMiss)

		r := NewRepoResolver(repos.Repo, cache, time.Minute, zerolog.Nop())
		_, err := r.Get(ctx, "p1", "nope")
		assert.ErrorIs(t, err, domain.ErrRepositoryNotFound)
		cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalidate", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("Delete", mock.Anything, key).Return(nil)

		r := NewRepoResolver(memrepo.NewRepositories(testShards).Repo, cache, time.Minute, zerolog.Nop())
		r.Invalidate(ctx, "p1", "generic")
		cache.AssertExpectations(t)
	})
}
