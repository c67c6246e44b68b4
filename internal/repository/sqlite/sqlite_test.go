package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "lifecycle.db"))
	cfg.ShardCount = 4

	db, err := NewDB(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestNewDB_RejectsBadShardCount(t *testing.T) {
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "x.db"))
	cfg.ShardCount = 3
	_, err := NewDB(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))

	version, err := db.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNodeRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepository(newTestDB(t))

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	a := &domain.Node{ProjectID: "p", RepoName: "r", FullPath: "/a.jar", Sha256: "aaa", Size: 100,
		CreatedDate: old, LastModifiedDate: old, LastAccessDate: &old}
	b := &domain.Node{ProjectID: "p", RepoName: "r", FullPath: "/b.jar", Sha256: "bbb", Size: 10,
		CreatedDate: old, LastModifiedDate: old, LastAccessDate: &recent}
	c := &domain.Node{ProjectID: "p", RepoName: "r", FullPath: "/c.jar", Sha256: "ccc", Size: 500,
		CreatedDate: old, LastModifiedDate: old}
	dir := &domain.Node{ProjectID: "p", RepoName: "r", FullPath: "/dir", Folder: true,
		CreatedDate: old, LastModifiedDate: old}

	for _, n := range []*domain.Node{a, b, c, dir} {
		require.NoError(t, repo.Create(ctx, n))
		assert.NotZero(t, n.ID)
	}

	dup := *a
	assert.ErrorIs(t, repo.Create(ctx, &dup), repository.ErrAlreadyExists)

	shard := repo.ShardFor("p")

	t.Run("idle query", func(t *testing.T) {
		cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		nodes, err := repo.List(ctx, shard, repository.NodeQuery{
			ProjectIDs:           []string{"p"},
			ExcludeSentinel:      true,
			AccessedBefore:       &cutoff,
			IncludeNeverAccessed: true,
			MinSize:              50,
		})
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "/a.jar", nodes[0].FullPath)
		assert.Equal(t, "/c.jar", nodes[1].FullPath)
		require.NotNil(t, nodes[0].LastAccessDate)
		assert.True(t, old.Equal(*nodes[0].LastAccessDate))
		assert.Nil(t, nodes[1].LastAccessDate)
	})

	t.Run("incremental window", func(t *testing.T) {
		from := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		nodes, err := repo.List(ctx, shard, repository.NodeQuery{AccessedFrom: &from, AccessedBefore: &to})
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		assert.Equal(t, "aaa", nodes[0].Sha256)
	})

	t.Run("paging", func(t *testing.T) {
		first, err := repo.List(ctx, shard, repository.NodeQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		rest, err := repo.List(ctx, shard, repository.NodeQuery{AfterID: first[1].ID})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "/c.jar", rest[0].FullPath)
	})

	t.Run("count", func(t *testing.T) {
		count, size, err := repo.Count(ctx, shard, repository.NodeQuery{PathPrefix: "/"})
		require.NoError(t, err)
		assert.EqualValues(t, 3, count)
		assert.EqualValues(t, 610, size)
	})

	t.Run("flags", func(t *testing.T) {
		require.NoError(t, repo.SetArchived(ctx, "p", "r", "/a.jar", true))
		got, err := repo.GetByPath(ctx, "p", "r", "/a.jar")
		require.NoError(t, err)
		assert.True(t, got.Archived)

		nodes, err := repo.List(ctx, shard, repository.NodeQuery{Archived: repository.Bool(true)})
		require.NoError(t, err)
		require.Len(t, nodes, 1)

		assert.ErrorIs(t, repo.SetCompressed(ctx, "p", "r", "/missing", true), domain.ErrNodeNotFound)
	})

	t.Run("delete and restore", func(t *testing.T) {
		at := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
		deleted, err := repo.SoftDelete(ctx, "p", "r", "/b.jar", at)
		require.NoError(t, err)
		assert.Equal(t, "bbb", deleted.Sha256)

		_, err = repo.GetByPath(ctx, "p", "r", "/b.jar")
		assert.ErrorIs(t, err, domain.ErrNodeNotFound)

		// A new live node takes the path; restoring the old one must conflict.
		again := &domain.Node{ProjectID: "p", RepoName: "r", FullPath: "/b.jar", Sha256: "b2",
			CreatedDate: at, LastModifiedDate: at}
		require.NoError(t, repo.Create(ctx, again))
		_, err = repo.Restore(ctx, "p", "r", "/b.jar", at)
		assert.ErrorIs(t, err, repository.ErrAlreadyExists)

		_, err = repo.SoftDelete(ctx, "p", "r", "/b.jar", at.Add(time.Hour))
		require.NoError(t, err)
		restored, err := repo.Restore(ctx, "p", "r", "/b.jar", at)
		require.NoError(t, err)
		assert.Equal(t, "bbb", restored.Sha256)
		assert.Nil(t, restored.Deleted)
	})
}

func TestFileReferenceRepository(t *testing.T) {
	ctx := context.Background()
	refs := NewFileReferenceRepository(newTestDB(t))

	_, err := refs.Decrement(ctx, "h", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := refs.Increment(ctx, "h", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = refs.Increment(ctx, "h", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Keys with different credentials are independent.
	n, err = refs.Increment(ctx, "h", "cold")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	assert.ErrorIs(t, refs.Delete(ctx, "h", ""), repository.ErrConflict)

	for i := 0; i < 3; i++ {
		_, err = refs.Decrement(ctx, "h", "")
		require.NoError(t, err)
	}
	count, err := refs.Count(ctx, "h", "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count, "count never goes below zero")

	orphans, err := refs.ListOrphans(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, domain.BlobKey{Sha256: "h"}, orphans[0].Key())

	require.NoError(t, refs.Set(ctx, "h", "", -2))
	n, err = refs.Increment(ctx, "h", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a negative count is reset before incrementing")

	require.NoError(t, refs.Set(ctx, "h", "", 0))
	require.NoError(t, refs.Delete(ctx, "h", ""))
	_, err = refs.Get(ctx, "h", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	count, err = refs.Count(ctx, "missing", "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestArchiveRepository(t *testing.T) {
	ctx := context.Background()
	records := NewArchiveRepository(newTestDB(t))
	now := time.Now()

	rec := &domain.ArchiveRecord{
		Sha256: "h", Size: 10, CompressedSize: -1, Status: domain.ArchiveStatusCreated,
		Archiver: domain.ArchiverXZ, CreatedBy: "system", CreatedAt: now,
		LastModifiedBy: "system", LastModifiedAt: now,
	}
	created, err := records.Create(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	again := *rec
	created, err = records.Create(ctx, &again)
	require.NoError(t, err)
	assert.False(t, created, "second create of the same key is a no-op")

	swapped, err := records.SwapStatus(ctx, "h", "", domain.ArchiveStatusCreated, domain.ArchiveStatusArchiving, "worker")
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = records.SwapStatus(ctx, "h", "", domain.ArchiveStatusCreated, domain.ArchiveStatusArchiving, "worker")
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := records.Get(ctx, "h", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusArchiving, got.Status)
	assert.Equal(t, "worker", got.LastModifiedBy)

	got.Status = domain.ArchiveStatusArchived
	got.CompressedSize = 4
	require.NoError(t, records.Update(ctx, got))

	list, err := records.ListByStatus(ctx, domain.ArchiveStatusArchived, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, 4, list[0].CompressedSize)

	require.NoError(t, records.Delete(ctx, "h", ""))
	require.NoError(t, records.Delete(ctx, "h", ""))
	_, err = records.Get(ctx, "h", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCompressRepository_CountByBase(t *testing.T) {
	ctx := context.Background()
	records := NewCompressRepository(newTestDB(t))
	now := time.Now()

	mk := func(sha, base string, status domain.CompressStatus) {
		created, err := records.Create(ctx, &domain.CompressRecord{
			Sha256: sha, BaseSha256: base, Status: status, CompressedSize: -1,
			CreatedBy: "system", CreatedAt: now, LastModifiedBy: "system", LastModifiedAt: now,
		})
		require.NoError(t, err)
		require.True(t, created)
	}
	mk("base", "", domain.CompressStatusNone)
	mk("a", "base", domain.CompressStatusCreated)
	mk("b", "base", domain.CompressStatusCompleted)
	mk("c", "base", domain.CompressStatusCompressFailed)

	n, err := records.CountByBase(ctx, "base", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	store := NewStateStore(newTestDB(t))

	_, err := store.GetState(ctx, "job", "k")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, store.PutState(ctx, "job", "k", []byte("v1")))
	require.NoError(t, store.PutState(ctx, "job", "k", []byte("v2")))
	v, err := store.GetState(ctx, "job", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, store.DeleteState(ctx, "job", "k"))
	_, err = store.GetState(ctx, "job", "k")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRepoRepository(t *testing.T) {
	ctx := context.Background()
	repos := NewRepoRepository(newTestDB(t))

	require.NoError(t, repos.Upsert(ctx, &domain.Repository{ProjectID: "p", Name: "r", Type: domain.RepositoryTypeGeneric}))
	require.NoError(t, repos.Upsert(ctx, &domain.Repository{ProjectID: "p", Name: "r", Type: domain.RepositoryTypeMaven, CredentialsKey: "cold"}))

	got, err := repos.Get(ctx, "p", "r")
	require.NoError(t, err)
	assert.Equal(t, domain.RepositoryTypeMaven, got.Type)
	assert.Equal(t, "cold", got.CredentialsKey)

	_, err = repos.Get(ctx, "p", "missing")
	assert.ErrorIs(t, err, domain.ErrRepositoryNotFound)

	list, err := repos.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
