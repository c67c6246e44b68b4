package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// orphan stores a blob, points a node at it and deletes the node again.
func orphan(t *testing.T, env *testEnv, path string, data []byte) string {
	t.Helper()
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p1", "generic", path, sha, int64(len(data)), nodeOpts{})
	_, err := env.dir.DeleteNode(context.Background(), "p1", "generic", path)
	require.NoError(t, err)
	require.Equal(t, int64(0), env.refCount(t, sha, ""))
	return sha
}

func TestGarbageCollectorReapsOrphans(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// more orphans than one page holds
	var shas []string
	var total int64
	for i := 0; i < 5; i++ {
		data := []byte(fmt.Sprintf("orphan blob number %d", i))
		total += int64(len(data))
		shas = append(shas, orphan(t, env, fmt.Sprintf("/o-%d.bin", i), data))
	}
	kept := env.putBlob(t, "", []byte("still referenced"))
	env.addNode(t, "p1", "generic", "/kept.bin", kept, 16, nodeOpts{})

	result := &JobResult{}
	require.NoError(t, env.reaper(false).Run(ctx, result))
	assert.Equal(t, int64(5), result.Reaped)
	assert.Equal(t, int64(5), result.Scanned)
	assert.Equal(t, total, result.BytesReclaimed)

	assert.Equal(t, []string{kept}, env.primary.Keys())
	for _, sha := range shas {
		_, err := env.repos.Reference.Get(ctx, sha, "")
		assert.ErrorIs(t, err, repository.ErrNotFound)
	}
	assert.Equal(t, int64(1), env.refCount(t, kept, ""))
}

func TestGarbageCollectorCorrectsDriftedCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	sha := env.putBlob(t, "", []byte("drifted"))
	env.addNode(t, "p1", "generic", "/a.bin", sha, 7, nodeOpts{})
	env.addNode(t, "p1", "generic", "/b.bin", sha, 7, nodeOpts{})
	require.NoError(t, env.repos.Reference.Set(ctx, sha, "", 0))

	result := &JobResult{}
	require.NoError(t, env.reaper(false).Run(ctx, result))
	assert.Zero(t, result.Reaped)
	assert.Equal(t, int64(1), result.Skipped)

	assert.Equal(t, int64(2), env.refCount(t, sha, ""))
	assert.Contains(t, env.primary.Keys(), sha)
}

func TestGarbageCollectorKeepsCompressBase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.compress.Compress(ctx, fakeSha(1), 10, fakeSha(2), 10, "")
	require.NoError(t, err)
	require.NoError(t, env.repos.Reference.Set(ctx, fakeSha(2), "", 0))

	result := &JobResult{}
	require.NoError(t, env.reaper(false).Run(ctx, result))
	assert.Equal(t, int64(1), result.Skipped)
	assert.Equal(t, int64(1), env.refCount(t, fakeSha(2), ""))
}

func TestGarbageCollectorDryRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := []byte("would be deleted")
	sha := orphan(t, env, "/o.bin", data)

	result := &JobResult{}
	require.NoError(t, env.reaper(true).Run(ctx, result))
	assert.Equal(t, int64(1), result.Reaped)
	assert.Equal(t, int64(len(data)), result.BytesReclaimed)

	assert.Contains(t, env.primary.Keys(), sha)
	_, err := env.repos.Reference.Get(ctx, sha, "")
	assert.NoError(t, err)
}

func TestGarbageCollectorSharedStorage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.blobs.Register("", "pool", env.primary)
	env.blobs.Register("alias", "pool", env.primary)
	env.addRepo(t, "p2", "generic", "alias")

	data := []byte("shared between two keys")
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p2", "generic", "/shared.bin", sha, int64(len(data)), nodeOpts{})
	orphan(t, env, "/o.bin", data)

	result := &JobResult{}
	require.NoError(t, env.reaper(false).Run(ctx, result))
	assert.Equal(t, int64(1), result.Reaped)
	assert.Zero(t, result.BytesReclaimed)

	// the counter of the orphaned key is gone, the data stays for the alias
	_, err := env.repos.Reference.Get(ctx, sha, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Contains(t, env.primary.Keys(), sha)
	assert.Equal(t, int64(1), env.refCount(t, sha, "alias"))
}

func TestGarbageCollectorDropsTrackRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sha := orphan(t, env, "/o.bin", []byte("archived then orphaned"))

	// a dead delta on the orphan still holds its base
	_, err := env.compress.Compress(ctx, sha, 22, fakeSha(9), 22, "")
	require.NoError(t, err)
	require.NoError(t, env.repos.Reference.Set(ctx, sha, "", 0))
	require.Equal(t, int64(1), env.refCount(t, fakeSha(9), ""))

	result := &JobResult{}
	require.NoError(t, env.reaper(false).Run(ctx, result))
	assert.Equal(t, int64(1), result.Reaped)

	_, err = env.compress.GetCompressRecord(ctx, sha, "")
	assert.Error(t, err)
	assert.Equal(t, int64(0), env.refCount(t, fakeSha(9), ""))
}

func TestGarbageCollectorReferenceTakenWhileDeciding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := []byte("uploaded again while the reaper looks")
	sha := orphan(t, env, "/o.bin", data)

	// the live node filter is already built when the new node lands
	compress := &hookedCompress{CompressRepository: env.repos.Compress, onCount: once(func() {
		env.addNode(t, "p1", "generic", "/again.bin", sha, int64(len(data)), nodeOpts{})
	})}
	gc := NewGarbageCollector(env.repos.Reference, compress, env.dir, env.archive, env.compress, env.blobs, zerolog.Nop(), DefaultGCConfig())

	result := &JobResult{}
	require.NoError(t, gc.Run(ctx, result))
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Reaped)
	assert.Equal(t, int64(1), result.Skipped)

	assert.Contains(t, env.primary.Keys(), sha)
	assert.Equal(t, int64(1), env.refCount(t, sha, ""))
}

func TestGarbageCollectorReferenceTakenWhilePurging(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := []byte("uploaded again after the counter went")
	sha := orphan(t, env, "/o.bin", data)

	archives := &hookedArchives{ArchiveRepository: env.repos.Archive, onGet: once(func() {
		env.addNode(t, "p1", "generic", "/again.bin", sha, int64(len(data)), nodeOpts{})
	})}
	archive := NewArchiveService(archives, env.dir, env.blobs, zerolog.Nop(), DefaultArchiveConfig())
	gc := NewGarbageCollector(env.repos.Reference, env.repos.Compress, env.dir, archive, env.compress, env.blobs, zerolog.Nop(), DefaultGCConfig())

	result := &JobResult{}
	require.NoError(t, gc.Run(ctx, result))
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Reaped)

	assert.Contains(t, env.primary.Keys(), sha)
	assert.Equal(t, int64(1), env.refCount(t, sha, ""))
}

func TestGarbageCollectorRequeuesFailedOrphan(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sha := orphan(t, env, "/o.bin", []byte("archive store is down"))

	archives := &hookedArchives{ArchiveRepository: env.repos.Archive, err: errors.New("connection refused")}
	archive := NewArchiveService(archives, env.dir, env.blobs, zerolog.Nop(), DefaultArchiveConfig())
	cfg := DefaultGCConfig()
	cfg.BatchSize = 1
	gc := NewGarbageCollector(env.repos.Reference, env.repos.Compress, env.dir, archive, env.compress, env.blobs, zerolog.Nop(), cfg)

	result := &JobResult{}
	require.NoError(t, gc.Run(ctx, result))
	assert.Equal(t, int64(1), result.Scanned, "the requeued counter is not retried in the same run")
	assert.Equal(t, int64(1), result.Errors)

	assert.Contains(t, env.primary.Keys(), sha)
	ref, err := env.repos.Reference.Get(ctx, sha, "")
	require.NoError(t, err)
	assert.Zero(t, ref.Count)
}
