package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

func newAdmin(env *testEnv) *AdminService {
	cfg := DefaultIdleArchiveConfig()
	cfg.MinFileSize = 0
	admin := NewAdminService(env.dir, env.resolver, env.archive, env.compress, newIdleJob(env, cfg), zerolog.Nop())
	admin.clock = env.clock
	return admin
}

func TestRestoreByPrefix(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	admin := newAdmin(env)

	archived := randomBytes(40, 8*1024)
	archivedSha := env.putBlob(t, "", archived)
	env.addNode(t, "p1", "generic", "/release/old.bin", archivedSha, int64(len(archived)), nodeOpts{})
	env.addNode(t, "p1", "generic", "/release/old-copy.bin", archivedSha, int64(len(archived)), nodeOpts{})
	require.Equal(t, CompletionCompleted, archiveThrough(t, env, archivedSha, int64(len(archived))).Outcome)

	base := randomBytes(41, 32*1024)
	target := mutate(base, 7, 9000)
	baseSha, targetSha := env.putBlob(t, "", base), env.putBlob(t, "", target)
	env.addNode(t, "p1", "generic", "/base.bin", baseSha, int64(len(base)), nodeOpts{})
	env.addNode(t, "p1", "generic", "/release/delta.bin", targetSha, int64(len(target)), nodeOpts{})
	_, err := env.compress.Compress(ctx, targetSha, int64(len(target)), baseSha, int64(len(base)), "")
	require.NoError(t, err)
	require.NoError(t, env.compressWorker().CompressBlob(ctx, getCompressRecord(t, env, targetSha)))
	res, err := env.compress.CompleteCompress(ctx, getCompressRecord(t, env, targetSha))
	require.NoError(t, err)
	require.Equal(t, CompletionCompleted, res.Outcome)

	out, err := admin.RestoreByPrefix(ctx, RestoreInput{ProjectID: "p1", RepoName: "generic", Prefix: "/release/"})
	require.NoError(t, err)
	assert.Equal(t, &RestoreOutput{Nodes: 3, Restores: 1, Uncompresses: 1}, out)

	assert.Equal(t, domain.CompressStatusWaitToUncompress, getCompressRecord(t, env, targetSha).Status)
	rec, err := env.archive.GetArchiveRecord(ctx, archivedSha, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusWaitToRestore, rec.Status)
}

func TestRestoreByPrefixValidation(t *testing.T) {
	ctx := context.Background()
	admin := newAdmin(newTestEnv(t))

	_, err := admin.RestoreByPrefix(ctx, RestoreInput{ProjectID: "p1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = admin.RestoreByPrefix(ctx, RestoreInput{ProjectID: "p1", RepoName: "missing"})
	assert.ErrorIs(t, err, domain.ErrRepositoryNotFound)
}

func TestArchivableSize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	admin := newAdmin(env)
	now := env.now()

	env.addNode(t, "p1", "generic", "/old.bin", fakeSha(1), 100, nodeOpts{accessed: daysAgo(now, 60)})
	env.addNode(t, "p1", "generic", "/new.bin", fakeSha(2), 50, nodeOpts{accessed: daysAgo(now, 1)})
	env.addNode(t, "p1", "generic", "/never.bin", fakeSha(3), 30, nodeOpts{})
	env.addNode(t, "p1", "generic", "/tiny.bin", fakeSha(4), 5, nodeOpts{accessed: daysAgo(now, 60)})

	out, err := admin.ArchivableSize(ctx, "p1", 30, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Nodes)
	assert.Equal(t, int64(130), out.Size)
	assert.Equal(t, "130 B", out.HumanSize)

	_, err = admin.ArchivableSize(ctx, "p1", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestArchiveProject(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	admin := newAdmin(env)
	now := env.now()

	data := []byte("idle for two months")
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p1", "generic", "/idle.bin", sha, int64(len(data)), nodeOpts{accessed: daysAgo(now, 60)})
	env.addNode(t, "p1", "generic", "/busy.bin", fakeSha(1), 10, nodeOpts{accessed: daysAgo(now, 1)})

	result, err := admin.ArchiveProject(ctx, "p1", 30)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, int64(1), result.Archived)
	assert.NotEmpty(t, result.RunID)

	rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusCreated, rec.Status)

	_, err = admin.ArchiveProject(ctx, "p1", 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
