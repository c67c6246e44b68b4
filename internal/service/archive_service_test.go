package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
)

// archiveThrough runs a blob through record creation, the worker and completion.
func archiveThrough(t *testing.T, env *testEnv, sha string, size int64) CompletionResult {
	t.Helper()
	ctx := context.Background()

	created, err := env.archive.Archive(ctx, sha, "", size)
	require.NoError(t, err)
	require.True(t, created)

	rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.NoError(t, env.archiveWorker().ArchiveBlob(ctx, rec))

	rec, err = env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.Equal(t, domain.ArchiveStatusArchived, rec.Status)

	res, err := env.archive.CompleteArchive(ctx, rec)
	require.NoError(t, err)
	return res
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := randomBytes(1, 32*1024)
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p1", "generic", "/a.bin", sha, int64(len(data)), nodeOpts{})
	env.addNode(t, "p1", "generic", "/b.bin", sha, int64(len(data)), nodeOpts{})

	res := archiveThrough(t, env, sha, int64(len(data)))
	assert.Equal(t, CompletionCompleted, res.Outcome)
	assert.Equal(t, 2, res.Nodes)
	assert.Equal(t, int64(len(data)), res.BytesReclaimed)

	assert.True(t, env.getNode(t, "p1", "generic", "/a.bin").Archived)
	assert.True(t, env.getNode(t, "p1", "generic", "/b.bin").Archived)
	assert.Empty(t, env.primary.Keys())
	assert.Equal(t, []string{sha + ".xz"}, env.cold.Keys())

	require.NoError(t, env.archive.Restore(ctx, sha, ""))
	// asking twice is fine
	require.NoError(t, env.archive.Restore(ctx, sha, ""))

	rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.Equal(t, domain.ArchiveStatusWaitToRestore, rec.Status)
	require.NoError(t, env.archiveWorker().RestoreBlob(ctx, rec))

	rec, err = env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.Equal(t, domain.ArchiveStatusRestored, rec.Status)
	res, err = env.archive.CompleteArchive(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, CompletionRestored, res.Outcome)

	assert.False(t, env.getNode(t, "p1", "generic", "/a.bin").Archived)
	assert.False(t, env.getNode(t, "p1", "generic", "/b.bin").Archived)
	assert.Equal(t, data, env.readBlob(t, sha, ""))
	assert.Empty(t, env.cold.Keys())

	_, err = env.archive.GetArchiveRecord(ctx, sha, "")
	assert.ErrorIs(t, err, domain.ErrArchiveRecordNotFound)
}

func TestCompleteArchiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := randomBytes(2, 4096)
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p1", "generic", "/a.bin", sha, int64(len(data)), nodeOpts{})

	archiveThrough(t, env, sha, int64(len(data)))

	rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.Equal(t, domain.ArchiveStatusCompleted, rec.Status)

	res, err := env.archive.CompleteArchive(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, CompletionNoop, res.Outcome)

	// a stale copy of the record still in ARCHIVED changes nothing either
	stale := *rec
	stale.Status = domain.ArchiveStatusArchived
	res, err = env.archive.CompleteArchive(ctx, &stale)
	require.NoError(t, err)
	assert.Zero(t, res.Nodes)
	assert.Zero(t, res.BytesReclaimed)

	after, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusCompleted, after.Status)
	assert.True(t, env.getNode(t, "p1", "generic", "/a.bin").Archived)
	assert.Equal(t, []string{sha + ".xz"}, env.cold.Keys())
}

func TestLateAccessKeepsPrimaryCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := randomBytes(3, 4096)
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p1", "generic", "/a.bin", sha, int64(len(data)), nodeOpts{accessed: daysAgo(env.now(), 400)})

	created, err := env.archive.Archive(ctx, sha, "", int64(len(data)))
	require.NoError(t, err)
	require.True(t, created)
	rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.NoError(t, env.archiveWorker().ArchiveBlob(ctx, rec))

	// the blob is downloaded while the archive copy is being made
	env.clock.Advance(time.Hour)
	require.NoError(t, env.repos.Node.UpdateLastAccess(ctx, "p1", "generic", "/a.bin", env.now()))

	rec, err = env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	res, err := env.archive.CompleteArchive(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, CompletionReused, res.Outcome)

	assert.Equal(t, data, env.readBlob(t, sha, ""))
	assert.False(t, env.getNode(t, "p1", "generic", "/a.bin").Archived)
	assert.Empty(t, env.cold.Keys())
	_, err = env.archive.GetArchiveRecord(ctx, sha, "")
	assert.ErrorIs(t, err, domain.ErrArchiveRecordNotFound)
}

func TestLateNodeIsFlaggedBeforeDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := randomBytes(4, 4096)
	sha := env.putBlob(t, "", data)
	env.addNode(t, "p1", "generic", "/a.bin", sha, int64(len(data)), nodeOpts{})

	created, err := env.archive.Archive(ctx, sha, "", int64(len(data)))
	require.NoError(t, err)
	require.True(t, created)

	// a new node points at the blob after the decision was made
	env.addNode(t, "p1", "generic", "/late.bin", sha, int64(len(data)), nodeOpts{})

	rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	require.NoError(t, env.archiveWorker().ArchiveBlob(ctx, rec))
	rec, err = env.archive.GetArchiveRecord(ctx, sha, "")
	require.NoError(t, err)
	_, err = env.archive.CompleteArchive(ctx, rec)
	require.NoError(t, err)

	// every live node that lost its primary copy knows where the data went
	assert.True(t, env.getNode(t, "p1", "generic", "/late.bin").Archived)
	assert.True(t, env.getNode(t, "p1", "generic", "/a.bin").Archived)
	assert.Equal(t, []string{sha + ".xz"}, env.cold.Keys())
}

func TestNodeCreatedDuringCompletion(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, string, []byte, *domain.ArchiveRecord) {
		env := newTestEnv(t)
		data := randomBytes(5, 4096)
		sha := env.putBlob(t, "", data)
		env.addNode(t, "p1", "generic", "/a.bin", sha, int64(len(data)), nodeOpts{})

		_, err := env.archive.Archive(ctx, sha, "", int64(len(data)))
		require.NoError(t, err)
		rec, err := env.archive.GetArchiveRecord(ctx, sha, "")
		require.NoError(t, err)
		require.NoError(t, env.archiveWorker().ArchiveBlob(ctx, rec))
		rec, err = env.archive.GetArchiveRecord(ctx, sha, "")
		require.NoError(t, err)
		return env, sha, data, rec
	}

	t.Run("flagged before the primary copy goes", func(t *testing.T) {
		env, sha, data, rec := setup(t)
		env.dir.nodes = &hookedNodes{NodeRepository: env.repos.Node, onFlag: once(func() {
			env.addNode(t, "p1", "generic", "/late.bin", sha, int64(len(data)), nodeOpts{})
		})}

		res, err := env.archive.CompleteArchive(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, CompletionCompleted, res.Outcome)
		assert.Equal(t, 2, res.Nodes)

		assert.True(t, env.getNode(t, "p1", "generic", "/late.bin").Archived)
		assert.NotContains(t, env.primary.Keys(), sha)
	})

	t.Run("nodes that keep coming defer the delete", func(t *testing.T) {
		env, sha, data, rec := setup(t)
		var n atomic.Int32
		env.dir.nodes = &hookedNodes{NodeRepository: env.repos.Node, onFlag: func() {
			path := fmt.Sprintf("/late-%d.bin", n.Add(1))
			env.addNode(t, "p1", "generic", path, sha, int64(len(data)), nodeOpts{})
		}}

		res, err := env.archive.CompleteArchive(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, CompletionDeferred, res.Outcome)

		assert.Contains(t, env.primary.Keys(), sha)
		rec, err = env.archive.GetArchiveRecord(ctx, sha, "")
		require.NoError(t, err)
		assert.Equal(t, domain.ArchiveStatusArchived, rec.Status)
	})
}

func TestArchiveOneRecordPerBlob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sha := fakeSha(7)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.archive.Archive(ctx, sha, "", 100)
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func TestRestoreRejectsUnfinishedArchive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sha := fakeSha(8)

	err := env.archive.Restore(ctx, sha, "")
	assert.ErrorIs(t, err, domain.ErrArchiveRecordNotFound)

	_, err = env.archive.Archive(ctx, sha, "", 100)
	require.NoError(t, err)
	err = env.archive.Restore(ctx, sha, "")
	assert.ErrorIs(t, err, domain.ErrArchiveNotRestorable)
}

func TestArchiveWorkerRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	data := randomBytes(5, 2048)
	sha := env.putBlob(t, "", data)

	_, err := env.archive.Archive(ctx, sha, "", int64(len(data)))
	require.NoError(t, err)
	_, err = env.archive.Archive(ctx, fakeSha(9), "", 10)
	require.NoError(t, err)

	result := &JobResult{}
	require.NoError(t, env.archiveWorker().Run(ctx, result))
	assert.Equal(t, int64(2), result.Scanned)
	assert.Equal(t, int64(1), result.Archived)
	assert.Equal(t, int64(1), result.Errors)

	missing, err := env.archive.GetArchiveRecord(ctx, fakeSha(9), "")
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusArchiveFailed, missing.Status)
}

// =============================================================================
// Idle archive job
// =============================================================================

func newIdleJob(env *testEnv, cfg IdleArchiveConfig) *IdleArchiveJob {
	detector := NewIdleDetector(env.repos.Node, env.repos.State, zerolog.Nop(), cfg)
	detector.clock = env.clock
	job := NewIdleArchiveJob(detector, env.dir, env.resolver, env.refs, env.archive, env.blobs, zerolog.Nop(), cfg)
	job.clock = env.clock
	return job
}

func TestIdleArchiveSkipsBlobInUseElsewhere(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addRepo(t, "p2", "generic", "")
	now := env.now()

	h := fakeSha(100)
	env.addNode(t, "p1", "generic", "/A.bin", h, 100, nodeOpts{accessed: daysAgo(now, 1)})
	env.addNode(t, "p2", "generic", "/B.bin", h, 100, nodeOpts{accessed: daysAgo(now, 60)})

	k := fakeSha(101)
	env.addNode(t, "p1", "generic", "/C.bin", k, 100, nodeOpts{accessed: daysAgo(now, 60)})

	cfg := DefaultIdleArchiveConfig()
	cfg.IdleWindow = 30 * 24 * time.Hour
	cfg.MinFileSize = 0
	cfg.Concurrency = 2
	job := newIdleJob(env, cfg)

	result := &JobResult{}
	require.NoError(t, job.Run(ctx, result))

	_, err := env.archive.GetArchiveRecord(ctx, h, "")
	assert.ErrorIs(t, err, domain.ErrArchiveRecordNotFound, "H is still used through A")

	rec, err := env.archive.GetArchiveRecord(ctx, k, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ArchiveStatusCreated, rec.Status)

	assert.Equal(t, int64(2), result.Scanned)
	assert.Equal(t, int64(1), result.Archived)
	assert.Equal(t, int64(1), result.Skipped)
}

func TestIdleArchiveDecisions(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-365 * 24 * time.Hour)

	tests := []struct {
		name     string
		setup    func(t *testing.T, env *testEnv) *domain.Node
		config   func(cfg *IdleArchiveConfig)
		expected string
	}{
		{
			name: "single reference is archived",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				return env.addNode(t, "p1", "generic", "/a", fakeSha(1), 100, nodeOpts{accessed: &old})
			},
			expected: decisionArchived,
		},
		{
			name: "existing record is skipped",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				_, err := env.archive.Archive(context.Background(), fakeSha(2), "", 100)
				require.NoError(t, err)
				return env.addNode(t, "p1", "generic", "/a", fakeSha(2), 100, nodeOpts{accessed: &old})
			},
			expected: decisionExists,
		},
		{
			name: "excluded repository type",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				require.NoError(t, env.repos.Repo.Upsert(context.Background(), &domain.Repository{
					ProjectID: "p1", Name: "images", Type: domain.RepositoryTypeDocker,
				}))
				return env.addNode(t, "p1", "images", "/a", fakeSha(3), 100, nodeOpts{accessed: &old})
			},
			expected: decisionExcluded,
		},
		{
			name: "excluded credentials key",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				env.addRepo(t, "p1", "cold", "glacier")
				return env.addNode(t, "p1", "cold", "/a", fakeSha(4), 100, nodeOpts{accessed: &old})
			},
			config: func(cfg *IdleArchiveConfig) {
				cfg.ExcludeCredentialsKeys = []string{"glacier"}
			},
			expected: decisionExcluded,
		},
		{
			name: "migrating repository without primary copy",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				require.NoError(t, env.repos.Repo.Upsert(context.Background(), &domain.Repository{
					ProjectID: "p1", Name: "moving", Type: domain.RepositoryTypeGeneric, Migrating: true,
				}))
				return env.addNode(t, "p1", "moving", "/a", fakeSha(5), 100, nodeOpts{accessed: &old})
			},
			expected: decisionMissing,
		},
		{
			name: "node without reference",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				n := env.addNode(t, "p1", "generic", "/a", fakeSha(6), 100, nodeOpts{accessed: &old})
				require.NoError(t, env.repos.Reference.Set(context.Background(), fakeSha(6), "", 0))
				return n
			},
			expected: decisionUnreferenced,
		},
		{
			name: "shared and idle everywhere",
			setup: func(t *testing.T, env *testEnv) *domain.Node {
				env.addNode(t, "p1", "generic", "/b", fakeSha(7), 100, nodeOpts{accessed: &old})
				return env.addNode(t, "p1", "generic", "/a", fakeSha(7), 100, nodeOpts{accessed: &old})
			},
			expected: decisionArchived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			cfg := DefaultIdleArchiveConfig()
			cfg.MinFileSize = 0
			if tt.config != nil {
				tt.config(&cfg)
			}
			job := newIdleJob(env, cfg)
			node := tt.setup(t, env)

			rc := NewRunContext("run", now.Add(-cfg.IdleWindow))
			decision, err := job.Consider(context.Background(), rc, node)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, decision)
		})
	}
}

func TestIdleArchiveMemoizesInUseBlobs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := env.now()
	sha := fakeSha(1)
	idle := env.addNode(t, "p1", "generic", "/idle", sha, 100, nodeOpts{accessed: daysAgo(now, 365)})
	env.addNode(t, "p1", "generic", "/busy", sha, 100, nodeOpts{accessed: daysAgo(now, 1)})

	cfg := DefaultIdleArchiveConfig()
	job := newIdleJob(env, cfg)
	rc := NewRunContext("run", now.Add(-cfg.IdleWindow))

	decision, err := job.Consider(ctx, rc, idle)
	require.NoError(t, err)
	assert.Equal(t, decisionInUse, decision)
	assert.True(t, rc.InUse(domain.BlobKey{Sha256: sha}))

	// a fresh run starts with an empty memo
	assert.False(t, NewRunContext("next", rc.Cutoff).InUse(domain.BlobKey{Sha256: sha}))
}

func TestIdleArchiveDryRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addNode(t, "p1", "generic", "/a", fakeSha(1), 100, nodeOpts{accessed: daysAgo(env.now(), 365)})

	cfg := DefaultIdleArchiveConfig()
	cfg.MinFileSize = 0
	cfg.DryRun = true
	result := &JobResult{}
	require.NoError(t, newIdleJob(env, cfg).Run(ctx, result))

	assert.Equal(t, int64(1), result.Archived)
	_, err := env.archive.GetArchiveRecord(ctx, fakeSha(1), "")
	assert.ErrorIs(t, err, domain.ErrArchiveRecordNotFound)
}

func TestIdleWindowAdvance(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var st idleWindowState

	// first run is a full scan
	st.advance(base, 2)
	assert.Nil(t, st.LastCutoffTime)

	var fulls int
	for i := 1; i <= 6; i++ {
		st.advance(base.Add(time.Duration(i)*time.Hour), 2)
		if st.LastCutoffTime == nil {
			fulls++
		} else {
			assert.Equal(t, base.Add(time.Duration(i-1)*time.Hour), *st.LastCutoffTime)
		}
	}
	assert.Equal(t, 2, fulls)
}

func TestIdleDetectorIncrementalQuery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	cfg := DefaultIdleArchiveConfig()
	cfg.RefreshPeriod = 3
	detector := NewIdleDetector(env.repos.Node, env.repos.State, zerolog.Nop(), cfg)
	detector.clock = env.clock

	var (
		prev, cutoff time.Time
		from         *time.Time
	)
	for i := 0; i < 3 && from == nil; i++ {
		if i > 0 {
			prev = cutoff
			env.clock.Advance(24 * time.Hour)
		}
		var err error
		cutoff, from, err = detector.BeginRun(ctx)
		require.NoError(t, err)
		if from == nil {
			assert.True(t, detector.Query(cutoff, from).IncludeNeverAccessed)
		}
	}
	require.NotNil(t, from, "an incremental run follows the full scans")
	assert.True(t, prev.Equal(*from))

	q := detector.Query(cutoff, from)
	assert.False(t, q.IncludeNeverAccessed)
	require.NotNil(t, q.AccessedFrom)
	assert.True(t, q.AccessedFrom.Equal(prev))
	assert.True(t, q.AccessedBefore.Equal(cutoff))
}
