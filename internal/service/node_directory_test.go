package service

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	memstore "github.com/prn-tf/alexander-lifecycle/internal/storage/memory"
)

type nodePath struct {
	project, repo, path string
}

func TestReferenceCountFollowsLiveNodes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.blobs.Register("other", "", memstore.New("other"))
	env.addRepo(t, "p2", "generic", "")
	env.addRepo(t, "p3", "remote", "other")

	var shas []string
	for i := 0; i < 5; i++ {
		shas = append(shas, env.putBlob(t, "", []byte(fmt.Sprintf("content %d", i))))
	}
	repos := []nodePath{{project: "p1", repo: "generic"}, {project: "p2", repo: "generic"}, {project: "p3", repo: "remote"}}

	rng := rand.New(rand.NewSource(42))
	var live []nodePath
	seq := 0
	for op := 0; op < 300; op++ {
		seq++
		switch choice := rng.Intn(3); {
		case choice == 0 || len(live) == 0:
			// only the first two repos have the blobs in their storage
			r := repos[rng.Intn(2)]
			p := nodePath{project: r.project, repo: r.repo, path: fmt.Sprintf("/f-%d", seq)}
			env.addNode(t, p.project, p.repo, p.path, shas[rng.Intn(len(shas))], 10, nodeOpts{})
			live = append(live, p)
		case choice == 1:
			i := rng.Intn(len(live))
			p := live[i]
			_, err := env.dir.DeleteNode(ctx, p.project, p.repo, p.path)
			require.NoError(t, err)
			live = append(live[:i], live[i+1:]...)
		default:
			src := live[rng.Intn(len(live))]
			dst := repos[rng.Intn(len(repos))]
			p := nodePath{project: dst.project, repo: dst.repo, path: fmt.Sprintf("/c-%d", seq)}
			_, err := env.dir.CopyNode(ctx, src.project, src.repo, src.path, p.project, p.repo, p.path)
			require.NoError(t, err)
			live = append(live, p)
		}

		if op%25 == 0 {
			assertReferenceInvariant(t, env, shas, []string{"", "other"})
		}
	}
	assertReferenceInvariant(t, env, shas, []string{"", "other"})
}

func assertReferenceInvariant(t *testing.T, env *testEnv, shas, keys []string) {
	t.Helper()
	ctx := context.Background()
	for _, sha := range shas {
		for _, key := range keys {
			nodes, err := env.dir.FindNodesBySha256(ctx, sha, key, repository.NodeQuery{})
			require.NoError(t, err)
			assert.Equal(t, int64(len(nodes)), env.refCount(t, sha, key), "sha %s key %q", sha[:8], key)
		}
	}
}

func TestRestoreNodeTakesReferenceAgain(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sha := env.putBlob(t, "", []byte("restorable"))
	env.addNode(t, "p1", "generic", "/a.bin", sha, 10, nodeOpts{})

	deleted, err := env.dir.DeleteNode(ctx, "p1", "generic", "/a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(0), env.refCount(t, sha, ""))

	env.addNode(t, "p1", "generic", "/a.bin", sha, 10, nodeOpts{})
	_, err = env.dir.RestoreNode(ctx, "p1", "generic", "/a.bin", *deleted.Deleted)
	assert.ErrorIs(t, err, domain.ErrNodeAlreadyExists)

	_, err = env.dir.DeleteNode(ctx, "p1", "generic", "/a.bin")
	require.NoError(t, err)
	_, err = env.dir.RestoreNode(ctx, "p1", "generic", "/a.bin", *deleted.Deleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.refCount(t, sha, ""))
}

func TestCopyNodeAcrossStorage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	other := memstore.New("other")
	env.blobs.Register("other", "", other)
	env.addRepo(t, "p2", "remote", "other")

	sha := env.putBlob(t, "", []byte("copied across"))
	env.addNode(t, "p1", "generic", "/a.bin", sha, 13, nodeOpts{})

	_, err := env.dir.CopyNode(ctx, "p1", "generic", "/a.bin", "p2", "remote", "/b.bin")
	require.NoError(t, err)
	assert.Equal(t, []string{sha}, other.Keys())
	assert.Equal(t, int64(1), env.refCount(t, sha, "other"))

	t.Run("compressed source is refused", func(t *testing.T) {
		require.NoError(t, env.dir.SetCompressed(ctx, "p1", "generic", "/a.bin", true))
		_, err := env.dir.CopyNode(ctx, "p1", "generic", "/a.bin", "p2", "remote", "/c.bin")
		assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	})
}

func TestAnyNodeBySha256(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.addRepo(t, "p2", "generic", "")
	now := env.now()

	sha := fakeSha(1)
	env.addNode(t, "p1", "generic", "/old.bin", sha, 10, nodeOpts{accessed: daysAgo(now, 90)})
	env.addNode(t, "p2", "generic", "/new.bin", sha, 10, nodeOpts{accessed: daysAgo(now, 1)})

	found, err := env.dir.AnyNodeBySha256(ctx, sha, "", repository.NodeQuery{AccessedFrom: daysAgo(now, 30)}, 2)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = env.dir.AnyNodeBySha256(ctx, sha, "", repository.NodeQuery{AccessedFrom: daysAgo(now, 0)}, 2)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = env.dir.AnyNodeBySha256(ctx, sha, "other", repository.NodeQuery{}, 2)
	require.NoError(t, err)
	assert.False(t, found)
}
