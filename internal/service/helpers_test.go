package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/crypto"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	memrepo "github.com/prn-tf/alexander-lifecycle/internal/repository/memory"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
	memstore "github.com/prn-tf/alexander-lifecycle/internal/storage/memory"
)

// =============================================================================
// Test environment
// =============================================================================

const testShards = 4

// testEnv wires the engine over in-memory repositories and backends.
type testEnv struct {
	repos    *repository.Repositories
	blobs    *storage.BlobStore
	primary  *memstore.Backend
	cold     *memstore.Backend
	resolver *RepoResolver
	refs     *ReferenceCounter
	dir      *NodeDirectory
	archive  *ArchiveService
	compress *CompressService
	clock    *clock.Fixed
	workers  WorkerConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zerolog.Nop()
	env := &testEnv{
		repos:   memrepo.NewRepositories(testShards),
		blobs:   storage.NewBlobStore(),
		primary: memstore.New("primary"),
		cold:    memstore.New("archive"),
		clock:   clock.NewFixed(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	env.blobs.Register("", "", env.primary)
	env.blobs.RegisterArchive("archive", env.cold)

	env.resolver = NewRepoResolver(env.repos.Repo, nil, time.Minute, logger)
	env.refs = NewReferenceCounter(env.repos.Reference, logger)
	env.dir = NewNodeDirectory(env.repos.Node, env.resolver, env.refs, env.blobs, logger)
	env.dir.clock = env.clock
	env.archive = NewArchiveService(env.repos.Archive, env.dir, env.blobs, logger, DefaultArchiveConfig())
	env.archive.clock = env.clock
	env.compress = NewCompressService(env.repos.Compress, env.dir, env.refs, env.blobs, logger, "test")
	env.compress.clock = env.clock

	env.workers = DefaultWorkerConfig()
	env.workers.TempDir = t.TempDir()
	env.workers.Operator = "test"

	env.addRepo(t, "p1", "generic", "")
	return env
}

func (e *testEnv) now() time.Time {
	return e.clock.Now()
}

func (e *testEnv) addRepo(t *testing.T, projectID, name, credentialsKey string) {
	t.Helper()
	require.NoError(t, e.repos.Repo.Upsert(context.Background(), &domain.Repository{
		ProjectID:      projectID,
		Name:           name,
		Type:           domain.RepositoryTypeGeneric,
		CredentialsKey: credentialsKey,
	}))
}

// putBlob stores data in the primary backend of credentialsKey and returns its hash.
func (e *testEnv) putBlob(t *testing.T, credentialsKey string, data []byte) string {
	t.Helper()
	sha := crypto.ComputeSHA256(data)
	require.NoError(t, e.blobs.Store(context.Background(), sha, credentialsKey, bytes.NewReader(data), int64(len(data))))
	return sha
}

func (e *testEnv) readBlob(t *testing.T, key, credentialsKey string) []byte {
	t.Helper()
	rc, err := e.blobs.Retrieve(context.Background(), key, credentialsKey)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

// nodeOpts tweaks the nodes created by addNode.
type nodeOpts struct {
	created  time.Time
	accessed *time.Time
}

func (e *testEnv) addNode(t *testing.T, projectID, repoName, fullPath, sha string, size int64, opts nodeOpts) *domain.Node {
	t.Helper()
	node := &domain.Node{
		ProjectID:      projectID,
		RepoName:       repoName,
		FullPath:       fullPath,
		Sha256:         sha,
		Size:           size,
		CreatedDate:    opts.created,
		LastAccessDate: opts.accessed,
	}
	require.NoError(t, e.dir.CreateNode(context.Background(), node))
	return node
}

func (e *testEnv) getNode(t *testing.T, projectID, repoName, fullPath string) *domain.Node {
	t.Helper()
	node, err := e.repos.Node.GetByPath(context.Background(), projectID, repoName, fullPath)
	require.NoError(t, err)
	return node
}

func (e *testEnv) refCount(t *testing.T, sha, credentialsKey string) int64 {
	t.Helper()
	n, err := e.refs.Count(context.Background(), sha, credentialsKey)
	require.NoError(t, err)
	return n
}

func (e *testEnv) archiveWorker() *ArchiveWorker {
	return NewArchiveWorker(e.repos.Archive, e.blobs, zerolog.Nop(), e.workers)
}

func (e *testEnv) compressWorker() *CompressWorker {
	cfg := DefaultCompressWorkerConfig()
	cfg.WorkerConfig = e.workers
	return NewCompressWorker(e.repos.Compress, e.refs, e.blobs, zerolog.Nop(), cfg)
}

func (e *testEnv) reaper(dryRun bool) *GarbageCollector {
	cfg := DefaultGCConfig()
	cfg.BatchSize = 2
	cfg.DryRun = dryRun
	return NewGarbageCollector(e.repos.Reference, e.repos.Compress, e.dir, e.archive, e.compress, e.blobs, zerolog.Nop(), cfg)
}

func daysAgo(now time.Time, days int) *time.Time {
	t := now.Add(-time.Duration(days) * 24 * time.Hour)
	return &t
}

// randomBytes returns n pseudo-random bytes from a fixed seed.
func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func fakeSha(i int) string {
	return crypto.ComputeSHA256([]byte(fmt.Sprintf("blob-%d", i)))
}

// =============================================================================
// Repository hooks
// =============================================================================

// hookedNodes calls onFlag after every archived or compressed flag change.
type hookedNodes struct {
	repository.NodeRepository
	onFlag func()
}

func (h *hookedNodes) SetArchived(ctx context.Context, projectID, repoName, fullPath string, archived bool) error {
	err := h.NodeRepository.SetArchived(ctx, projectID, repoName, fullPath, archived)
	h.onFlag()
	return err
}

func (h *hookedNodes) SetCompressed(ctx context.Context, projectID, repoName, fullPath string, compressed bool) error {
	err := h.NodeRepository.SetCompressed(ctx, projectID, repoName, fullPath, compressed)
	h.onFlag()
	return err
}

// hookedCompress calls onCount before answering CountByBase.
type hookedCompress struct {
	repository.CompressRepository
	onCount func()
}

func (h *hookedCompress) CountByBase(ctx context.Context, sha256, credentialsKey string) (int64, error) {
	h.onCount()
	return h.CompressRepository.CountByBase(ctx, sha256, credentialsKey)
}

// hookedArchives calls onGet before answering Get, and fails it with err when set.
type hookedArchives struct {
	repository.ArchiveRepository
	onGet func()
	err   error
}

func (h *hookedArchives) Get(ctx context.Context, sha256, credentialsKey string) (*domain.ArchiveRecord, error) {
	if h.onGet != nil {
		h.onGet()
	}
	if h.err != nil {
		return nil, h.err
	}
	return h.ArchiveRepository.Get(ctx, sha256, credentialsKey)
}

// once wraps fn so that only its first call runs.
func once(fn func()) func() {
	done := false
	return func() {
		if !done {
			done = true
			fn()
		}
	}
}
