package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// defaultShardConcurrency bounds cross-shard fan-out when the caller gives no limit.
const defaultShardConcurrency = 16

// NodeDirectory composes cross-shard lookups over the sharded node repository
// and keeps reference counts in step with node lifecycle operations.
type NodeDirectory struct {
	nodes  repository.NodeRepository
	repos  *RepoResolver
	refs   *ReferenceCounter
	blobs  *storage.BlobStore
	clock  clock.Clock
	logger zerolog.Logger
}

// NewNodeDirectory creates a new node directory service.
func NewNodeDirectory(
	nodes repository.NodeRepository,
	repos *RepoResolver,
	refs *ReferenceCounter,
	blobs *storage.BlobStore,
	logger zerolog.Logger,
) *NodeDirectory {
	return &NodeDirectory{
		nodes:  nodes,
		repos:  repos,
		refs:   refs,
		blobs:  blobs,
		clock:  clock.Real{},
		logger: logger.With().Str("service", "node-directory").Logger(),
	}
}

// Nodes returns the underlying node repository.
func (d *NodeDirectory) Nodes() repository.NodeRepository {
	return d.nodes
}

// =============================================================================
// Node lifecycle
// =============================================================================

// CreateNode creates a node and takes a reference on its blob.
func (d *NodeDirectory) CreateNode(ctx context.Context, node *domain.Node) error {
	credentialsKey, err := d.repos.CredentialsKey(ctx, node)
	if err != nil {
		return err
	}

	if node.CreatedDate.IsZero() {
		node.CreatedDate = d.clock.Now()
	}
	if node.LastModifiedDate.IsZero() {
		node.LastModifiedDate = node.CreatedDate
	}

	if err := d.nodes.Create(ctx, node); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return domain.NewDomainError(domain.ErrNodeAlreadyExists, "", node.String())
		}
		return fmt.Errorf("failed to create node: %w", err)
	}

	if node.HasBlob() {
		if _, err := d.refs.Increment(ctx, node.Sha256, credentialsKey); err != nil {
			return err
		}
	}
	return nil
}

// CopyNode copies a file node to another path, possibly in another repository.
// The blob is copied when the destination lives in different storage.
func (d *NodeDirectory) CopyNode(ctx context.Context, projectID, repoName, fullPath, dstProjectID, dstRepoName, dstPath string) (*domain.Node, error) {
	src, err := d.nodes.GetByPath(ctx, projectID, repoName, fullPath)
	if err != nil {
		return nil, err
	}
	if src.Folder {
		return nil, domain.NewDomainError(domain.ErrNodeIsFolder, "cannot copy", src.String())
	}

	srcKey, err := d.repos.CredentialsKey(ctx, src)
	if err != nil {
		return nil, err
	}
	dst := &domain.Node{
		ProjectID:  dstProjectID,
		RepoName:   dstRepoName,
		FullPath:   dstPath,
		Sha256:     src.Sha256,
		Size:       src.Size,
		Archived:   src.Archived,
		Compressed: src.Compressed,
	}
	dstKey, err := d.repos.CredentialsKey(ctx, dst)
	if err != nil {
		return nil, err
	}

	if dst.HasBlob() && srcKey != dstKey {
		if src.Archived || src.Compressed {
			return nil, domain.NewDomainError(domain.ErrInvalidStatus, "blob must be restored before copying across storage", src.String())
		}
		if err := d.blobs.Copy(ctx, src.Sha256, srcKey, dstKey); err != nil {
			return nil, fmt.Errorf("failed to copy blob: %w", err)
		}
	}

	if err := d.CreateNode(ctx, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// DeleteNode soft-deletes a node and releases its blob reference.
func (d *NodeDirectory) DeleteNode(ctx context.Context, projectID, repoName, fullPath string) (*domain.Node, error) {
	node, err := d.nodes.SoftDelete(ctx, projectID, repoName, fullPath, d.clock.Now())
	if err != nil {
		return nil, err
	}
	if node.HasBlob() {
		credentialsKey, err := d.repos.CredentialsKey(ctx, node)
		if err != nil {
			return nil, err
		}
		if _, err := d.refs.Decrement(ctx, node.Sha256, credentialsKey); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// RestoreNode undoes a soft delete and takes the blob reference again.
func (d *NodeDirectory) RestoreNode(ctx context.Context, projectID, repoName, fullPath string, deletedAt time.Time) (*domain.Node, error) {
	node, err := d.nodes.Restore(ctx, projectID, repoName, fullPath, deletedAt)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, domain.NewDomainError(domain.ErrNodeAlreadyExists, "path is occupied", projectID+"/"+repoName+fullPath)
		}
		return nil, err
	}
	if node.HasBlob() {
		credentialsKey, err := d.repos.CredentialsKey(ctx, node)
		if err != nil {
			return nil, err
		}
		if _, err := d.refs.Increment(ctx, node.Sha256, credentialsKey); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// SetArchived sets the archived flag of a live node.
func (d *NodeDirectory) SetArchived(ctx context.Context, projectID, repoName, fullPath string, archived bool) error {
	return d.nodes.SetArchived(ctx, projectID, repoName, fullPath, archived)
}

// SetCompressed sets the compressed flag of a live node.
func (d *NodeDirectory) SetCompressed(ctx context.Context, projectID, repoName, fullPath string, compressed bool) error {
	return d.nodes.SetCompressed(ctx, projectID, repoName, fullPath, compressed)
}

// =============================================================================
// Cross-shard lookups
// =============================================================================

// FindNodesBySha256 returns every node across all shards that points at the
// blob and whose repository stores it under credentialsKey. filter narrows
// the search further; its Sha256 and paging fields are overwritten.
func (d *NodeDirectory) FindNodesBySha256(ctx context.Context, sha256, credentialsKey string, filter repository.NodeQuery) ([]*domain.Node, error) {
	var (
		mu    sync.Mutex
		found []*domain.Node
	)
	err := d.forEachShard(ctx, defaultShardConcurrency, func(ctx context.Context, shard int) error {
		nodes, err := d.listMatching(ctx, shard, sha256, credentialsKey, filter, 0)
		if err != nil {
			return err
		}
		mu.Lock()
		found = append(found, nodes...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// AnyNodeBySha256 reports whether any shard holds a node matching the same
// criteria as FindNodesBySha256. Remaining shard queries are cancelled on the
// first hit.
func (d *NodeDirectory) AnyNodeBySha256(ctx context.Context, sha256, credentialsKey string, filter repository.NodeQuery, concurrency int) (bool, error) {
	errFound := errors.New("found")

	err := d.forEachShard(ctx, concurrency, func(ctx context.Context, shard int) error {
		nodes, err := d.listMatching(ctx, shard, sha256, credentialsKey, filter, 1)
		if err != nil {
			return err
		}
		if len(nodes) > 0 {
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return true, nil
	}
	return false, err
}

// forEachShard runs fn over every shard with bounded concurrency.
// The first error cancels the context handed to the other calls.
func (d *NodeDirectory) forEachShard(ctx context.Context, concurrency int, fn func(ctx context.Context, shard int) error) error {
	if concurrency <= 0 {
		concurrency = defaultShardConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for shard := 0; shard < d.nodes.ShardCount(); shard++ {
		if gctx.Err() != nil {
			break
		}
		shard := shard
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, shard)
		})
	}
	return g.Wait()
}

// listMatching pages through one shard and keeps nodes whose repository uses
// credentialsKey. A repository that cannot be resolved counts as a match so
// that callers err on the side of keeping data. limit 0 means all matches.
func (d *NodeDirectory) listMatching(ctx context.Context, shard int, sha256, credentialsKey string, filter repository.NodeQuery, limit int) ([]*domain.Node, error) {
	q := filter
	q.Sha256 = sha256
	q.AfterID = 0
	if q.Limit <= 0 {
		q.Limit = 500
	}

	var out []*domain.Node
	for {
		page, err := d.nodes.List(ctx, shard, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list shard %d: %w", shard, err)
		}
		for _, n := range page {
			key, err := d.repos.CredentialsKey(ctx, n)
			if err != nil && !errors.Is(err, domain.ErrRepositoryNotFound) {
				return nil, err
			}
			if err != nil || key == credentialsKey {
				out = append(out, n)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(page) < q.Limit {
			return out, nil
		}
		q.AfterID = page[len(page)-1].ID
	}
}
