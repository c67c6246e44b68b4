// Package memory provides in-memory repositories for single-process
// deployments and tests. Nothing is persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// NodeRepository is a sharded in-memory node directory.
type NodeRepository struct {
	mu         sync.RWMutex
	shardCount int
	shards     []map[int64]*domain.Node
	nextID     []int64
}

// NewNodeRepository creates an empty node directory with shardCount shards.
// shardCount must be a power of two.
func NewNodeRepository(shardCount int) *NodeRepository {
	r := &NodeRepository{
		shardCount: shardCount,
		shards:     make([]map[int64]*domain.Node, shardCount),
		nextID:     make([]int64, shardCount),
	}
	for i := range r.shards {
		r.shards[i] = make(map[int64]*domain.Node)
	}
	return r
}

// ShardCount returns the number of shards.
func (r *NodeRepository) ShardCount() int {
	return r.shardCount
}

// ShardFor returns the shard a project's nodes live in.
func (r *NodeRepository) ShardFor(projectID string) int {
	return repository.ShardFor(projectID, r.shardCount)
}

// Create inserts a new node.
func (r *NodeRepository) Create(ctx context.Context, node *domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	shard := r.ShardFor(node.ProjectID)
	if r.findLive(shard, node.ProjectID, node.RepoName, node.FullPath) != nil {
		return repository.ErrAlreadyExists
	}

	r.nextID[shard]++
	node.ID = r.nextID[shard]
	r.shards[shard][node.ID] = cloneNode(node)
	return nil
}

// GetByPath retrieves the live node at a path.
func (r *NodeRepository) GetByPath(ctx context.Context, projectID, repoName, fullPath string) (*domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.findLive(r.ShardFor(projectID), projectID, repoName, fullPath)
	if n == nil {
		return nil, domain.ErrNodeNotFound
	}
	return cloneNode(n), nil
}

// List returns nodes of a shard matching the query, ordered by ID.
func (r *NodeRepository) List(ctx context.Context, shard int, q repository.NodeQuery) ([]*domain.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Node
	for _, n := range r.shards[shard] {
		if q.Match(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, n := range out {
		out[i] = cloneNode(n)
	}
	return out, nil
}

// Count returns the number and total size of matching nodes in a shard.
func (r *NodeRepository) Count(ctx context.Context, shard int, q repository.NodeQuery) (int64, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count, size int64
	for _, n := range r.shards[shard] {
		if q.Match(n) {
			count++
			size += n.Size
		}
	}
	return count, size, nil
}

// SetArchived sets the archived flag.
func (r *NodeRepository) SetArchived(ctx context.Context, projectID, repoName, fullPath string, archived bool) error {
	return r.update(projectID, repoName, fullPath, func(n *domain.Node) {
		n.Archived = archived
		n.LastModifiedDate = time.Now()
	})
}

// SetCompressed sets the compressed flag.
func (r *NodeRepository) SetCompressed(ctx context.Context, projectID, repoName, fullPath string, compressed bool) error {
	return r.update(projectID, repoName, fullPath, func(n *domain.Node) {
		n.Compressed = compressed
		n.LastModifiedDate = time.Now()
	})
}

// UpdateLastAccess records a download.
func (r *NodeRepository) UpdateLastAccess(ctx context.Context, projectID, repoName, fullPath string, at time.Time) error {
	return r.update(projectID, repoName, fullPath, func(n *domain.Node) {
		n.LastAccessDate = &at
	})
}

// SoftDelete marks the live node deleted and returns it.
func (r *NodeRepository) SoftDelete(ctx context.Context, projectID, repoName, fullPath string, at time.Time) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.findLive(r.ShardFor(projectID), projectID, repoName, fullPath)
	if n == nil {
		return nil, domain.ErrNodeNotFound
	}
	n.Deleted = &at
	return cloneNode(n), nil
}

// Restore clears the deleted mark of the node deleted at deletedAt.
func (r *NodeRepository) Restore(ctx context.Context, projectID, repoName, fullPath string, deletedAt time.Time) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	shard := r.ShardFor(projectID)
	var target *domain.Node
	for _, n := range r.shards[shard] {
		if n.ProjectID == projectID && n.RepoName == repoName && n.FullPath == fullPath &&
			n.Deleted != nil && n.Deleted.Equal(deletedAt) {
			target = n
			break
		}
	}
	if target == nil {
		return nil, domain.ErrNodeNotFound
	}
	if r.findLive(shard, projectID, repoName, fullPath) != nil {
		return nil, repository.ErrAlreadyExists
	}
	target.Deleted = nil
	return cloneNode(target), nil
}

func (r *NodeRepository) update(projectID, repoName, fullPath string, fn func(n *domain.Node)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.findLive(r.ShardFor(projectID), projectID, repoName, fullPath)
	if n == nil {
		return domain.ErrNodeNotFound
	}
	fn(n)
	return nil
}

// findLive must be called with the lock held.
func (r *NodeRepository) findLive(shard int, projectID, repoName, fullPath string) *domain.Node {
	for _, n := range r.shards[shard] {
		if n.Deleted == nil && n.ProjectID == projectID && n.RepoName == repoName && n.FullPath == fullPath {
			return n
		}
	}
	return nil
}

func cloneNode(n *domain.Node) *domain.Node {
	c := *n
	if n.LastAccessDate != nil {
		t := *n.LastAccessDate
		c.LastAccessDate = &t
	}
	if n.Deleted != nil {
		t := *n.Deleted
		c.Deleted = &t
	}
	return &c
}

// Ensure NodeRepository implements repository.NodeRepository
var _ repository.NodeRepository = (*NodeRepository)(nil)
