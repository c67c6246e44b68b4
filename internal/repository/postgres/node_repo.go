package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// nodeRepository implements repository.NodeRepository on node_N tables.
type nodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new PostgreSQL node repository.
func NewNodeRepository(db *DB) repository.NodeRepository {
	return &nodeRepository{db: db}
}

const nodeColumns = `id, project_id, repo_name, full_path, folder, sha256, size,
	created_at, last_modified_at, last_access_at, archived, compressed, deleted_at`

// ShardCount returns the number of shards.
func (r *nodeRepository) ShardCount() int {
	return r.db.ShardCount()
}

// ShardFor returns the shard a project's nodes live in.
func (r *nodeRepository) ShardFor(projectID string) int {
	return repository.ShardFor(projectID, r.db.ShardCount())
}

func (r *nodeRepository) tableFor(projectID string) string {
	return nodeTable(r.ShardFor(projectID))
}

// Create inserts a new node.
func (r *nodeRepository) Create(ctx context.Context, node *domain.Node) error {
	query := `
		INSERT INTO ` + r.tableFor(node.ProjectID) + ` (
			project_id, repo_name, full_path, folder, sha256, size,
			created_at, last_modified_at, last_access_at, archived, compressed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		node.ProjectID,
		node.RepoName,
		node.FullPath,
		node.Folder,
		node.Sha256,
		node.Size,
		node.CreatedDate.UTC(),
		node.LastModifiedDate.UTC(),
		node.LastAccessDate,
		node.Archived,
		node.Compressed,
	).Scan(&node.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create node: %w", err)
	}
	return nil
}

// GetByPath retrieves the live node at a path.
func (r *nodeRepository) GetByPath(ctx context.Context, projectID, repoName, fullPath string) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM ` + r.tableFor(projectID) + `
		WHERE project_id = $1 AND repo_name = $2 AND full_path = $3 AND deleted_at IS NULL`

	node, err := scanNode(r.db.Pool.QueryRow(ctx, query, projectID, repoName, fullPath))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// List returns nodes of a shard matching the query.
func (r *nodeRepository) List(ctx context.Context, shard int, q repository.NodeQuery) ([]*domain.Node, error) {
	where, args := q.Where(dialect{}, 0)
	query := `SELECT ` + nodeColumns + ` FROM ` + nodeTable(shard) + ` WHERE ` + where + ` ORDER BY id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// Count returns the number and total size of matching nodes in a shard.
func (r *nodeRepository) Count(ctx context.Context, shard int, q repository.NodeQuery) (int64, int64, error) {
	where, args := q.Where(dialect{}, 0)
	query := `SELECT COUNT(*), COALESCE(SUM(size), 0)::BIGINT FROM ` + nodeTable(shard) + ` WHERE ` + where

	var count, size int64
	if err := r.db.Pool.QueryRow(ctx, query, args...).Scan(&count, &size); err != nil {
		return 0, 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, size, nil
}

// SetArchived sets the archived flag.
func (r *nodeRepository) SetArchived(ctx context.Context, projectID, repoName, fullPath string, archived bool) error {
	return r.setFlag(ctx, "archived", projectID, repoName, fullPath, archived)
}

// SetCompressed sets the compressed flag.
func (r *nodeRepository) SetCompressed(ctx context.Context, projectID, repoName, fullPath string, compressed bool) error {
	return r.setFlag(ctx, "compressed", projectID, repoName, fullPath, compressed)
}

func (r *nodeRepository) setFlag(ctx context.Context, column, projectID, repoName, fullPath string, value bool) error {
	query := `UPDATE ` + r.tableFor(projectID) + ` SET ` + column + ` = $1, last_modified_at = $2
		WHERE project_id = $3 AND repo_name = $4 AND full_path = $5 AND deleted_at IS NULL`

	tag, err := r.db.Pool.Exec(ctx, query, value, time.Now().UTC(), projectID, repoName, fullPath)
	if err != nil {
		return fmt.Errorf("failed to set node %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNodeNotFound
	}
	return nil
}

// UpdateLastAccess records a download.
func (r *nodeRepository) UpdateLastAccess(ctx context.Context, projectID, repoName, fullPath string, at time.Time) error {
	query := `UPDATE ` + r.tableFor(projectID) + ` SET last_access_at = $1
		WHERE project_id = $2 AND repo_name = $3 AND full_path = $4 AND deleted_at IS NULL`

	tag, err := r.db.Pool.Exec(ctx, query, at.UTC(), projectID, repoName, fullPath)
	if err != nil {
		return fmt.Errorf("failed to update node access time: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNodeNotFound
	}
	return nil
}

// SoftDelete marks the live node deleted and returns it.
func (r *nodeRepository) SoftDelete(ctx context.Context, projectID, repoName, fullPath string, at time.Time) (*domain.Node, error) {
	query := `UPDATE ` + r.tableFor(projectID) + ` SET deleted_at = $1
		WHERE project_id = $2 AND repo_name = $3 AND full_path = $4 AND deleted_at IS NULL
		RETURNING ` + nodeColumns

	node, err := scanNode(r.db.Pool.QueryRow(ctx, query, at.UTC(), projectID, repoName, fullPath))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to delete node: %w", err)
	}
	return node, nil
}

// Restore clears the deleted mark of a node.
func (r *nodeRepository) Restore(ctx context.Context, projectID, repoName, fullPath string, deletedAt time.Time) (*domain.Node, error) {
	query := `UPDATE ` + r.tableFor(projectID) + ` SET deleted_at = NULL
		WHERE project_id = $1 AND repo_name = $2 AND full_path = $3 AND deleted_at = $4
		RETURNING ` + nodeColumns

	node, err := scanNode(r.db.Pool.QueryRow(ctx, query, projectID, repoName, fullPath, deletedAt.UTC()))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNodeNotFound
		}
		if isUniqueViolation(err) {
			return nil, repository.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to restore node: %w", err)
	}
	return node, nil
}

func scanNode(row pgx.Row) (*domain.Node, error) {
	node := &domain.Node{}
	err := row.Scan(
		&node.ID,
		&node.ProjectID,
		&node.RepoName,
		&node.FullPath,
		&node.Folder,
		&node.Sha256,
		&node.Size,
		&node.CreatedDate,
		&node.LastModifiedDate,
		&node.LastAccessDate,
		&node.Archived,
		&node.Compressed,
		&node.Deleted,
	)
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Ensure nodeRepository implements repository.NodeRepository
var _ repository.NodeRepository = (*nodeRepository)(nil)
