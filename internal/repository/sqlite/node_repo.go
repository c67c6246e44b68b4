package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// nodeRepository implements repository.NodeRepository for SQLite.
// Each shard is a node_N table.
type nodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new SQLite node repository.
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		node.ProjectID,
		node.RepoName,
		node.FullPath,
		boolToInt(node.Folder),
		node.Sha256,
		node.Size,
		formatTime(node.CreatedDate),
		formatTime(node.LastModifiedDate),
		formatNullTime(node.LastAccessDate),
		boolToInt(node.Archived),
		boolToInt(node.Compressed),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create node: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get node id: %w", err)
	}
	node.ID = id
	return nil
}

// GetByPath retrieves the live node at a path.
func (r *nodeRepository) GetByPath(ctx context.Context, projectID, repoName, fullPath string) (*domain.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM ` + r.tableFor(projectID) + `
		WHERE project_id = ? AND repo_name = ? AND full_path = ? AND deleted_at IS NULL`

	node, err := scanNode(r.db.QueryRowContext(ctx, query, projectID, repoName, fullPath))
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
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
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
	query := `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM ` + nodeTable(shard) + ` WHERE ` + where

	var count, size int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count, &size); err != nil {
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
	query := `UPDATE ` + r.tableFor(projectID) + ` SET ` + column + ` = ?, last_modified_at = ?
		WHERE project_id = ? AND repo_name = ? AND full_path = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, boolToInt(value), formatTime(time.Now()), projectID, repoName, fullPath)
	if err != nil {
		return fmt.Errorf("failed to set node %s: %w", column, err)
	}
	return requireAffected(result, domain.ErrNodeNotFound)
}

// UpdateLastAccess records a download.
func (r *nodeRepository) UpdateLastAccess(ctx context.Context, projectID, repoName, fullPath string, at time.Time) error {
	query := `UPDATE ` + r.tableFor(projectID) + ` SET last_access_at = ?
		WHERE project_id = ? AND repo_name = ? AND full_path = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, formatTime(at), projectID, repoName, fullPath)
	if err != nil {
		return fmt.Errorf("failed to update node access time: %w", err)
	}
	return requireAffected(result, domain.ErrNodeNotFound)
}

// SoftDelete marks the live node deleted and returns it.
func (r *nodeRepository) SoftDelete(ctx context.Context, projectID, repoName, fullPath string, at time.Time) (*domain.Node, error) {
	table := r.tableFor(projectID)
	var node *domain.Node

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		node, err = scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM `+table+`
			WHERE project_id = ? AND repo_name = ? AND full_path = ? AND deleted_at IS NULL`,
			projectID, repoName, fullPath))
		if err != nil {
			if isNoRows(err) {
				return domain.ErrNodeNotFound
			}
			return fmt.Errorf("failed to get node: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET deleted_at = ? WHERE id = ?`, formatTime(at), node.ID); err != nil {
			return fmt.Errorf("failed to delete node: %w", err)
		}
		node.Deleted = &at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Restore clears the deleted mark of a node.
func (r *nodeRepository) Restore(ctx context.Context, projectID, repoName, fullPath string, deletedAt time.Time) (*domain.Node, error) {
	table := r.tableFor(projectID)
	var node *domain.Node

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		node, err = scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM `+table+`
			WHERE project_id = ? AND repo_name = ? AND full_path = ? AND deleted_at = ?`,
			projectID, repoName, fullPath, formatTime(deletedAt)))
		if err != nil {
			if isNoRows(err) {
				return domain.ErrNodeNotFound
			}
			return fmt.Errorf("failed to get deleted node: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET deleted_at = NULL WHERE id = ?`, node.ID); err != nil {
			if isUniqueViolation(err) {
				return repository.ErrAlreadyExists
			}
			return fmt.Errorf("failed to restore node: %w", err)
		}
		node.Deleted = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*domain.Node, error) {
	node := &domain.Node{}
	var (
		folder, archived, compressed int
		createdAt, modifiedAt        string
		accessAt, deletedAt          sql.NullString
	)

	err := row.Scan(
		&node.ID,
		&node.ProjectID,
		&node.RepoName,
		&node.FullPath,
		&folder,
		&node.Sha256,
		&node.Size,
		&createdAt,
		&modifiedAt,
		&accessAt,
		&archived,
		&compressed,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	node.Folder = folder != 0
	node.Archived = archived != 0
	node.Compressed = compressed != 0
	if node.CreatedDate, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if node.LastModifiedDate, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	if node.LastAccessDate, err = parseNullTime(accessAt); err != nil {
		return nil, err
	}
	if node.Deleted, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return node, nil
}

// requireAffected returns notFound if the statement touched no rows.
func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// Ensure nodeRepository implements repository.NodeRepository
var _ repository.NodeRepository = (*nodeRepository)(nil)
