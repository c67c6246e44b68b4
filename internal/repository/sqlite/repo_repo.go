package sqlite

import (
	"context"
	"fmt"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// repoRepository implements repository.RepoRepository for SQLite.
type repoRepository struct {
	db *DB
}

// NewRepoRepository creates a new SQLite repository-metadata repository.
func NewRepoRepository(db *DB) repository.RepoRepository {
	return &repoRepository{db: db}
}

const repoColumns = `project_id, name, type, credentials_key, old_credentials_key, migrating`

// Get retrieves a repository.
func (r *repoRepository) Get(ctx context.Context, projectID, name string) (*domain.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories WHERE project_id = ? AND name = ?`

	repo, err := scanRepo(r.db.QueryRowContext(ctx, query, projectID, name))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrRepositoryNotFound
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

// Upsert creates or replaces a repository.
func (r *repoRepository) Upsert(ctx context.Context, repo *domain.Repository) error {
	query := `
		INSERT INTO repositories (` + repoColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, name) DO UPDATE SET
			type = excluded.type,
			credentials_key = excluded.credentials_key,
			old_credentials_key = excluded.old_credentials_key,
			migrating = excluded.migrating
	`

	_, err := r.db.ExecContext(ctx, query,
		repo.ProjectID, repo.Name, string(repo.Type),
		repo.CredentialsKey, repo.OldCredentialsKey, boolToInt(repo.Migrating),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert repository: %w", err)
	}
	return nil
}

// List returns repositories, optionally of one project.
func (r *repoRepository) List(ctx context.Context, projectID string) ([]*domain.Repository, error) {
	query := `SELECT ` + repoColumns + ` FROM repositories`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY project_id, name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var repos []*domain.Repository
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func scanRepo(row rowScanner) (*domain.Repository, error) {
	repo := &domain.Repository{}
	var repoType string
	var migrating int

	err := row.Scan(&repo.ProjectID, &repo.Name, &repoType, &repo.CredentialsKey, &repo.OldCredentialsKey, &migrating)
	if err != nil {
		return nil, err
	}
	repo.Type = domain.RepositoryType(repoType)
	repo.Migrating = migrating != 0
	return repo, nil
}

// Ensure repoRepository implements repository.RepoRepository
var _ repository.RepoRepository = (*repoRepository)(nil)
