package sqlite

import "github.com/prn-tf/alexander-lifecycle/internal/repository"

// NewRepositories wires every SQLite repository onto one connection.
func NewRepositories(db *DB) *repository.Repositories {
	return &repository.Repositories{
		Node:      NewNodeRepository(db),
		Repo:      NewRepoRepository(db),
		Reference: NewFileReferenceRepository(db),
		Archive:   NewArchiveRepository(db),
		Compress:  NewCompressRepository(db),
		State:     NewStateStore(db),
	}
}
