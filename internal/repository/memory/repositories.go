package memory

import "github.com/prn-tf/alexander-lifecycle/internal/repository"

// NewRepositories returns a fresh set of empty in-memory repositories.
func NewRepositories(shardCount int) *repository.Repositories {
	return &repository.Repositories{
		Node:      NewNodeRepository(shardCount),
		Repo:      NewRepoRepository(),
		Reference: NewFileReferenceRepository(),
		Archive:   NewArchiveRepository(),
		Compress:  NewCompressRepository(),
		State:     NewStateStore(),
	}
}
