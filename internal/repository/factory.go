// Package repository provides data access layer for Alexander Lifecycle.
// This file contains the types shared by every storage driver's factory.
package repository

import (
	"context"
)

// Repositories holds all repository instances.
type Repositories struct {
	Node      NodeRepository
	Repo      RepoRepository
	Reference FileReferenceRepository
	Archive   ArchiveRepository
	Compress  CompressRepository
	State     StateStore
}

// DatabaseHealth is an interface for database health checks.
// This interface satisfies handler.HealthChecker for health endpoints.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Close() error
}
