package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// AdminService serves the operator-facing operations of the admin API and CLI.
type AdminService struct {
	dir      *NodeDirectory
	repos    *RepoResolver
	archive  *ArchiveService
	compress *CompressService
	idle     *IdleArchiveJob
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewAdminService creates a new admin service.
func NewAdminService(
	dir *NodeDirectory,
	repos *RepoResolver,
	archive *ArchiveService,
	compress *CompressService,
	idle *IdleArchiveJob,
	logger zerolog.Logger,
) *AdminService {
	return &AdminService{
		dir:      dir,
		repos:    repos,
		archive:  archive,
		compress: compress,
		idle:     idle,
		clock:    clock.Real{},
		logger:   logger.With().Str("service", "admin").Logger(),
	}
}

// RestoreInput contains parameters for RestoreByPrefix.
type RestoreInput struct {
	ProjectID string `json:"projectId"`
	RepoName  string `json:"repoName"`
	Prefix    string `json:"prefix"`
}

// RestoreOutput contains the result of RestoreByPrefix.
type RestoreOutput struct {
	Nodes        int `json:"nodes"`
	Restores     int `json:"restores"`
	Uncompresses int `json:"uncompresses"`
	Errors       int `json:"errors"`
}

// RestoreByPrefix requests every archived or compressed blob under a path
// prefix back into primary storage. The workers and completion jobs finish
// the restore asynchronously.
func (s *AdminService) RestoreByPrefix(ctx context.Context, input RestoreInput) (*RestoreOutput, error) {
	if input.ProjectID == "" || input.RepoName == "" {
		return nil, fmt.Errorf("%w: projectId and repoName are required", ErrInvalidRequest)
	}

	repo, err := s.repos.Get(ctx, input.ProjectID, input.RepoName)
	if err != nil {
		return nil, err
	}

	nodes := s.dir.Nodes()
	shard := nodes.ShardFor(input.ProjectID)
	q := repository.NodeQuery{
		ProjectIDs:           []string{input.ProjectID},
		RepoName:             input.RepoName,
		PathPrefix:           input.Prefix,
		ExcludeSentinel:      true,
		ArchivedOrCompressed: true,
		Limit:                batchSize(0),
	}

	out := &RestoreOutput{}
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := nodes.List(ctx, shard, q)
		if err != nil {
			return out, fmt.Errorf("failed to list nodes: %w", err)
		}
		for _, n := range page {
			out.Nodes++
			if _, ok := seen[n.Sha256]; ok {
				continue
			}
			seen[n.Sha256] = struct{}{}

			if n.Archived {
				if err := s.archive.Restore(ctx, n.Sha256, repo.CredentialsKey); err != nil {
					s.logger.Warn().Err(err).Str("node", n.String()).Msg("restore request failed")
					out.Errors++
				} else {
					out.Restores++
				}
			}
			if n.Compressed {
				if err := s.compress.Uncompress(ctx, n.Sha256, repo.CredentialsKey); err != nil {
					s.logger.Warn().Err(err).Str("node", n.String()).Msg("uncompress request failed")
					out.Errors++
				} else {
					out.Uncompresses++
				}
			}
		}
		if len(page) < q.Limit {
			break
		}
		q.AfterID = page[len(page)-1].ID
	}

	s.logger.Info().
		Str("repo", repo.Key()).
		Str("prefix", input.Prefix).
		Int("nodes", out.Nodes).
		Int("restores", out.Restores).
		Int("uncompresses", out.Uncompresses).
		Int("errors", out.Errors).
		Msg("restore requested by prefix")
	return out, nil
}

// ArchivableOutput reports what an archival of a project would cover.
type ArchivableOutput struct {
	ProjectID string `json:"projectId"`
	Days      int    `json:"days"`
	Nodes     int64  `json:"nodes"`
	Size      int64  `json:"size"`
	HumanSize string `json:"humanSize"`
}

// ArchivableSize counts the nodes of a project idle for at least days and
// larger than minSize bytes.
func (s *AdminService) ArchivableSize(ctx context.Context, projectID string, days int, minSize int64) (*ArchivableOutput, error) {
	if projectID == "" || days <= 0 {
		return nil, fmt.Errorf("%w: project and a positive number of days are required", ErrInvalidRequest)
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	nodes := s.dir.Nodes()
	count, size, err := nodes.Count(ctx, nodes.ShardFor(projectID), repository.NodeQuery{
		ProjectIDs:           []string{projectID},
		ExcludeSentinel:      true,
		Archived:             repository.Bool(false),
		Compressed:           repository.Bool(false),
		MinSize:              minSize,
		AccessedBefore:       &cutoff,
		IncludeNeverAccessed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count archivable nodes: %w", err)
	}

	return &ArchivableOutput{
		ProjectID: projectID,
		Days:      days,
		Nodes:     count,
		Size:      size,
		HumanSize: humanBytes(size),
	}, nil
}

// ArchiveProject runs the archival decision over one project for nodes idle
// for at least days, outside the scheduled idle-archive runs.
func (s *AdminService) ArchiveProject(ctx context.Context, projectID string, days int) (*JobResult, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidRequest)
	}
	result := &JobResult{
		RunID:     uuid.New().String(),
		Job:       JobIdleArchive,
		StartedAt: time.Now(),
	}
	err := s.idle.RunProject(ctx, result, projectID, time.Duration(days)*24*time.Hour)
	result.Update(func(r *JobResult) {
		r.Duration = time.Since(r.StartedAt)
		r.Outcome = OutcomeSuccess
		if err != nil {
			r.Outcome = OutcomeFailed
		}
	})
	return result.Snapshot(), err
}
