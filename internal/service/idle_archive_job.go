package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/lock"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
)

// Archival decisions.
const (
	decisionArchived     = "archived"
	decisionExists       = "exists"
	decisionInUse        = "in_use"
	decisionExcluded     = "excluded"
	decisionMissing      = "missing"
	decisionUnreferenced = "unreferenced"
)

// IdleArchiveJob turns idle candidates into archive records.
type IdleArchiveJob struct {
	detector *IdleDetector
	dir      *NodeDirectory
	repos    *RepoResolver
	refs     *ReferenceCounter
	archive  *ArchiveService
	blobs    *storage.BlobStore
	hashLock *lock.KeyedMutex
	config   IdleArchiveConfig
	clock    clock.Clock
	logger   zerolog.Logger

	excludedKeys  map[string]struct{}
	excludedTypes map[domain.RepositoryType]struct{}
}

// NewIdleArchiveJob creates a new idle archive job.
func NewIdleArchiveJob(
	detector *IdleDetector,
	dir *NodeDirectory,
	repos *RepoResolver,
	refs *ReferenceCounter,
	archive *ArchiveService,
	blobs *storage.BlobStore,
	logger zerolog.Logger,
	config IdleArchiveConfig,
) *IdleArchiveJob {
	types := make(map[domain.RepositoryType]struct{}, len(config.ExcludeRepoTypes))
	for _, t := range config.ExcludeRepoTypes {
		types[t] = struct{}{}
	}
	return &IdleArchiveJob{
		detector:      detector,
		dir:           dir,
		repos:         repos,
		refs:          refs,
		archive:       archive,
		blobs:         blobs,
		hashLock:      lock.NewKeyedMutex(),
		config:        config,
		clock:         clock.Real{},
		logger:        logger.With().Str("service", "idle-archive").Logger(),
		excludedKeys:  stringSet(config.ExcludeCredentialsKeys),
		excludedTypes: types,
	}
}

// Name implements Job.
func (j *IdleArchiveJob) Name() string { return JobIdleArchive }

// Run implements Job.
func (j *IdleArchiveJob) Run(ctx context.Context, result *JobResult) error {
	cutoff, from, err := j.detector.BeginRun(ctx)
	if err != nil {
		return err
	}
	rc := NewRunContext(result.RunID, cutoff)
	return j.scan(ctx, rc, j.detector.Shards(), j.detector.Query(cutoff, from), result)
}

// RunProject archives the idle nodes of one project on demand, with a full
// scan at the given idle age. It does not touch the persisted scan window.
func (j *IdleArchiveJob) RunProject(ctx context.Context, result *JobResult, projectID string, idle time.Duration) error {
	if projectID == "" || idle <= 0 {
		return fmt.Errorf("%w: project and a positive idle age are required", ErrInvalidRequest)
	}
	cutoff := j.clock.Now().Add(-idle).UTC()
	rc := NewRunContext(result.RunID, cutoff)

	q := j.detector.Query(cutoff, nil)
	q.ProjectIDs = []string{projectID}
	return j.scan(ctx, rc, []int{j.dir.Nodes().ShardFor(projectID)}, q, result)
}

func (j *IdleArchiveJob) scan(ctx context.Context, rc *RunContext, shards []int, q repository.NodeQuery, result *JobResult) error {
	err := j.detector.Scan(ctx, shards, q, func(ctx context.Context, page []*domain.Node) {
		runBounded(ctx, j.config.Concurrency, page, func(ctx context.Context, node *domain.Node) {
			decision, err := j.Consider(ctx, rc, node)
			result.Update(func(r *JobResult) {
				r.Scanned++
				switch {
				case err != nil:
					r.Errors++
				case decision == decisionArchived:
					r.Archived++
				default:
					r.Skipped++
				}
			})
			if err != nil {
				j.logger.Error().Err(err).Str("node", node.String()).Msg("failed to decide archival")
			}
		})
	})

	j.logger.Info().Int("in_use", rc.InUseCount()).Time("cutoff", rc.Cutoff).Msg("idle scan finished")
	return err
}

// Consider decides whether a candidate's blob can be archived and creates the
// archive record when it can.
func (j *IdleArchiveJob) Consider(ctx context.Context, rc *RunContext, node *domain.Node) (string, error) {
	repo, err := j.repos.Get(ctx, node.ProjectID, node.RepoName)
	if err != nil {
		if errors.Is(err, domain.ErrRepositoryNotFound) {
			return decisionExcluded, nil
		}
		return "", err
	}
	key := domain.BlobKey{Sha256: node.Sha256, CredentialsKey: repo.CredentialsKey}
	logger := j.logger.With().Str("sha256", key.Sha256).Str("credentials_key", key.CredentialsKey).Logger()

	if repo.Migrating {
		exists, err := j.blobs.Exists(ctx, key.Sha256, key.CredentialsKey)
		if err != nil {
			return "", err
		}
		if !exists {
			logger.Debug().Str("repo", repo.Key()).Msg("repository migrating and blob not in primary storage")
			return decisionMissing, nil
		}
	}

	if _, skip := j.excludedKeys[key.CredentialsKey]; skip {
		return decisionExcluded, nil
	}
	if _, skip := j.excludedTypes[repo.Type]; skip {
		return decisionExcluded, nil
	}

	if rc.InUse(key) {
		return decisionInUse, nil
	}
	if exists, err := j.hasArchiveRecord(ctx, key); err != nil || exists {
		return decisionExists, err
	}

	count, err := j.refs.Count(ctx, key.Sha256, key.CredentialsKey)
	if err != nil {
		return "", err
	}
	switch {
	case count < 1:
		logger.Warn().Int64("count", count).Str("node", node.String()).Msg("live node with no reference")
		return decisionUnreferenced, nil
	case count == 1:
		return j.create(ctx, key, node.Size)
	}

	// Shared blob: every other node must be idle too.
	unlock := j.hashLock.Lock(key.String())
	defer unlock()

	if rc.InUse(key) {
		return decisionInUse, nil
	}
	if exists, err := j.hasArchiveRecord(ctx, key); err != nil || exists {
		return decisionExists, err
	}

	inUse, err := j.dir.AnyNodeBySha256(ctx, key.Sha256, key.CredentialsKey, repository.NodeQuery{
		AccessedFrom: repository.Time(rc.Cutoff),
	}, j.config.CheckUseConcurrency)
	if err != nil {
		return "", err
	}
	if inUse {
		rc.MarkInUse(key)
		logger.Debug().Int64("count", count).Msg("blob still in use elsewhere")
		return decisionInUse, nil
	}
	return j.create(ctx, key, node.Size)
}

func (j *IdleArchiveJob) hasArchiveRecord(ctx context.Context, key domain.BlobKey) (bool, error) {
	_, err := j.archive.GetArchiveRecord(ctx, key.Sha256, key.CredentialsKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrArchiveRecordNotFound) {
		return false, nil
	}
	return false, err
}

func (j *IdleArchiveJob) create(ctx context.Context, key domain.BlobKey, size int64) (string, error) {
	if j.config.DryRun {
		j.logger.Info().Str("sha256", key.Sha256).Str("size", humanBytes(size)).Msg("[DRY RUN] Would archive blob")
		return decisionArchived, nil
	}
	created, err := j.archive.Archive(ctx, key.Sha256, key.CredentialsKey, size)
	if err != nil {
		return "", err
	}
	if !created {
		return decisionExists, nil
	}
	return decisionArchived, nil
}

// ArchiveCompleteJob finishes ARCHIVED and RESTORED archive records.
type ArchiveCompleteJob struct {
	archives repository.ArchiveRepository
	service  *ArchiveService
	config   WorkerConfig
	logger   zerolog.Logger
}

// NewArchiveCompleteJob creates a new archive completion job.
func NewArchiveCompleteJob(archives repository.ArchiveRepository, service *ArchiveService, logger zerolog.Logger, config WorkerConfig) *ArchiveCompleteJob {
	return &ArchiveCompleteJob{
		archives: archives,
		service:  service,
		config:   config,
		logger:   logger.With().Str("service", "archive-complete").Logger(),
	}
}

// Name implements Job.
func (j *ArchiveCompleteJob) Name() string { return JobArchiveComplete }

// Run implements Job.
func (j *ArchiveCompleteJob) Run(ctx context.Context, result *JobResult) error {
	for _, status := range []domain.ArchiveStatus{domain.ArchiveStatusArchived, domain.ArchiveStatusRestored} {
		err := forEachArchiveRecord(ctx, j.archives, status, j.config, func(ctx context.Context, rec *domain.ArchiveRecord) {
			res, err := j.service.CompleteArchive(ctx, rec)
			if err != nil {
				j.logger.Error().Err(err).Str("sha256", rec.Sha256).Str("status", string(rec.Status)).Msg("failed to complete archive record")
			}
			result.Update(func(r *JobResult) {
				r.Scanned++
				if err != nil {
					r.Errors++
					return
				}
				switch res.Outcome {
				case CompletionCompleted:
					r.Archived++
					r.BytesReclaimed += res.BytesReclaimed
				case CompletionRestored:
					r.Restored++
				default:
					r.Skipped++
				}
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}
