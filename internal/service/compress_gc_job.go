package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

// CompressGCConfig contains configuration for the compression GC job.
type CompressGCConfig struct {
	// Repos lists the repositories to scan as "project/repo".
	Repos []string

	// IdleWindow is how long a node must go unaccessed to be considered.
	IdleWindow time.Duration

	// MinFileSize only considers nodes strictly larger than this many bytes.
	MinFileSize int64

	// NodeLimit stops the scan once a page holds no more than this many nodes.
	NodeLimit int

	// EdThreshold is the name distance ratio below which two files are similar.
	EdThreshold float64

	// SizeRatio is the largest relative size difference of two similar files.
	SizeRatio float64

	// Retain is how many of the newest files of a cluster stay uncompressed.
	Retain int

	// SampleThreshold is the cluster size from which one sample is compressed first.
	SampleThreshold int

	// BatchSize is the page size of the node scan.
	BatchSize int

	// DryRun logs the clusters without requesting compression.
	DryRun bool
}

// DefaultCompressGCConfig returns sensible defaults.
func DefaultCompressGCConfig() CompressGCConfig {
	return CompressGCConfig{
		IdleWindow:      7 * 24 * time.Hour,
		MinFileSize:     1024 * 1024,
		NodeLimit:       1,
		EdThreshold:     0.5,
		SizeRatio:       0.5,
		Retain:          2,
		SampleThreshold: 5,
		BatchSize:       10000,
	}
}

// gcSample is a cluster member compressed ahead of the rest of its cluster.
type gcSample struct {
	Sha256 string `json:"sha256"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// repoGCState is persisted per repository between runs.
type repoGCState struct {
	LastCutoffTime *time.Time `json:"last_cutoff_time,omitempty"`
	Samples        []gcSample `json:"samples,omitempty"`
}

func (s *repoGCState) findSample(ext string, first, last *domain.Node, sim similarity) int {
	for i, sample := range s.Samples {
		if extension(sample.Name) != ext {
			continue
		}
		if sim.names(sample.Name, sample.Size, first.Name(), first.Size) &&
			sim.names(sample.Name, sample.Size, last.Name(), last.Size) {
			return i
		}
	}
	return -1
}

func (s *repoGCState) removeSample(i int) {
	s.Samples = append(s.Samples[:i], s.Samples[i+1:]...)
}

func extension(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// CompressGCJob finds clusters of near-duplicate files in configured
// repositories and requests delta compression of their older members
// against the newest one.
type CompressGCJob struct {
	nodes    repository.NodeRepository
	repos    *RepoResolver
	compress *CompressService
	state    repository.StateStore
	config   CompressGCConfig
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewCompressGCJob creates a new compression GC job.
func NewCompressGCJob(
	nodes repository.NodeRepository,
	repos *RepoResolver,
	compress *CompressService,
	state repository.StateStore,
	logger zerolog.Logger,
	config CompressGCConfig,
) *CompressGCJob {
	return &CompressGCJob{
		nodes:    nodes,
		repos:    repos,
		compress: compress,
		state:    state,
		config:   config,
		clock:    clock.Real{},
		logger:   logger.With().Str("service", "compress-gc").Logger(),
	}
}

// Name implements Job.
func (j *CompressGCJob) Name() string { return JobCompressGC }

func (j *CompressGCJob) similarity() similarity {
	return similarity{edThreshold: j.config.EdThreshold, sizeRatio: j.config.SizeRatio}
}

// Run implements Job.
func (j *CompressGCJob) Run(ctx context.Context, result *JobResult) error {
	cutoff := j.clock.Now().Add(-j.config.IdleWindow)
	for _, key := range j.config.Repos {
		if err := ctx.Err(); err != nil {
			return err
		}
		projectID, repoName, ok := strings.Cut(key, "/")
		if !ok {
			j.logger.Warn().Str("repo", key).Msg("invalid repository, expected project/repo")
			continue
		}
		if err := j.RunRepo(ctx, result, projectID, repoName, cutoff); err != nil {
			if ctx.Err() != nil {
				return err
			}
			result.Update(func(r *JobResult) { r.Errors++ })
			j.logger.Error().Err(err).Str("repo", key).Msg("compress gc failed")
		}
	}
	return nil
}

// RunRepo runs one compression GC pass over a repository.
func (j *CompressGCJob) RunRepo(ctx context.Context, result *JobResult, projectID, repoName string, cutoff time.Time) error {
	start := time.Now()
	repoKey := projectID + "/" + repoName
	logger := j.logger.With().Str("repo", repoKey).Logger()

	repo, err := j.repos.Get(ctx, projectID, repoName)
	if err != nil {
		return err
	}

	var state repoGCState
	if _, err := loadState(ctx, j.state, JobCompressGC, repoKey, &state); err != nil {
		return err
	}

	q := repository.NodeQuery{
		ProjectIDs:           []string{projectID},
		RepoName:             repoName,
		ExcludeSentinel:      true,
		Archived:             repository.Bool(false),
		Compressed:           repository.Bool(false),
		MinSize:              j.config.MinFileSize,
		AccessedBefore:       &cutoff,
		IncludeNeverAccessed: true,
		Limit:                batchSize(j.config.BatchSize),
	}
	shard := j.nodes.ShardFor(projectID)

	var pass gcPass
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := j.nodes.List(ctx, shard, q)
		if err != nil {
			return fmt.Errorf("failed to list nodes: %w", err)
		}
		if len(page) <= j.config.NodeLimit {
			break
		}
		q.AfterID = page[len(page)-1].ID
		for _, n := range page {
			pass.scanned++
			pass.scannedSize += n.Size
		}

		for _, part := range partition(page) {
			for _, c := range cluster(part, j.similarity().nodes) {
				targets, newest := j.selectTargets(ctx, &pass, &state, c, repo.CredentialsKey, logger)
				for _, n := range targets {
					j.request(ctx, &pass, n, newest, repo.CredentialsKey, logger)
				}
			}
		}
	}

	state.LastCutoffTime = &cutoff
	if err := saveState(ctx, j.state, JobCompressGC, repoKey, &state); err != nil {
		return err
	}

	result.Update(func(r *JobResult) {
		r.Scanned += pass.scanned
		r.Compressed += pass.requested
	})
	logger.Info().
		Int64("requested", pass.requested).
		Int64("scanned", pass.scanned).
		Str("requested_size", humanBytes(pass.requestedSize)).
		Str("scanned_size", humanBytes(pass.scannedSize)).
		Dur("duration", time.Since(start)).
		Msg("compress gc pass completed")
	return nil
}

// selectTargets decides which members of a cluster get compressed this run
// and against which base.
func (j *CompressGCJob) selectTargets(ctx context.Context, pass *gcPass, state *repoGCState, c []*domain.Node, credentialsKey string, logger zerolog.Logger) ([]*domain.Node, *domain.Node) {
	members := dedupeBySha256(c)
	if len(members)-j.config.Retain < 1 {
		return nil, nil
	}
	sort.SliceStable(members, func(a, b int) bool {
		if members[a].CreatedDate.Equal(members[b].CreatedDate) {
			return members[a].ID < members[b].ID
		}
		return members[a].CreatedDate.Before(members[b].CreatedDate)
	})

	newest := members[len(members)-1]
	older := members[:len(members)-j.config.Retain]
	sampleIdx := state.findSample(newest.Extension(), members[0], newest, j.similarity())

	if state.LastCutoffTime != nil && newest.CreatedDate.Before(*state.LastCutoffTime) && sampleIdx < 0 {
		logger.Debug().Str("newest", newest.String()).Msg("stale cluster skipped")
		return nil, nil
	}

	if len(older) < j.config.SampleThreshold || j.config.SampleThreshold <= 0 {
		return older, newest
	}

	if sampleIdx < 0 {
		if sample := j.createSample(ctx, pass, older, newest, credentialsKey, logger); sample != nil {
			state.Samples = append(state.Samples, gcSample{Sha256: sample.Sha256, Name: sample.Name(), Size: sample.Size})
		}
		return nil, nil
	}

	sample := state.Samples[sampleIdx]
	record, err := j.compress.GetCompressRecord(ctx, sample.Sha256, credentialsKey)
	switch {
	case errors.Is(err, domain.ErrCompressRecordNotFound):
		logger.Info().Str("sample", sample.Sha256).Msg("sample record lost, requesting again")
		j.request(ctx, pass, &domain.Node{Sha256: sample.Sha256, Size: sample.Size, FullPath: "/" + sample.Name}, newest, credentialsKey, logger)
		return nil, nil
	case err != nil:
		logger.Warn().Err(err).Str("sample", sample.Sha256).Msg("failed to get sample record")
		return nil, nil
	}

	switch record.Status {
	case domain.CompressStatusCreated, domain.CompressStatusCompressing:
		logger.Info().Str("sample", sample.Sha256).Msg("sample in progress")
		return nil, nil
	case domain.CompressStatusCompressFailed:
		logger.Info().Str("sample", sample.Sha256).Msg("sample failed, cluster skipped")
		state.removeSample(sampleIdx)
		return nil, nil
	}

	logger.Info().Str("sample", sample.Sha256).Msg("sample succeeded")
	state.removeSample(sampleIdx)
	targets := make([]*domain.Node, 0, len(older))
	for _, n := range older {
		if n.Sha256 != sample.Sha256 {
			targets = append(targets, n)
		}
	}
	return targets, newest
}

// createSample requests compression of the first older member that is not on
// the compression track yet.
func (j *CompressGCJob) createSample(ctx context.Context, pass *gcPass, older []*domain.Node, newest *domain.Node, credentialsKey string, logger zerolog.Logger) *domain.Node {
	for _, n := range older {
		if _, err := j.compress.GetCompressRecord(ctx, n.Sha256, credentialsKey); !errors.Is(err, domain.ErrCompressRecordNotFound) {
			continue
		}
		if j.request(ctx, pass, n, newest, credentialsKey, logger) {
			logger.Info().Str("sample", n.String()).Msg("new sample created")
			return n
		}
	}
	logger.Info().Str("newest", newest.String()).Msg("no sample could be created")
	return nil
}

// request asks for n to be compressed against base and counts it in pass
// when a new record was created.
func (j *CompressGCJob) request(ctx context.Context, pass *gcPass, n, base *domain.Node, credentialsKey string, logger zerolog.Logger) bool {
	if j.config.DryRun {
		logger.Info().Str("node", n.String()).Str("base", base.String()).Msg("[DRY RUN] Would compress")
		pass.add(n)
		return true
	}
	created, err := j.compress.Compress(ctx, n.Sha256, n.Size, base.Sha256, base.Size, credentialsKey)
	if err != nil {
		logger.Warn().Err(err).Str("node", n.String()).Str("base", base.String()).Msg("compress request rejected")
		return false
	}
	if created {
		pass.add(n)
	}
	return created
}

// gcPass tallies one repository pass.
type gcPass struct {
	scanned, scannedSize     int64
	requested, requestedSize int64
}

func (p *gcPass) add(n *domain.Node) {
	p.requested++
	p.requestedSize += n.Size
}

func dedupeBySha256(nodes []*domain.Node) []*domain.Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.Sha256]; ok {
			continue
		}
		seen[n.Sha256] = struct{}{}
		out = append(out, n)
	}
	return out
}
