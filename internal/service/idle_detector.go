package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/pkg/clock"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
)

const idleWindowStateKey = "window"

// IdleArchiveConfig contains idle detection and archival decision configuration.
type IdleArchiveConfig struct {
	// IdleWindow is how long a node must go unaccessed to become a candidate.
	IdleWindow time.Duration

	// MinFileSize only considers nodes strictly larger than this many bytes.
	MinFileSize int64

	// Projects is the allow-list. Empty means every project.
	Projects []string

	// ExcludeProjects is the deny-list.
	ExcludeProjects []string

	// ExcludeCredentialsKeys skips blobs stored under these credentials.
	ExcludeCredentialsKeys []string

	// ExcludeRepoTypes skips repositories of these types.
	ExcludeRepoTypes []domain.RepositoryType

	// RefreshPeriod is how many incremental runs happen between full scans.
	RefreshPeriod int

	// BatchSize is the page size of shard scans.
	BatchSize int

	// Concurrency is how many candidates are decided in parallel.
	Concurrency int

	// CheckUseConcurrency bounds the cross-shard in-use lookups.
	CheckUseConcurrency int

	// DryRun logs decisions without creating archive records.
	DryRun bool
}

// DefaultIdleArchiveConfig returns sensible defaults.
func DefaultIdleArchiveConfig() IdleArchiveConfig {
	return IdleArchiveConfig{
		IdleWindow:          180 * 24 * time.Hour,
		MinFileSize:         10 * 1024 * 1024,
		ExcludeRepoTypes:    []domain.RepositoryType{domain.RepositoryTypeDocker},
		RefreshPeriod:       3,
		BatchSize:           1000,
		Concurrency:         4,
		CheckUseConcurrency: 16,
	}
}

// idleWindowState is the persisted incremental scan window.
type idleWindowState struct {
	LastCutoffTime *time.Time `json:"last_cutoff_time,omitempty"`
	TempCutoffTime *time.Time `json:"temp_cutoff_time,omitempty"`
	RefreshCount   int        `json:"refresh_count"`
}

// advance moves the window to a run using cutoff. Every refreshPeriod+1 runs
// the lower bound is dropped so that the run becomes a full scan.
func (s *idleWindowState) advance(cutoff time.Time, refreshPeriod int) {
	count := s.RefreshCount
	s.RefreshCount--
	if count < 0 {
		s.LastCutoffTime = nil
		s.RefreshCount = refreshPeriod
	} else {
		s.LastCutoffTime = s.TempCutoffTime
	}
	s.TempCutoffTime = &cutoff
}

// IdleDetector finds nodes that have not been accessed for the idle window.
type IdleDetector struct {
	nodes  repository.NodeRepository
	state  repository.StateStore
	config IdleArchiveConfig
	clock  clock.Clock
	logger zerolog.Logger
}

// NewIdleDetector creates a new idle detector.
func NewIdleDetector(nodes repository.NodeRepository, state repository.StateStore, logger zerolog.Logger, config IdleArchiveConfig) *IdleDetector {
	return &IdleDetector{
		nodes:  nodes,
		state:  state,
		config: config,
		clock:  clock.Real{},
		logger: logger.With().Str("service", "idle-detector").Logger(),
	}
}

// BeginRun computes the cutoff of a new run and advances the persisted
// window. from is nil for a full scan.
func (d *IdleDetector) BeginRun(ctx context.Context) (cutoff time.Time, from *time.Time, err error) {
	cutoff = d.clock.Now().Add(-d.config.IdleWindow).UTC()

	var st idleWindowState
	if _, err := loadState(ctx, d.state, JobIdleArchive, idleWindowStateKey, &st); err != nil {
		return time.Time{}, nil, err
	}
	st.advance(cutoff, d.config.RefreshPeriod)
	if err := saveState(ctx, d.state, JobIdleArchive, idleWindowStateKey, &st); err != nil {
		return time.Time{}, nil, err
	}

	event := d.logger.Info().Time("cutoff", cutoff).Int("refresh_count", st.RefreshCount)
	if st.LastCutoffTime != nil {
		event = event.Time("from", *st.LastCutoffTime)
	}
	event.Msg("idle scan window")
	return cutoff, st.LastCutoffTime, nil
}

// Query builds the candidate filter for a window.
func (d *IdleDetector) Query(cutoff time.Time, from *time.Time) repository.NodeQuery {
	q := repository.NodeQuery{
		ProjectIDs:      d.config.Projects,
		ExcludeSentinel: true,
		Archived:        repository.Bool(false),
		Compressed:      repository.Bool(false),
		MinSize:         d.config.MinFileSize,
		AccessedBefore:  repository.Time(cutoff),
		Limit:           batchSize(d.config.BatchSize),
	}
	if from == nil {
		q.IncludeNeverAccessed = true
	} else {
		q.AccessedFrom = repository.Time(*from)
	}
	return q
}

// Shards returns the shards a scan has to visit: only those the allow-listed
// projects hash to, or all of them.
func (d *IdleDetector) Shards() []int {
	if len(d.config.Projects) == 0 {
		all := make([]int, d.nodes.ShardCount())
		for i := range all {
			all[i] = i
		}
		return all
	}

	seen := make(map[int]struct{})
	var shards []int
	for _, p := range d.config.Projects {
		s := d.nodes.ShardFor(p)
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			shards = append(shards, s)
		}
	}
	sort.Ints(shards)
	return shards
}

// Scan pages through every candidate of q on the given shards and hands each
// page to fn. Deny-listed projects are filtered out. It stops between pages
// when ctx is done.
func (d *IdleDetector) Scan(ctx context.Context, shards []int, q repository.NodeQuery, fn func(ctx context.Context, page []*domain.Node)) error {
	excluded := stringSet(d.config.ExcludeProjects)

	for _, shard := range shards {
		page := q
		page.AfterID = 0
		page.Limit = batchSize(q.Limit)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			nodes, err := d.nodes.List(ctx, shard, page)
			if err != nil {
				return fmt.Errorf("failed to scan shard %d: %w", shard, err)
			}
			if len(nodes) == 0 {
				break
			}

			candidates := nodes[:0:0]
			for _, n := range nodes {
				if _, skip := excluded[n.ProjectID]; !skip {
					candidates = append(candidates, n)
				}
			}
			if len(candidates) > 0 {
				fn(ctx, candidates)
			}

			if len(nodes) < page.Limit {
				break
			}
			page.AfterID = nodes[len(nodes)-1].ID
		}
	}
	return nil
}
