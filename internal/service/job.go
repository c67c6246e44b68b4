package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/lock"
	"github.com/prn-tf/alexander-lifecycle/internal/metrics"
)

// Job names.
const (
	JobIdleArchive      = "idle-archive"
	JobArchiveComplete  = "archive-complete"
	JobArchiveWorker    = "archive-worker"
	JobCompressGC       = "compress-gc"
	JobCompressComplete = "compress-complete"
	JobCompressWorker   = "compress-worker"
	JobReferenceCleanup = "reference-cleanup"
)

// Job is one periodic lifecycle task.
type Job interface {
	// Name returns the job name, used for the job lock and metrics.
	Name() string

	// Run performs one pass. Per-item failures are counted in result;
	// a returned error means the pass could not proceed at all.
	Run(ctx context.Context, result *JobResult) error
}

// Schedule controls when and how long a job runs.
type Schedule struct {
	// Enabled determines if the job runs on its interval.
	Enabled bool

	// Interval is how often to run the job.
	Interval time.Duration

	// LockTTL is the lease of the job lock. A run renews it every third of
	// the TTL, so it bounds how long a crashed replica blocks the job.
	// Zero derives it from Interval.
	LockTTL time.Duration
}

func (s Schedule) lockTTL() time.Duration {
	if s.LockTTL > 0 {
		return s.LockTTL
	}
	// Lock expires before next scheduled run
	ttl := s.Interval / 2
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return ttl
}

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// JobResult contains the result of a job run.
// Counters may be updated concurrently through Update.
type JobResult struct {
	RunID     string    `json:"run_id"`
	Job       string    `json:"job"`
	Outcome   string    `json:"outcome"`
	StartedAt time.Time `json:"started_at"`

	Scanned        int64 `json:"scanned"`
	Archived       int64 `json:"archived"`
	Restored       int64 `json:"restored"`
	Compressed     int64 `json:"compressed"`
	Uncompressed   int64 `json:"uncompressed"`
	Reaped         int64 `json:"reaped"`
	Skipped        int64 `json:"skipped"`
	Errors         int64 `json:"errors"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`

	Duration time.Duration `json:"duration"`

	mu sync.Mutex
}

// Update applies fn to the result under its lock.
func (r *JobResult) Update(fn func(r *JobResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// Snapshot returns a copy of the counters that is safe to read.
func (r *JobResult) Snapshot() *JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &JobResult{
		RunID:          r.RunID,
		Job:            r.Job,
		Outcome:        r.Outcome,
		StartedAt:      r.StartedAt,
		Scanned:        r.Scanned,
		Archived:       r.Archived,
		Restored:       r.Restored,
		Compressed:     r.Compressed,
		Uncompressed:   r.Uncompressed,
		Reaped:         r.Reaped,
		Skipped:        r.Skipped,
		Errors:         r.Errors,
		BytesReclaimed: r.BytesReclaimed,
		Duration:       r.Duration,
	}
}

type registeredJob struct {
	job      Job
	schedule Schedule
}

// JobRunner schedules jobs and guards every run with a job lock.
type JobRunner struct {
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	jobs map[string]registeredJob

	// Control
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewJobRunner creates a new job runner. m may be nil.
func NewJobRunner(locker lock.Locker, m *metrics.Metrics, logger zerolog.Logger) *JobRunner {
	return &JobRunner{
		locker:  locker,
		metrics: m,
		logger:  logger.With().Str("service", "job-runner").Logger(),
		jobs:    make(map[string]registeredJob),
	}
}

// Register adds a job. Registering a name twice replaces the first job.
func (r *JobRunner) Register(job Job, schedule Schedule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name()] = registeredJob{job: job, schedule: schedule}
}

// Jobs returns the registered job names, sorted.
func (r *JobRunner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins the scheduler loop of every enabled job.
func (r *JobRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.stopChan = make(chan struct{})

	for _, rj := range r.jobs {
		if !rj.schedule.Enabled || rj.schedule.Interval <= 0 {
			continue
		}
		r.logger.Info().
			Str("job", rj.job.Name()).
			Dur("interval", rj.schedule.Interval).
			Dur("lock_ttl", rj.schedule.lockTTL()).
			Msg("Starting job scheduler")

		r.wg.Add(1)
		go r.runLoop(ctx, rj.job.Name(), rj.schedule.Interval)
	}
	r.mu.Unlock()
}

// Stop stops every scheduler loop and waits for in-flight runs.
// Running jobs see their context cancelled and stop between items.
func (r *JobRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Job runner stopped")
}

// runLoop is the scheduling loop of one job.
func (r *JobRunner) runLoop(ctx context.Context, name string, interval time.Duration) {
	defer r.wg.Done()

	// Run immediately on start
	r.scheduledRun(ctx, name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.scheduledRun(ctx, name)
		case <-r.stopChan:
			return
		}
	}
}

func (r *JobRunner) scheduledRun(ctx context.Context, name string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.RunOnce(ctx, name); err != nil && !errors.Is(err, ErrJobAlreadyRunning) {
		r.logger.Error().Err(err).Str("job", name).Msg("Job run failed")
	}
}

// RunOnce executes a single run of the named job.
// Returns ErrUnknownJob for an unregistered name and ErrJobAlreadyRunning when
// another run (in this process or another replica) holds the job lock.
func (r *JobRunner) RunOnce(ctx context.Context, name string) (*JobResult, error) {
	r.mu.Lock()
	rj, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	result := &JobResult{
		RunID:     uuid.New().String(),
		Job:       name,
		StartedAt: time.Now(),
	}
	logger := r.logger.With().Str("job", name).Str("run_id", result.RunID).Logger()

	// Acquire distributed lock to prevent concurrent runs
	jobLock := lock.ForJob(r.locker, name, rj.schedule.lockTTL())
	acquired, err := jobLock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !acquired {
		logger.Debug().Msg("Job lock held by another process, skipping run")
		result.Outcome = OutcomeSkipped
		r.record(result)
		return result, ErrJobAlreadyRunning
	}
	defer func() {
		// release even when the run context was cancelled
		if err := jobLock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Error().Err(err).Msg("Failed to release job lock")
		}
	}()

	// The lease is renewed for as long as the run lasts; losing it stops the run.
	runCtx, stopKeepAlive := jobLock.KeepAlive(ctx)
	defer stopKeepAlive()

	logger.Debug().Dur("lock_ttl", jobLock.TTL()).Msg("Starting job run")

	runErr := rj.job.Run(runCtx, result)
	if ctx.Err() == nil {
		if cause := context.Cause(runCtx); cause != nil {
			runErr = fmt.Errorf("job lock could not be kept: %w", cause)
		}
	}
	result.Update(func(res *JobResult) {
		res.Duration = time.Since(res.StartedAt)
		res.Outcome = OutcomeSuccess
		if runErr != nil {
			res.Outcome = OutcomeFailed
		}
	})
	r.record(result)

	snap := result.Snapshot()
	event := logger.Info()
	if runErr != nil {
		event = logger.Error().Err(runErr)
	}
	event.
		Int64("scanned", snap.Scanned).
		Int64("archived", snap.Archived).
		Int64("restored", snap.Restored).
		Int64("compressed", snap.Compressed).
		Int64("uncompressed", snap.Uncompressed).
		Int64("reaped", snap.Reaped).
		Int64("skipped", snap.Skipped).
		Int64("errors", snap.Errors).
		Str("bytes_reclaimed", humanBytes(snap.BytesReclaimed)).
		Dur("duration", snap.Duration).
		Msg("Job run completed")

	return snap, runErr
}

func (r *JobRunner) record(result *JobResult) {
	if r.metrics == nil {
		return
	}
	s := result.Snapshot()
	r.metrics.RecordJobRun(metrics.RunStats{
		Job:            s.Job,
		Outcome:        s.Outcome,
		Duration:       s.Duration,
		Archived:       int(s.Archived),
		Restored:       int(s.Restored),
		Compressed:     int(s.Compressed),
		Uncompressed:   int(s.Uncompressed),
		Reaped:         int(s.Reaped),
		Errors:         int(s.Errors),
		BytesReclaimed: s.BytesReclaimed,
	})
}
