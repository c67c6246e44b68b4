// Package app wires configuration, storage drivers and services into a
// running lifecycle engine. The server and the admin CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-lifecycle/internal/cache/memory"
	"github.com/prn-tf/alexander-lifecycle/internal/config"
	"github.com/prn-tf/alexander-lifecycle/internal/domain"
	"github.com/prn-tf/alexander-lifecycle/internal/handler"
	"github.com/prn-tf/alexander-lifecycle/internal/lock"
	"github.com/prn-tf/alexander-lifecycle/internal/metrics"
	"github.com/prn-tf/alexander-lifecycle/internal/repository"
	"github.com/prn-tf/alexander-lifecycle/internal/repository/badger"
	memrepo "github.com/prn-tf/alexander-lifecycle/internal/repository/memory"
	"github.com/prn-tf/alexander-lifecycle/internal/repository/postgres"
	"github.com/prn-tf/alexander-lifecycle/internal/repository/redis"
	"github.com/prn-tf/alexander-lifecycle/internal/repository/sqlite"
	"github.com/prn-tf/alexander-lifecycle/internal/service"
	"github.com/prn-tf/alexander-lifecycle/internal/storage"
	"github.com/prn-tf/alexander-lifecycle/internal/storage/filesystem"
	memstorage "github.com/prn-tf/alexander-lifecycle/internal/storage/memory"
	"github.com/prn-tf/alexander-lifecycle/internal/storage/s3"
)

// App is a fully wired lifecycle engine. The caller must Close it.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	Repos    *repository.Repositories
	Blobs    *storage.BlobStore
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Directory *service.NodeDirectory
	Archive   *service.ArchiveService
	Compress  *service.CompressService
	Admin     *service.AdminService
	Runner    *service.JobRunner

	closers []func() error
}

// NewLogger builds the process logger from the logging config.
func NewLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// New connects every configured backend and builds the services and jobs.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	repos, closeDB, err := OpenRepositories(ctx, cfg.Database, a.Logger)
	if err != nil {
		return err
	}
	a.onClose(closeDB)
	a.Repos = repos

	if cfg.State.Backend == "badger" {
		store, err := badger.Open(cfg.State.Dir, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open state store: %w", err)
		}
		a.onClose(store.Close)
		a.Repos.State = store
	}

	cache, locker, err := a.openCoordination(ctx)
	if err != nil {
		return err
	}

	a.Blobs, err = NewBlobStore(ctx, cfg.Storage, a.Logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.Metrics = metrics.NewMetrics(a.Registry)
	}

	a.buildServices(cache, locker)
	return nil
}

// openCoordination returns the repository cache and the job locker.
func (a *App) openCoordination(ctx context.Context) (repository.Cache, lock.Locker, error) {
	cfg := a.Config

	var (
		cache  repository.Cache
		locker lock.Locker
	)
	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Redis, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(client.Close)
		cache = redis.NewCache(client)
		if cfg.Lock.Backend == "redis" {
			locker = lock.NewRedisLocker(redis.NewDistributedLock(client), cfg.Lock.Namespace)
		}
	} else {
		mc := memory.NewCache(time.Minute)
		a.onClose(func() error { mc.Stop(); return nil })
		cache = mc
	}

	if locker == nil {
		switch cfg.Lock.Backend {
		case "noop":
			locker = lock.NewNoOpLocker()
		default:
			ml := lock.NewMemoryLocker()
			a.onClose(func() error { ml.Stop(); return nil })
			locker = ml
		}
	}
	return cache, locker, nil
}

func (a *App) buildServices(cache repository.Cache, locker lock.Locker) {
	cfg := a.Config
	jobs := cfg.Jobs
	logger := a.Logger
	r := a.Repos

	resolver := service.NewRepoResolver(r.Repo, cache, cfg.Redis.RepoCacheTTL, logger)
	refs := service.NewReferenceCounter(r.Reference, logger)
	a.Directory = service.NewNodeDirectory(r.Node, resolver, refs, a.Blobs, logger)

	archiveCfg := service.DefaultArchiveConfig()
	archiveCfg.ArchiveCredentialsKey = cfg.Storage.Archive.CredentialsKey
	archiveCfg.Archiver = cfg.Storage.Archive.Archiver
	archiveCfg.StorageClass = cfg.Storage.Archive.StorageClass
	archiveCfg.IdleWindow = jobs.IdleArchive.IdleWindow
	a.Archive = service.NewArchiveService(r.Archive, a.Directory, a.Blobs, logger, archiveCfg)
	a.Compress = service.NewCompressService(r.Compress, a.Directory, refs, a.Blobs, logger, archiveCfg.Operator)

	idleCfg := idleArchiveConfig(jobs.IdleArchive)
	detector := service.NewIdleDetector(r.Node, r.State, logger, idleCfg)
	idle := service.NewIdleArchiveJob(detector, a.Directory, resolver, refs, a.Archive, a.Blobs, logger, idleCfg)

	archiveWorker := service.NewArchiveWorker(r.Archive, a.Blobs, logger, workerConfig(jobs.ArchiveWorker.JobConfig, jobs.ArchiveWorker.Concurrency, cfg.Storage.TempDir))
	archiveComplete := service.NewArchiveCompleteJob(r.Archive, a.Archive, logger, workerConfig(jobs.ArchiveComplete, 1, cfg.Storage.TempDir))

	gcCfg := service.CompressGCConfig{
		Repos:           jobs.CompressGC.Repos,
		IdleWindow:      jobs.CompressGC.IdleWindow,
		MinFileSize:     jobs.CompressGC.MinFileSize,
		NodeLimit:       jobs.CompressGC.NodeLimit,
		EdThreshold:     jobs.CompressGC.EdThreshold,
		SizeRatio:       jobs.CompressGC.SizeRatio,
		Retain:          jobs.CompressGC.Retain,
		SampleThreshold: jobs.CompressGC.SampleThreshold,
		BatchSize:       jobs.CompressGC.BatchSize,
		DryRun:          jobs.CompressGC.DryRun,
	}
	compressGC := service.NewCompressGCJob(r.Node, resolver, a.Compress, r.State, logger, gcCfg)

	compressWorkerCfg := service.CompressWorkerConfig{
		WorkerConfig:  workerConfig(jobs.CompressWorker.JobConfig, jobs.CompressWorker.Concurrency, cfg.Storage.TempDir),
		MaxDeltaRatio: jobs.CompressWorker.MaxDeltaRatio,
		MaxBlobSize:   jobs.CompressWorker.MaxBlobSize,
	}
	compressWorker := service.NewCompressWorker(r.Compress, refs, a.Blobs, logger, compressWorkerCfg)
	compressComplete := service.NewCompressCompleteJob(r.Compress, a.Compress, logger, workerConfig(jobs.CompressComplete, 1, cfg.Storage.TempDir))

	reaper := service.NewGarbageCollector(r.Reference, r.Compress, a.Directory, a.Archive, a.Compress, a.Blobs, logger, service.GCConfig{
		BatchSize:           jobs.ReferenceCleanup.BatchSize,
		BloomFalsePositive:  jobs.ReferenceCleanup.BloomFalsePositive,
		CheckUseConcurrency: jobs.IdleArchive.CheckUseConcurrency,
		DryRun:              jobs.ReferenceCleanup.DryRun,
	})

	a.Admin = service.NewAdminService(a.Directory, resolver, a.Archive, a.Compress, idle, logger)

	a.Runner = service.NewJobRunner(locker, a.Metrics, logger)
	a.Runner.Register(idle, schedule(jobs.IdleArchive.JobConfig))
	a.Runner.Register(archiveWorker, schedule(jobs.ArchiveWorker.JobConfig))
	a.Runner.Register(archiveComplete, schedule(jobs.ArchiveComplete))
	a.Runner.Register(compressGC, schedule(jobs.CompressGC.JobConfig))
	a.Runner.Register(compressWorker, schedule(jobs.CompressWorker.JobConfig))
	a.Runner.Register(compressComplete, schedule(jobs.CompressComplete))
	a.Runner.Register(reaper, schedule(jobs.ReferenceCleanup.JobConfig))
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	var metricsHandler http.Handler
	if a.Registry != nil {
		metricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
	}
	router := handler.NewRouter(handler.RouterConfig{
		AdminHandler: handler.NewAdminHandler(handler.AdminConfig{
			Runner:   a.Runner,
			Admin:    a.Admin,
			Archive:  a.Archive,
			Compress: a.Compress,
			Logger:   a.Logger,
		}),
		MetricsHandler: metricsHandler,
		MetricsPath:    a.Config.Metrics.Path,
		Logger:         a.Logger,
	})
	return router.Handler()
}

// Close releases every opened backend in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// OpenRepositories opens the configured database driver and returns its
// repositories together with a close function.
func OpenRepositories(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*repository.Repositories, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewRepositories(db), db.Close, nil
	case "sqlite":
		db, err := OpenSQLite(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		// embedded databases migrate themselves on start
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return sqlite.NewRepositories(db), db.Close, nil
	case "memory":
		return memrepo.NewRepositories(cfg.ShardCount), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens the embedded database described by cfg.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*sqlite.DB, error) {
	sc := sqlite.DefaultConfig(cfg.Path)
	sc.ShardCount = cfg.ShardCount
	if cfg.JournalMode != "" {
		sc.JournalMode = cfg.JournalMode
	}
	if cfg.BusyTimeout > 0 {
		sc.BusyTimeout = cfg.BusyTimeout
	}
	if cfg.CacheSize != 0 {
		sc.CacheSize = cfg.CacheSize
	}
	if cfg.SynchronousMode != "" {
		sc.SynchronousMode = cfg.SynchronousMode
	}
	return sqlite.NewDB(ctx, sc, logger)
}

// NewBlobStore registers a backend for every configured credentials key and
// the archive tier.
func NewBlobStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*storage.BlobStore, error) {
	blobs := storage.NewBlobStore()

	for name, bc := range cfg.Credentials {
		backend, err := newBackend(ctx, name, bc, "", cfg.TempDir, logger)
		if err != nil {
			return nil, fmt.Errorf("storage %q: %w", name, err)
		}
		key := name
		if name == config.DefaultCredentialsName {
			key = ""
		}
		blobs.Register(key, bc.Physical, backend)
	}

	archive, err := newBackend(ctx, cfg.Archive.CredentialsKey, cfg.Archive.Backend, cfg.Archive.StorageClass, cfg.TempDir, logger)
	if err != nil {
		return nil, fmt.Errorf("archive storage: %w", err)
	}
	blobs.RegisterArchive(cfg.Archive.CredentialsKey, archive)
	return blobs, nil
}

func newBackend(ctx context.Context, name string, bc config.BackendConfig, storageClass, tempDir string, logger zerolog.Logger) (storage.Backend, error) {
	switch strings.ToLower(bc.Type) {
	case "filesystem", "":
		return filesystem.New(bc.DataDir, tempDir, logger)
	case "s3":
		return s3.New(ctx, s3.Config{
			Endpoint:        bc.S3.Endpoint,
			Region:          bc.S3.Region,
			Bucket:          bc.S3.Bucket,
			Prefix:          bc.S3.Prefix,
			AccessKeyID:     bc.S3.AccessKeyID,
			SecretAccessKey: bc.S3.SecretAccessKey,
			UsePathStyle:    bc.S3.UsePathStyle,
			StorageClass:    storageClass,
		}, logger)
	case "memory":
		return memstorage.New(name), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

func idleArchiveConfig(c config.IdleArchiveJobConfig) service.IdleArchiveConfig {
	types := make([]domain.RepositoryType, 0, len(c.ExcludeRepoTypes))
	for _, t := range c.ExcludeRepoTypes {
		types = append(types, domain.RepositoryType(strings.ToUpper(t)))
	}
	return service.IdleArchiveConfig{
		IdleWindow:             c.IdleWindow,
		MinFileSize:            c.MinFileSize,
		Projects:               c.Projects,
		ExcludeProjects:        c.ExcludeProjects,
		ExcludeCredentialsKeys: c.ExcludeCredentialsKeys,
		ExcludeRepoTypes:       types,
		RefreshPeriod:          c.RefreshPeriod,
		BatchSize:              c.BatchSize,
		Concurrency:            c.Concurrency,
		CheckUseConcurrency:    c.CheckUseConcurrency,
		DryRun:                 c.DryRun,
	}
}

func workerConfig(c config.JobConfig, concurrency int, tempDir string) service.WorkerConfig {
	wc := service.DefaultWorkerConfig()
	if c.BatchSize > 0 {
		wc.BatchSize = c.BatchSize
	}
	if concurrency > 0 {
		wc.Concurrency = concurrency
	}
	wc.TempDir = tempDir
	return wc
}

func schedule(c config.JobConfig) service.Schedule {
	return service.Schedule{
		Enabled:  c.Enabled,
		Interval: c.Interval,
		LockTTL:  c.LockTTL,
	}
}
