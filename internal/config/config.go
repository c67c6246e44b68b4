// Package config provides configuration management for the Alexander lifecycle engine.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultCredentialsName is the config name of the storage credentials that
// repositories with an empty credentials key use.
const DefaultCredentialsName = "default"

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	State    StateConfig    `mapstructure:"state"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Lock     LockConfig     `mapstructure:"lock"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings.
// Supports PostgreSQL, SQLite and an in-memory store for tests.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres", "sqlite" or "memory".
	Driver string `mapstructure:"driver"`

	// ShardCount is the number of node directory shards. Must be a power of two
	// and must not change once nodes were written.
	ShardCount int `mapstructure:"shard_count"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`

	// RepoCacheTTL bounds how long repository metadata stays cached.
	RepoCacheTTL time.Duration `mapstructure:"repo_cache_ttl"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds blob storage settings.
type StorageConfig struct {
	// TempDir is where filesystem backends stage writes.
	TempDir string `mapstructure:"temp_dir"`

	// Credentials maps a storage credentials key to its backend.
	// The "default" entry serves repositories without a credentials key.
	Credentials map[string]BackendConfig `mapstructure:"credentials"`

	// Archive is the archive tier.
	Archive ArchiveStorageConfig `mapstructure:"archive"`
}

// BackendConfig describes one blob backend.
type BackendConfig struct {
	// Type is "filesystem", "s3" or "memory".
	Type    string          `mapstructure:"type"`
	DataDir string          `mapstructure:"data_dir"`
	S3      S3StorageConfig `mapstructure:"s3"`

	// Physical names the underlying storage. Credentials keys with the same
	// physical name share blobs (storage key mapping).
	Physical string `mapstructure:"physical"`
}

// S3StorageConfig holds S3 backend settings.
type S3StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// ArchiveStorageConfig holds archive tier settings.
type ArchiveStorageConfig struct {
	// CredentialsKey names the archive tier in ArchiveRecords.
	CredentialsKey string `mapstructure:"credentials_key"`

	// Archiver is "xz" or "none".
	Archiver string `mapstructure:"archiver"`

	// StorageClass is applied to archive uploads on S3.
	StorageClass string `mapstructure:"storage_class"`

	Backend BackendConfig `mapstructure:"backend"`
}

// StateConfig selects where job state (cutoffs, samples) is kept.
type StateConfig struct {
	// Backend is "database" (the job_state table) or "badger".
	Backend string `mapstructure:"backend"`

	// Dir is the badger directory.
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint on the admin server.
	Path string `mapstructure:"path"`
}

// LockConfig selects the job lock implementation.
type LockConfig struct {
	// Backend is "memory", "redis" or "noop".
	Backend string `mapstructure:"backend"`

	// Namespace prefixes Redis lease keys.
	Namespace string `mapstructure:"namespace"`
}

// JobConfig holds the scheduling settings every job shares.
type JobConfig struct {
	// Enabled determines if the job runs on its interval.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run the job.
	Interval time.Duration `mapstructure:"interval"`

	// LockTTL is the job lock lease, renewed while a run is in progress.
	// Zero derives it from Interval.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// BatchSize is the page size of scans.
	BatchSize int `mapstructure:"batch_size"`

	// DryRun logs what would change without mutating anything.
	DryRun bool `mapstructure:"dry_run"`
}

// JobsConfig holds every lifecycle job.
type JobsConfig struct {
	IdleArchive      IdleArchiveJobConfig      `mapstructure:"idle_archive"`
	ArchiveComplete  JobConfig                 `mapstructure:"archive_complete"`
	ArchiveWorker    WorkerJobConfig           `mapstructure:"archive_worker"`
	CompressGC       CompressGCJobConfig       `mapstructure:"compress_gc"`
	CompressComplete JobConfig                 `mapstructure:"compress_complete"`
	CompressWorker   CompressWorkerJobConfig   `mapstructure:"compress_worker"`
	ReferenceCleanup ReferenceCleanupJobConfig `mapstructure:"reference_cleanup"`
}

// IdleArchiveJobConfig configures the idle detector.
type IdleArchiveJobConfig struct {
	JobConfig `mapstructure:",squash"`

	// IdleWindow is how long a node must go unaccessed to become a candidate.
	IdleWindow time.Duration `mapstructure:"idle_window"`

	// MinFileSize only considers nodes strictly larger than this many bytes.
	MinFileSize int64 `mapstructure:"min_file_size"`

	// Projects is the allow-list. Empty means every project.
	Projects []string `mapstructure:"projects"`

	// ExcludeProjects is the deny-list.
	ExcludeProjects []string `mapstructure:"exclude_projects"`

	// ExcludeCredentialsKeys skips blobs stored under these credentials.
	ExcludeCredentialsKeys []string `mapstructure:"exclude_credentials_keys"`

	// ExcludeRepoTypes skips repositories of these types.
	ExcludeRepoTypes []string `mapstructure:"exclude_repo_types"`

	// RefreshPeriod is how many incremental runs happen between full scans.
	RefreshPeriod int `mapstructure:"refresh_period"`

	// Concurrency is how many candidates are decided in parallel.
	Concurrency int `mapstructure:"concurrency"`

	// CheckUseConcurrency bounds the cross-shard in-use lookups.
	CheckUseConcurrency int `mapstructure:"check_use_concurrency"`
}

// WorkerJobConfig configures a record-processing worker.
type WorkerJobConfig struct {
	JobConfig `mapstructure:",squash"`

	// Concurrency is how many records are processed in parallel.
	Concurrency int `mapstructure:"concurrency"`
}

// CompressGCJobConfig configures the compression GC engine.
type CompressGCJobConfig struct {
	JobConfig `mapstructure:",squash"`

	// Repos lists "project/repo" entries to scan.
	Repos []string `mapstructure:"repos"`

	IdleWindow  time.Duration `mapstructure:"idle_window"`
	MinFileSize int64         `mapstructure:"min_file_size"`

	// NodeLimit ends paging once a page holds no more than this many nodes.
	NodeLimit int `mapstructure:"node_limit"`

	// EdThreshold is the normalized name distance below which nodes are similar.
	EdThreshold float64 `mapstructure:"ed_threshold"`

	// SizeRatio is the largest relative size difference of similar nodes.
	SizeRatio float64 `mapstructure:"size_ratio"`

	// Retain is how many of the newest members of a cluster stay untouched.
	Retain int `mapstructure:"retain"`

	// SampleThreshold is the cluster size from which one sample is compressed first.
	SampleThreshold int `mapstructure:"sample_threshold"`
}

// CompressWorkerJobConfig configures the compress worker.
type CompressWorkerJobConfig struct {
	WorkerJobConfig `mapstructure:",squash"`

	// MaxDeltaRatio rejects deltas larger than this fraction of the blob.
	MaxDeltaRatio float64 `mapstructure:"max_delta_ratio"`

	// MaxBlobSize skips pairs with a base or target larger than this many bytes.
	MaxBlobSize int64 `mapstructure:"max_blob_size"`
}

// ReferenceCleanupJobConfig configures the orphan reaper.
type ReferenceCleanupJobConfig struct {
	JobConfig `mapstructure:",squash"`

	// BloomFalsePositive is the target false positive rate of the live-hash filter.
	BloomFalsePositive float64 `mapstructure:"bloom_false_positive"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with ALEXANDER_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("ALEXANDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/alexander")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is acceptable - use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9100)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.shard_count", 256)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "alexander")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "alexander")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/lifecycle.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.repo_cache_ttl", 5*time.Minute)

	// Storage defaults
	v.SetDefault("storage.temp_dir", "./data/temp")
	v.SetDefault("storage.credentials", map[string]any{
		DefaultCredentialsName: map[string]any{
			"type":     "filesystem",
			"data_dir": "./data/blobs",
		},
	})
	v.SetDefault("storage.archive.credentials_key", "archive")
	v.SetDefault("storage.archive.archiver", "xz")
	v.SetDefault("storage.archive.storage_class", "DEEP_ARCHIVE")
	v.SetDefault("storage.archive.backend.type", "filesystem")
	v.SetDefault("storage.archive.backend.data_dir", "./data/archive")

	// State defaults
	v.SetDefault("state.backend", "database")
	v.SetDefault("state.dir", "./data/state")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Lock defaults
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.namespace", "alexander-lifecycle")

	// Idle archive defaults
	v.SetDefault("jobs.idle_archive.enabled", false)
	v.SetDefault("jobs.idle_archive.interval", 24*time.Hour)
	v.SetDefault("jobs.idle_archive.lock_ttl", 10*time.Minute)
	v.SetDefault("jobs.idle_archive.batch_size", 1000)
	v.SetDefault("jobs.idle_archive.idle_window", 180*24*time.Hour)
	v.SetDefault("jobs.idle_archive.min_file_size", 10*1024*1024) // 10MB
	v.SetDefault("jobs.idle_archive.exclude_repo_types", []string{"DOCKER"})
	v.SetDefault("jobs.idle_archive.refresh_period", 3)
	v.SetDefault("jobs.idle_archive.concurrency", 4)
	v.SetDefault("jobs.idle_archive.check_use_concurrency", 16)

	// Archive completion and worker defaults
	v.SetDefault("jobs.archive_complete.enabled", false)
	v.SetDefault("jobs.archive_complete.interval", time.Hour)
	v.SetDefault("jobs.archive_complete.batch_size", 500)
	v.SetDefault("jobs.archive_worker.enabled", false)
	v.SetDefault("jobs.archive_worker.interval", 10*time.Minute)
	v.SetDefault("jobs.archive_worker.batch_size", 100)
	v.SetDefault("jobs.archive_worker.concurrency", 4)

	// Compression GC defaults
	v.SetDefault("jobs.compress_gc.enabled", false)
	v.SetDefault("jobs.compress_gc.interval", 24*time.Hour)
	v.SetDefault("jobs.compress_gc.lock_ttl", 10*time.Minute)
	v.SetDefault("jobs.compress_gc.batch_size", 10000)
	v.SetDefault("jobs.compress_gc.idle_window", 7*24*time.Hour)
	v.SetDefault("jobs.compress_gc.min_file_size", 1024*1024) // 1MB
	v.SetDefault("jobs.compress_gc.node_limit", 1)
	v.SetDefault("jobs.compress_gc.ed_threshold", 0.5)
	v.SetDefault("jobs.compress_gc.size_ratio", 0.5)
	v.SetDefault("jobs.compress_gc.retain", 2)
	v.SetDefault("jobs.compress_gc.sample_threshold", 5)

	// Compression completion and worker defaults
	v.SetDefault("jobs.compress_complete.enabled", false)
	v.SetDefault("jobs.compress_complete.interval", time.Hour)
	v.SetDefault("jobs.compress_complete.batch_size", 500)
	v.SetDefault("jobs.compress_worker.enabled", false)
	v.SetDefault("jobs.compress_worker.interval", 10*time.Minute)
	v.SetDefault("jobs.compress_worker.batch_size", 100)
	v.SetDefault("jobs.compress_worker.concurrency", 4)
	v.SetDefault("jobs.compress_worker.max_delta_ratio", 0.5)
	v.SetDefault("jobs.compress_worker.max_blob_size", 512*1024*1024) // 512MB

	// Reference cleanup defaults
	v.SetDefault("jobs.reference_cleanup.enabled", false)
	v.SetDefault("jobs.reference_cleanup.interval", 6*time.Hour)
	v.SetDefault("jobs.reference_cleanup.batch_size", 1000)
	v.SetDefault("jobs.reference_cleanup.dry_run", false)
	v.SetDefault("jobs.reference_cleanup.bloom_false_positive", 0.001)
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate database configuration
	validDrivers := map[string]bool{"postgres": true, "sqlite": true, "memory": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres', 'sqlite' or 'memory'")
	}
	if n := c.Database.ShardCount; n <= 0 || n&(n-1) != 0 {
		return fmt.Errorf("database.shard_count must be a positive power of two")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	} else if c.Database.Driver == "sqlite" {
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite driver")
		}
	}

	// Validate storage configuration
	if len(c.Storage.Credentials) == 0 {
		return fmt.Errorf("storage.credentials must define at least one backend")
	}
	for name, b := range c.Storage.Credentials {
		if err := b.validate("storage.credentials." + name); err != nil {
			return err
		}
	}
	if err := c.Storage.Archive.Backend.validate("storage.archive.backend"); err != nil {
		return err
	}
	if c.Storage.Archive.CredentialsKey == "" {
		return fmt.Errorf("storage.archive.credentials_key is required")
	}
	if a := c.Storage.Archive.Archiver; a != "xz" && a != "none" {
		return fmt.Errorf("storage.archive.archiver must be 'xz' or 'none'")
	}

	// Validate state and lock configuration
	if b := c.State.Backend; b != "database" && b != "badger" {
		return fmt.Errorf("state.backend must be 'database' or 'badger'")
	}
	if c.State.Backend == "badger" && c.State.Dir == "" {
		return fmt.Errorf("state.dir is required for badger state backend")
	}
	validLocks := map[string]bool{"memory": true, "redis": true, "noop": true}
	if !validLocks[c.Lock.Backend] {
		return fmt.Errorf("lock.backend must be 'memory', 'redis' or 'noop'")
	}
	if c.Lock.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("lock.backend 'redis' requires redis.enabled")
	}

	// Validate job configuration
	if c.Jobs.CompressGC.Retain < 1 {
		return fmt.Errorf("jobs.compress_gc.retain must be at least 1")
	}
	if t := c.Jobs.CompressGC.EdThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("jobs.compress_gc.ed_threshold must be in (0, 1]")
	}
	if r := c.Jobs.CompressGC.SizeRatio; r <= 0 || r > 1 {
		return fmt.Errorf("jobs.compress_gc.size_ratio must be in (0, 1]")
	}
	for _, repo := range c.Jobs.CompressGC.Repos {
		if parts := strings.SplitN(repo, "/", 2); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("jobs.compress_gc.repos entry %q must be project/repo", repo)
		}
	}
	if r := c.Jobs.CompressWorker.MaxDeltaRatio; r <= 0 || r > 1 {
		return fmt.Errorf("jobs.compress_worker.max_delta_ratio must be in (0, 1]")
	}
	if c.Jobs.CompressWorker.MaxBlobSize < 0 {
		return fmt.Errorf("jobs.compress_worker.max_blob_size must not be negative")
	}
	if p := c.Jobs.ReferenceCleanup.BloomFalsePositive; p <= 0 || p >= 1 {
		return fmt.Errorf("jobs.reference_cleanup.bloom_false_positive must be in (0, 1)")
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

func (b BackendConfig) validate(prefix string) error {
	switch b.Type {
	case "filesystem":
		if b.DataDir == "" {
			return fmt.Errorf("%s.data_dir is required for filesystem backend", prefix)
		}
	case "s3":
		if b.S3.Bucket == "" {
			return fmt.Errorf("%s.s3.bucket is required for s3 backend", prefix)
		}
	case "memory":
	default:
		return fmt.Errorf("%s.type must be 'filesystem', 's3' or 'memory'", prefix)
	}
	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
