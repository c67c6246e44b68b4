package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  driver: sqlite\n"))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Database.ShardCount)
	assert.Equal(t, "filesystem", cfg.Storage.Credentials[DefaultCredentialsName].Type)
	assert.Equal(t, "xz", cfg.Storage.Archive.Archiver)
	assert.Equal(t, 180*24*time.Hour, cfg.Jobs.IdleArchive.IdleWindow)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.IdleArchive.LockTTL)
	assert.Equal(t, 3, cfg.Jobs.IdleArchive.RefreshPeriod)
	assert.Equal(t, 16, cfg.Jobs.IdleArchive.CheckUseConcurrency)
	assert.Equal(t, 2, cfg.Jobs.CompressGC.Retain)
	assert.Equal(t, 0.5, cfg.Jobs.CompressGC.SizeRatio)
	assert.Equal(t, 4, cfg.Jobs.CompressWorker.Concurrency)
	assert.Equal(t, 0.5, cfg.Jobs.CompressWorker.MaxDeltaRatio)
	assert.Equal(t, int64(512*1024*1024), cfg.Jobs.CompressWorker.MaxBlobSize)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  driver: memory
  shard_count: 4
storage:
  credentials:
    default:
      type: memory
      physical: main
    mirror:
      type: memory
      physical: main
jobs:
  compress_gc:
    enabled: true
    repos: ["proj/builds"]
    retain: 3
    size_ratio: 0.25
`))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Len(t, cfg.Storage.Credentials, 2)
	assert.Equal(t, "main", cfg.Storage.Credentials["mirror"].Physical)
	assert.True(t, cfg.Jobs.CompressGC.Enabled)
	assert.Equal(t, []string{"proj/builds"}, cfg.Jobs.CompressGC.Repos)
	assert.Equal(t, 3, cfg.Jobs.CompressGC.Retain)
	assert.Equal(t, 0.25, cfg.Jobs.CompressGC.SizeRatio)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad shard count", "database:\n  driver: memory\n  shard_count: 3\n"},
		{"bad driver", "database:\n  driver: mysql\n"},
		{"bad repo entry", "database:\n  driver: memory\njobs:\n  compress_gc:\n    repos: [\"noslash\"]\n"},
		{"redis lock without redis", "database:\n  driver: memory\nlock:\n  backend: redis\n"},
		{"bad size ratio", "database:\n  driver: memory\njobs:\n  compress_gc:\n    size_ratio: 1.5\n"},
		{"bad archiver", "database:\n  driver: memory\nstorage:\n  archive:\n    archiver: gzip\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
