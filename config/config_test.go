package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MinWorkers)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, 10, cfg.MinChunkSize)
	assert.Equal(t, 100, cfg.MaxChunkSize)
	assert.Equal(t, 10, cfg.MinParallelThreshold)
	assert.Equal(t, 85.0, cfg.MemHighWaterPct)

	assert.Equal(t, 1000, cfg.Cache.L1MaxSize)
	assert.Equal(t, 30*time.Minute, cfg.Cache.L1TTL)
	assert.True(t, cfg.Cache.L2Enabled)
	assert.False(t, cfg.Cache.L3Enabled)
	assert.Equal(t, "localhost:6379", cfg.Cache.L3Addr)

	assert.Equal(t, 6, cfg.Pool.MaxPerDomain)
	assert.Equal(t, 90*time.Second, cfg.Pool.IdleTimeout)

	assert.True(t, cfg.Batching.Enabled)
	assert.Equal(t, 10, cfg.Batching.MaxBatchSize)
	assert.Equal(t, 150*time.Millisecond, cfg.Batching.MaxWaitTime)

	assert.Equal(t, "http://localhost:8000", cfg.Scorer.URL)
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "depvet.yaml")
	content := `
max_workers: 8
cache:
  l1_max_size: 50
  l3_enabled: true
batching:
  max_batch_size: 25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 50, cfg.Cache.L1MaxSize)
	assert.True(t, cfg.Cache.L3Enabled)
	assert.Equal(t, 25, cfg.Batching.MaxBatchSize)

	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.MinWorkers)
	assert.Equal(t, 6, cfg.Pool.MaxPerDomain)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("DEPVET_MAX_WORKERS", "4")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxWorkers)
}

func TestLoad_RejectsInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "depvet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_workers: 0\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_workers")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "zero min workers",
			mutate:  func(c *Config) { c.MinWorkers = 0 },
			wantErr: "min_workers",
		},
		{
			name:    "max below min workers",
			mutate:  func(c *Config) { c.MinWorkers = 8; c.MaxWorkers = 4 },
			wantErr: "max_workers",
		},
		{
			name:    "zero min chunk",
			mutate:  func(c *Config) { c.MinChunkSize = 0 },
			wantErr: "min_chunk_size",
		},
		{
			name:    "max chunk below min chunk",
			mutate:  func(c *Config) { c.MinChunkSize = 50; c.MaxChunkSize = 20 },
			wantErr: "max_chunk_size",
		},
		{
			name:    "zero l1 size",
			mutate:  func(c *Config) { c.Cache.L1MaxSize = 0 },
			wantErr: "l1_max_size",
		},
		{
			name:    "negative l1 ttl",
			mutate:  func(c *Config) { c.Cache.L1TTL = -time.Minute },
			wantErr: "l1_ttl",
		},
		{
			name:    "zero per-domain cap",
			mutate:  func(c *Config) { c.Pool.MaxPerDomain = 0 },
			wantErr: "max_per_domain",
		},
		{
			name:    "zero idle timeout",
			mutate:  func(c *Config) { c.Pool.IdleTimeout = 0 },
			wantErr: "idle_timeout",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { c.Batching.MaxBatchSize = 0 },
			wantErr: "max_batch_size",
		},
		{
			name:    "zero wait time",
			mutate:  func(c *Config) { c.Batching.MaxWaitTime = 0 },
			wantErr: "max_wait_time",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
