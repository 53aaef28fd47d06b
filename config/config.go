// Package config loads the scan-engine configuration once at process start.
// The engine treats the loaded Config as read-only input; nothing in this
// repository mutates or persists it after Load returns.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration for the scan engine. Defaults are
// documented on each field and applied by DefaultConfig.
type Config struct {
	// MinWorkers is the lower bound on logical scan workers (default: 2).
	MinWorkers int `mapstructure:"min_workers"`
	// MaxWorkers is the upper bound on logical scan workers (default: 16).
	MaxWorkers int `mapstructure:"max_workers"`
	// MinChunkSize is the smallest job chunk handed to a worker (default: 10).
	MinChunkSize int `mapstructure:"min_chunk_size"`
	// MaxChunkSize caps chunk size to avoid head-of-line blocking (default: 100).
	MaxChunkSize int `mapstructure:"max_chunk_size"`
	// MinParallelThreshold is the job count below which the coordinator
	// runs sequentially (default: 10).
	MinParallelThreshold int `mapstructure:"min_parallel_threshold"`
	// MemHighWaterPct is the memory usage percentage above which the
	// resource monitor recommends scaling down (default: 85).
	MemHighWaterPct float64 `mapstructure:"mem_high_water_pct"`

	Cache    CacheConfig    `mapstructure:"cache"`
	Pool     PoolConfig     `mapstructure:"connection_pool"`
	Batching BatchingConfig `mapstructure:"batching"`
	Scorer   ScorerConfig   `mapstructure:"scorer"`
}

// CacheConfig configures the three cache tiers.
type CacheConfig struct {
	// L1MaxSize is the entry capacity of the in-process LRU (default: 1000).
	L1MaxSize int `mapstructure:"l1_max_size"`
	// L1TTL is the default entry lifetime in L1 (default: 30m).
	L1TTL time.Duration `mapstructure:"l1_ttl"`
	// SweepInterval is how often expired entries are swept (default: 5m).
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// L2Enabled turns on the on-disk tier (default: true).
	L2Enabled bool `mapstructure:"l2_enabled"`
	// L2Path is the sqlite database path for the disk tier
	// (default: depvet-cache.db in the OS temp dir, resolved at open).
	L2Path string `mapstructure:"l2_path"`
	// L2TTL is the default entry lifetime in L2 (default: 24h).
	L2TTL time.Duration `mapstructure:"l2_ttl"`
	// L3Enabled turns on the distributed redis tier (default: false).
	L3Enabled bool `mapstructure:"l3_enabled"`
	// L3Addr is the redis address for the distributed tier (default: localhost:6379).
	L3Addr string `mapstructure:"l3_addr"`
	// L3TTL is the default entry lifetime in L3 (default: 7 days).
	L3TTL time.Duration `mapstructure:"l3_ttl"`
}

// PoolConfig configures the per-domain connection pool.
type PoolConfig struct {
	// MaxPerDomain bounds concurrent connections per destination domain (default: 6).
	MaxPerDomain int `mapstructure:"max_per_domain"`
	// IdleTimeout is how long an idle connection survives before
	// reclamation (default: 90s).
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// KeepAlive is the TCP keep-alive period for pooled agents (default: 30s).
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// CleanupInterval is how often the idle sweep runs (default: 30s).
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// RequestTimeout is the default timeout for pooled requests (default: 15s).
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BatchingConfig configures outbound request coalescing.
type BatchingConfig struct {
	// Enabled turns batching on; when false requests execute immediately
	// (default: true).
	Enabled bool `mapstructure:"enabled"`
	// MaxBatchSize is the flush threshold and per-flush concurrency cap
	// (default: 10).
	MaxBatchSize int `mapstructure:"max_batch_size"`
	// MaxWaitTime is the longest a request waits in an open batch (default: 150ms).
	MaxWaitTime time.Duration `mapstructure:"max_wait_time"`
}

// ScorerConfig configures the external ML score service client.
type ScorerConfig struct {
	// URL is the base URL of the score service (default: http://localhost:8000).
	URL string `mapstructure:"url"`
	// Timeout bounds a single score call (default: 5s).
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MinWorkers:           2,
		MaxWorkers:           16,
		MinChunkSize:         10,
		MaxChunkSize:         100,
		MinParallelThreshold: 10,
		MemHighWaterPct:      85,
		Cache: CacheConfig{
			L1MaxSize:     1000,
			L1TTL:         30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			L2Enabled:     true,
			L2TTL:         24 * time.Hour,
			L3Enabled:     false,
			L3Addr:        "localhost:6379",
			L3TTL:         7 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			MaxPerDomain:    6,
			IdleTimeout:     90 * time.Second,
			KeepAlive:       30 * time.Second,
			CleanupInterval: 30 * time.Second,
			RequestTimeout:  15 * time.Second,
		},
		Batching: BatchingConfig{
			Enabled:      true,
			MaxBatchSize: 10,
			MaxWaitTime:  150 * time.Millisecond,
		},
		Scorer: ScorerConfig{
			URL:     "http://localhost:8000",
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from an optional file plus DEPVET_* environment
// overrides, applies defaults, and validates. A validation failure is fatal
// at startup; the engine never re-reads configuration during a scan.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("depvet")
	}

	v.SetEnvPrefix("DEPVET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("min_workers", defaults.MinWorkers)
	v.SetDefault("max_workers", defaults.MaxWorkers)
	v.SetDefault("min_chunk_size", defaults.MinChunkSize)
	v.SetDefault("max_chunk_size", defaults.MaxChunkSize)
	v.SetDefault("min_parallel_threshold", defaults.MinParallelThreshold)
	v.SetDefault("mem_high_water_pct", defaults.MemHighWaterPct)
	v.SetDefault("cache.l1_max_size", defaults.Cache.L1MaxSize)
	v.SetDefault("cache.l1_ttl", defaults.Cache.L1TTL)
	v.SetDefault("cache.sweep_interval", defaults.Cache.SweepInterval)
	v.SetDefault("cache.l2_enabled", defaults.Cache.L2Enabled)
	v.SetDefault("cache.l2_path", defaults.Cache.L2Path)
	v.SetDefault("cache.l2_ttl", defaults.Cache.L2TTL)
	v.SetDefault("cache.l3_enabled", defaults.Cache.L3Enabled)
	v.SetDefault("cache.l3_addr", defaults.Cache.L3Addr)
	v.SetDefault("cache.l3_ttl", defaults.Cache.L3TTL)
	v.SetDefault("connection_pool.max_per_domain", defaults.Pool.MaxPerDomain)
	v.SetDefault("connection_pool.idle_timeout", defaults.Pool.IdleTimeout)
	v.SetDefault("connection_pool.keep_alive", defaults.Pool.KeepAlive)
	v.SetDefault("connection_pool.cleanup_interval", defaults.Pool.CleanupInterval)
	v.SetDefault("connection_pool.request_timeout", defaults.Pool.RequestTimeout)
	v.SetDefault("batching.enabled", defaults.Batching.Enabled)
	v.SetDefault("batching.max_batch_size", defaults.Batching.MaxBatchSize)
	v.SetDefault("batching.max_wait_time", defaults.Batching.MaxWaitTime)
	v.SetDefault("scorer.url", defaults.Scorer.URL)
	v.SetDefault("scorer.timeout", defaults.Scorer.Timeout)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has a default.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise surface mid-scan.
func (c *Config) Validate() error {
	if c.MinWorkers < 1 {
		return fmt.Errorf("min_workers must be >= 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", c.MaxWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.MinChunkSize < 1 {
		return fmt.Errorf("min_chunk_size must be >= 1, got %d", c.MinChunkSize)
	}
	if c.MaxChunkSize < c.MinChunkSize {
		return fmt.Errorf("max_chunk_size (%d) must be >= min_chunk_size (%d)", c.MaxChunkSize, c.MinChunkSize)
	}
	if c.Cache.L1MaxSize < 1 {
		return fmt.Errorf("cache.l1_max_size must be >= 1, got %d", c.Cache.L1MaxSize)
	}
	if c.Cache.L1TTL <= 0 {
		return fmt.Errorf("cache.l1_ttl must be positive, got %v", c.Cache.L1TTL)
	}
	if c.Pool.MaxPerDomain < 1 {
		return fmt.Errorf("connection_pool.max_per_domain must be >= 1, got %d", c.Pool.MaxPerDomain)
	}
	if c.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("connection_pool.idle_timeout must be positive, got %v", c.Pool.IdleTimeout)
	}
	if c.Batching.MaxBatchSize < 1 {
		return fmt.Errorf("batching.max_batch_size must be >= 1, got %d", c.Batching.MaxBatchSize)
	}
	if c.Batching.MaxWaitTime <= 0 {
		return fmt.Errorf("batching.max_wait_time must be positive, got %v", c.Batching.MaxWaitTime)
	}
	return nil
}
