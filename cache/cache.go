package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/depvet/depvet/config"
)

// GetResult reports the outcome of a chained lookup.
type GetResult struct {
	Hit   bool
	Value []byte
	Tier  TierID // tier that served the hit; zero on a miss
}

// Stats is a read-only snapshot of the whole cache chain.
type Stats struct {
	Tiers          []TierStats `json:"tiers"`
	Lookups        uint64      `json:"lookups"`
	Hits           uint64      `json:"hits"`
	OverallHitRate float64     `json:"overall_hit_rate"`
}

// MultiTierCache chains the configured tiers. Reads probe L1 first and fall
// through; a hit at a lower tier is promoted into every tier above it so the
// next read is served from L1.
//
// Promotion under concurrent readers is single-writer-wins per key: each
// goroutine that observed the lower-tier hit writes upward independently and
// the last write wins. The racing writes carry equal values, so the race is
// benign and left unserialized.
type MultiTierCache struct {
	tiers []Tier

	lookups atomic.Uint64
	hits    atomic.Uint64

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New builds a cache chain from configuration. L1 is always present; L2 and
// L3 are appended when enabled. An L2 open failure is fatal (configuration
// error); an unreachable L3 backend is not, since the remote tier degrades
// per call.
func New(cfg config.CacheConfig) (*MultiTierCache, error) {
	tiers := []Tier{NewMemoryTier(cfg.L1MaxSize, cfg.L1TTL)}

	if cfg.L2Enabled {
		disk, err := NewDiskTier(cfg.L2Path, cfg.L2TTL)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, disk)
	}

	if cfg.L3Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.L3Addr})
		tiers = append(tiers, NewRemoteTier(client, cfg.L3TTL))
	}

	c := newWithTiers(tiers)
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.sweepDone = make(chan struct{})
	go c.sweepLoop(interval)
	return c, nil
}

// newWithTiers wires an explicit tier chain. Tests use it to build chains
// with failing or fake tiers; no sweep loop is started, so sweepDone stays
// nil.
func newWithTiers(tiers []Tier) *MultiTierCache {
	return &MultiTierCache{
		tiers:     tiers,
		sweepStop: make(chan struct{}),
	}
}

// Get probes tiers in order and promotes a hit into every faster tier.
func (c *MultiTierCache) Get(ctx context.Context, key string) GetResult {
	c.lookups.Add(1)

	for i, tier := range c.tiers {
		value, ok := tier.Get(ctx, key)
		if !ok {
			continue
		}

		// Write-through upward so the next lookup is served faster.
		for j := i - 1; j >= 0; j-- {
			c.tiers[j].Set(ctx, key, value, 0)
		}

		c.hits.Add(1)
		return GetResult{Hit: true, Value: value, Tier: tier.ID()}
	}

	return GetResult{}
}

// Set writes to L1 unconditionally and through to every enabled lower tier
// with each tier's default TTL.
func (c *MultiTierCache) Set(ctx context.Context, key string, value []byte) {
	c.SetTTL(ctx, key, value, 0)
}

// SetTTL is Set with an explicit lifetime; a non-positive ttl selects each
// tier's default.
func (c *MultiTierCache) SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) {
	for _, tier := range c.tiers {
		tier.Set(ctx, key, value, ttl)
	}
}

// Delete removes key from every tier.
func (c *MultiTierCache) Delete(ctx context.Context, key string) {
	for _, tier := range c.tiers {
		tier.Delete(ctx, key)
	}
}

// Clear empties every tier.
func (c *MultiTierCache) Clear(ctx context.Context) {
	for _, tier := range c.tiers {
		tier.Clear(ctx)
	}
}

// GetStats returns per-tier snapshots plus the overall hit rate.
func (c *MultiTierCache) GetStats() Stats {
	stats := Stats{
		Tiers:   make([]TierStats, 0, len(c.tiers)),
		Lookups: c.lookups.Load(),
		Hits:    c.hits.Load(),
	}
	for _, tier := range c.tiers {
		stats.Tiers = append(stats.Tiers, tier.Stats())
	}
	if stats.Lookups > 0 {
		stats.OverallHitRate = float64(stats.Hits) / float64(stats.Lookups)
	}
	return stats
}

// Close stops the sweep loop, waits for any sweep in flight, then releases
// tier backends. The wait keeps a sweep from touching an already-closed
// backend. Idempotent.
func (c *MultiTierCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.sweepStop)
		if c.sweepDone != nil {
			<-c.sweepDone
		}
		for _, tier := range c.tiers {
			if err := tier.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// sweepLoop periodically removes expired entries from every tier. The loop
// holds no timers once sweepStop closes, so an idle cache never keeps the
// process alive.
func (c *MultiTierCache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			for _, tier := range c.tiers {
				tier.Sweep(ctx)
			}
			cancel()
		}
	}
}
