// Package cache implements the multi-tier lookup cache for scan results:
// an in-process LRU (L1), an on-disk sqlite tier (L2), and an optional
// distributed redis tier (L3). Reads probe tiers in order and promote hits
// upward; writes go to L1 unconditionally and to lower tiers when enabled.
package cache

import (
	"context"
	"time"
)

// TierID identifies a cache tier. Lower tiers are faster and smaller.
type TierID int

const (
	TierL1 TierID = iota + 1
	TierL2
	TierL3
)

func (t TierID) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	default:
		return "unknown"
	}
}

// TierStats is a read-only snapshot of one tier's counters.
// Size <= MaxSize always; MaxSize of 0 means unbounded.
type TierStats struct {
	Tier      TierID `json:"tier"`
	Size      int    `json:"size"`
	MaxSize   int    `json:"max_size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// HitRate returns the tier's hit rate in [0, 1].
func (s TierStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Utilization returns Size/MaxSize as a percentage, or 0 when unbounded.
func (s TierStats) Utilization() float64 {
	if s.MaxSize <= 0 {
		return 0
	}
	return float64(s.Size) / float64(s.MaxSize) * 100
}

// Tier is one layer of the cache chain. Implementations serialize their own
// mutations; a backend failure surfaces as a miss, never as an error to the
// scan.
type Tier interface {
	// ID returns the tier's position in the chain.
	ID() TierID
	// Get returns the cached value and true on a live hit. Expired entries
	// are deleted lazily and reported as misses.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key. A non-positive ttl selects the tier's
	// default TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Delete removes key if present.
	Delete(ctx context.Context, key string)
	// Clear removes every entry and leaves counters intact.
	Clear(ctx context.Context)
	// Sweep removes expired entries. Called periodically by the owning
	// MultiTierCache.
	Sweep(ctx context.Context)
	// Stats returns a point-in-time snapshot.
	Stats() TierStats
	// Close releases backend resources. Idempotent.
	Close() error
}
