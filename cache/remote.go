package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/depvet/depvet/log"
)

const remoteKeyPrefix = "depvet:cache:"

// RemoteTier is the optional distributed L3 tier backed by redis. Failure
// to reach the backend is never surfaced to the caller: reads degrade to
// misses, writes are dropped, and a circuit breaker keeps a dead backend
// from adding latency to every lookup.
type RemoteTier struct {
	client     *redis.Client
	breaker    *gobreaker.CircuitBreaker
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64

	errLog *log.Every
}

// NewRemoteTier wraps an existing redis client as an L3 tier.
func NewRemoteTier(client *redis.Client, defaultTTL time.Duration) *RemoteTier {
	if defaultTTL <= 0 {
		defaultTTL = 7 * 24 * time.Hour
	}
	settings := gobreaker.Settings{
		Name:        "cache-l3",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &RemoteTier{
		client:     client,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		defaultTTL: defaultTTL,
		errLog:     log.NewEvery(time.Minute),
	}
}

func (r *RemoteTier) ID() TierID { return TierL3 }

func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, bool) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		val, err := r.client.Get(ctx, remoteKeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			// A key miss is a successful round trip; it must not trip
			// the breaker.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})
	if err != nil {
		if r.errLog.ShouldLog() {
			log.WarningLog.Printf("remote cache unreachable, degrading to miss: %v", err)
		}
		r.misses.Add(1)
		return nil, false
	}
	if res == nil {
		r.misses.Add(1)
		return nil, false
	}

	r.hits.Add(1)
	return res.([]byte), true
}

func (r *RemoteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, remoteKeyPrefix+key, value, ttl).Err()
	})
	if err != nil && r.errLog.ShouldLog() {
		log.WarningLog.Printf("remote cache write dropped: %v", err)
	}
}

func (r *RemoteTier) Delete(ctx context.Context, key string) {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Del(ctx, remoteKeyPrefix+key).Err()
	})
	if err != nil && r.errLog.ShouldLog() {
		log.WarningLog.Printf("remote cache delete dropped: %v", err)
	}
}

// Clear removes every depvet-owned key. Other keyspaces in the shared
// redis instance are left alone.
func (r *RemoteTier) Clear(ctx context.Context) {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		iter := r.client.Scan(ctx, 0, remoteKeyPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
				return nil, err
			}
		}
		return nil, iter.Err()
	})
	if err != nil && r.errLog.ShouldLog() {
		log.WarningLog.Printf("remote cache clear failed: %v", err)
	}
}

// Sweep is a no-op: redis expires entries server-side via the TTL set on
// write.
func (r *RemoteTier) Sweep(context.Context) {}

func (r *RemoteTier) Stats() TierStats {
	return TierStats{
		Tier:   TierL3,
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}

func (r *RemoteTier) Close() error {
	return r.client.Close()
}
