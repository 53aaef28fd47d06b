package scorer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/cache"
	"github.com/depvet/depvet/config"
	"github.com/depvet/depvet/log"
	"github.com/depvet/depvet/netpool"
)

func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	store, err := cache.New(config.CacheConfig{L1MaxSize: 100, L1TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pool := netpool.NewConnectionPool(config.PoolConfig{CleanupInterval: time.Hour})
	t.Cleanup(pool.Close)

	batcher := netpool.NewRequestBatcher(config.BatchingConfig{
		Enabled:      true,
		MaxBatchSize: 1, // every request flushes immediately
		MaxWaitTime:  time.Second,
	})
	t.Cleanup(batcher.Flush)

	client, err := New(config.ScorerConfig{URL: url, Timeout: 2 * time.Second}, store, pool, batcher)
	require.NoError(t, err)
	return client
}

func scoreServer(t *testing.T, score float64, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/score", r.URL.Path)

		var req struct {
			Features Features `json:"features"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		json.NewEncoder(w).Encode(map[string]float64{"score": score})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestScore_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := scoreServer(t, 0.87, &calls)
	client := newTestClient(t, srv.URL)

	features := Features{Entropy: 6.2, EvalCount: 3, InstallScripts: 1}

	got := client.Score(context.Background(), "left-pad", "1.3.0", features)
	assert.InDelta(t, 0.87, got, 0.001)
	assert.Equal(t, int32(1), calls.Load())

	// Second lookup for the same package version is served from cache.
	got = client.Score(context.Background(), "left-pad", "1.3.0", features)
	assert.InDelta(t, 0.87, got, 0.001)
	assert.Equal(t, int32(1), calls.Load())

	// A different version misses and fetches again.
	client.Score(context.Background(), "left-pad", "1.3.1", features)
	assert.Equal(t, int32(2), calls.Load())
}

func TestScore_NeutralOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	client := newTestClient(t, srv.URL)

	got := client.Score(context.Background(), "left-pad", "1.3.0", Features{})
	assert.InDelta(t, NeutralScore, got, 0.001)
}

func TestScore_NeutralWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url)
	got := client.Score(context.Background(), "left-pad", "1.3.0", Features{})
	assert.InDelta(t, NeutralScore, got, 0.001)
}

func TestScore_NeutralOnOutOfRangeScore(t *testing.T) {
	var calls atomic.Int32
	srv := scoreServer(t, 3.2, &calls)
	client := newTestClient(t, srv.URL)

	got := client.Score(context.Background(), "left-pad", "1.3.0", Features{})
	assert.InDelta(t, NeutralScore, got, 0.001)
}

func TestScore_FailedLookupIsNotCached(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if failing.Load() {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]float64{"score": 0.42})
	}))
	t.Cleanup(srv.Close)
	client := newTestClient(t, srv.URL)

	got := client.Score(context.Background(), "chalk", "5.0.0", Features{})
	assert.InDelta(t, NeutralScore, got, 0.001)

	// Once the sidecar recovers the next lookup must reach it.
	failing.Store(false)
	got = client.Score(context.Background(), "chalk", "5.0.0", Features{})
	assert.InDelta(t, 0.42, got, 0.001)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNew_RejectsBadURL(t *testing.T) {
	store, err := cache.New(config.CacheConfig{L1MaxSize: 10, L1TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = New(config.ScorerConfig{URL: "://bad"}, store, nil, nil)
	assert.Error(t, err)
}
