package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depvet/depvet/cache"
	"github.com/depvet/depvet/concurrency"
	"github.com/depvet/depvet/netpool"
)

func TestUpdateCache(t *testing.T) {
	m := New()

	m.UpdateCache(cache.Stats{
		Tiers: []cache.TierStats{
			{Tier: cache.TierL1, Size: 42, MaxSize: 100, Hits: 90, Misses: 10, Evictions: 3},
			{Tier: cache.TierL2, Size: 7, Hits: 5, Misses: 5},
		},
		Lookups:        100,
		Hits:           95,
		OverallHitRate: 0.95,
	})

	assert.Equal(t, 90.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("L1")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.CacheMisses.WithLabelValues("L1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictions.WithLabelValues("L1")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.CacheSize.WithLabelValues("L1")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("L2")))
	assert.Equal(t, 0.95, testutil.ToFloat64(m.CacheHitRate))
}

func TestUpdateSchedulerAndPoolAndBatcher(t *testing.T) {
	m := New()

	m.UpdateScheduler(concurrency.SchedulerStats{JobsRun: 55, JobsStolen: 4, JobsFailed: 1})
	m.UpdatePool(netpool.PoolStats{Domains: 3, TotalRequests: 120, Errors: 2, Timeouts: 1})
	m.UpdateBatcher(netpool.BatcherStats{Flushes: 12, Requests: 120, Failures: 2})

	assert.Equal(t, 55.0, testutil.ToFloat64(m.JobsRun))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.JobsStolen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsFailed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolDomains))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.PoolRequests))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.BatchFlushes))
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.UpdateScheduler(concurrency.SchedulerStats{JobsRun: 7})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "depvet_scheduler_jobs_run 7")
}

func TestMetricNamesPassLint(t *testing.T) {
	m := New()

	problems, err := testutil.GatherAndLint(m.registry)
	require.NoError(t, err)
	for _, p := range problems {
		t.Errorf("%s: %s", p.Metric, p.Text)
	}
}
