package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze_HealthyCacheHasNoRecommendations(t *testing.T) {
	report := Analyze(Stats{
		Tiers: []TierStats{
			{Tier: TierL1, Size: 100, MaxSize: 1000, Hits: 900, Misses: 100},
		},
		Lookups:        1000,
		Hits:           900,
		OverallHitRate: 0.9,
	})

	assert.Empty(t, report.Recommendations)
	assert.InDelta(t, 0.9, report.TierHitRates["L1"], 0.001)
	assert.InDelta(t, 10.0, report.Utilization["L1"], 0.001)
}

func TestAnalyze_FlagsHighUtilization(t *testing.T) {
	report := Analyze(Stats{
		Tiers: []TierStats{
			{Tier: TierL1, Size: 950, MaxSize: 1000, Hits: 10, Misses: 1},
		},
	})

	assert.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "L1")
	assert.Contains(t, report.Recommendations[0], "utilization")
}

func TestAnalyze_FlagsThrashing(t *testing.T) {
	report := Analyze(Stats{
		Tiers: []TierStats{
			{Tier: TierL1, Size: 500, MaxSize: 1000, Hits: 200, Misses: 800, Evictions: 600},
		},
	})

	assert.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "thrashing")
}

func TestAnalyze_FlagsLowOverallHitRate(t *testing.T) {
	report := Analyze(Stats{
		Tiers:          []TierStats{{Tier: TierL1, Size: 10, MaxSize: 1000}},
		Lookups:        500,
		Hits:           100,
		OverallHitRate: 0.2,
	})

	assert.Len(t, report.Recommendations, 1)
	assert.Contains(t, report.Recommendations[0], "hit rate")
}

func TestAnalyze_IgnoresLowHitRateOnSmallSample(t *testing.T) {
	report := Analyze(Stats{
		Tiers:          []TierStats{{Tier: TierL1, Size: 2, MaxSize: 1000}},
		Lookups:        10,
		Hits:           1,
		OverallHitRate: 0.1,
	})

	assert.Empty(t, report.Recommendations, "cold caches always start with misses")
}
