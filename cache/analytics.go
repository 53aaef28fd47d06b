package cache

import "fmt"

// Report is the analytics view over a stats snapshot: hit rates, tier
// utilization, and tuning recommendations for the operator.
type Report struct {
	OverallHitRate  float64            `json:"overall_hit_rate"`
	TierHitRates    map[string]float64 `json:"tier_hit_rates"`
	Utilization     map[string]float64 `json:"utilization"`
	Recommendations []string           `json:"recommendations"`
}

// Analyze computes a Report from a stats snapshot. It is a pure function of
// the snapshot: it never touches live cache state, so it is safe to call
// from the diagnostics CLI while a scan is running.
func Analyze(s Stats) Report {
	report := Report{
		OverallHitRate: s.OverallHitRate,
		TierHitRates:   make(map[string]float64, len(s.Tiers)),
		Utilization:    make(map[string]float64, len(s.Tiers)),
	}

	for _, t := range s.Tiers {
		name := t.Tier.String()
		report.TierHitRates[name] = t.HitRate()
		report.Utilization[name] = t.Utilization()

		if t.MaxSize > 0 && t.Utilization() > 90 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("%s utilization above 90%%, consider raising max size (currently %d)", name, t.MaxSize))
		}
		if t.Evictions > t.Hits && t.Evictions > 100 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("%s evicts more than it serves (%d evictions, %d hits), cache is thrashing", name, t.Evictions, t.Hits))
		}
	}

	if s.Lookups > 100 && s.OverallHitRate < 0.5 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("overall hit rate %.0f%% is low, consider longer TTLs or enabling lower tiers", s.OverallHitRate*100))
	}

	return report
}
