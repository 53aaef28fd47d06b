package concurrency

import (
	"sync/atomic"
	"testing"
	"time"
)

func monitorWith(metrics Metrics) *ResourceMonitor {
	m := NewResourceMonitor(MonitorConfig{
		MinWorkers:      2,
		MaxWorkers:      16,
		MinChunkSize:    10,
		MaxChunkSize:    100,
		MemHighWaterPct: 85,
	})
	m.sampleFn = func() Metrics { return metrics }
	m.Sample()
	return m
}

func TestRecommend_WorkersFollowCoreCount(t *testing.T) {
	m := monitorWith(Metrics{CPUCores: 8, MemUsagePct: 40, LoadAvg: 6})

	rec := m.Recommend(0, 0, 0)
	if rec.Workers != 8 {
		t.Errorf("workers = %d, want 8", rec.Workers)
	}
	if rec.ScaleUp || rec.ScaleDown {
		t.Errorf("quiet host should not trigger scaling, got %+v", rec)
	}
}

func TestRecommend_ClampsToBounds(t *testing.T) {
	low := monitorWith(Metrics{CPUCores: 1, MemUsagePct: 40, LoadAvg: 1})
	if rec := low.Recommend(0, 0, 0); rec.Workers != 2 {
		t.Errorf("single-core host: workers = %d, want min of 2", rec.Workers)
	}

	high := monitorWith(Metrics{CPUCores: 64, MemUsagePct: 40, LoadAvg: 60})
	if rec := high.Recommend(0, 0, 0); rec.Workers != 16 {
		t.Errorf("64-core host: workers = %d, want max of 16", rec.Workers)
	}
}

func TestRecommend_MemoryPressureShedsWorkers(t *testing.T) {
	m := monitorWith(Metrics{CPUCores: 8, MemUsagePct: 92, LoadAvg: 4})

	rec := m.Recommend(8, 0, 0)
	if rec.Workers >= 8 {
		t.Errorf("expected fewer than 8 workers under memory pressure, got %d", rec.Workers)
	}
	if rec.Workers < 2 {
		t.Errorf("shed below MinWorkers: %d", rec.Workers)
	}
	if !rec.ScaleDown {
		t.Error("expected ScaleDown under memory pressure")
	}
}

func TestRecommend_ScaleUpOnQuietHostWithBacklog(t *testing.T) {
	m := monitorWith(Metrics{CPUCores: 8, MemUsagePct: 40, LoadAvg: 1})

	// Backlog far deeper than the current worker set can chew through.
	rec := m.Recommend(4, 10000, 0)
	if rec.Workers != 16 {
		t.Errorf("workers = %d, want max of 16", rec.Workers)
	}
	if !rec.ScaleUp {
		t.Error("expected ScaleUp with deep backlog on a quiet host")
	}
}

func TestRecommend_ChunkSizeTargetsEvenSplit(t *testing.T) {
	m := monitorWith(Metrics{CPUCores: 8, MemUsagePct: 40, LoadAvg: 6})

	// 437 pending over 8 workers rounds up to 55.
	rec := m.Recommend(0, 437, 0)
	if rec.ChunkSize != 55 {
		t.Errorf("chunk size = %d, want 55", rec.ChunkSize)
	}

	// Tiny backlogs clamp up to the minimum chunk.
	rec = m.Recommend(0, 8, 0)
	if rec.ChunkSize != 10 {
		t.Errorf("chunk size = %d, want min of 10", rec.ChunkSize)
	}

	// Huge backlogs clamp down to the maximum chunk.
	rec = m.Recommend(0, 100000, 0)
	if rec.ChunkSize != 100 {
		t.Errorf("chunk size = %d, want max of 100", rec.ChunkSize)
	}
}

func TestPolling_SamplesOnInterval(t *testing.T) {
	var samples atomic.Int32
	m := NewResourceMonitor(MonitorConfig{
		MinWorkers: 1, MaxWorkers: 4,
		MinChunkSize: 1, MaxChunkSize: 10,
		MemHighWaterPct: 85,
	})
	m.sampleFn = func() Metrics {
		samples.Add(1)
		return Metrics{CPUCores: 4}
	}

	m.StartPolling(5 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	m.StopMonitoring()

	if samples.Load() == 0 {
		t.Error("polling never sampled")
	}

	// A second stop must not hang or panic.
	m.StopMonitoring()
}

func TestStopMonitoring_WithoutPolling(t *testing.T) {
	m := NewResourceMonitor(MonitorConfig{MinWorkers: 1, MaxWorkers: 2})

	done := make(chan struct{})
	go func() {
		m.StopMonitoring()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopMonitoring hung with no polling loop running")
	}
}
