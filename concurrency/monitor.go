package concurrency

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/depvet/depvet/log"
)

// Metrics is one point-in-time sample of host resources.
type Metrics struct {
	CPUUsagePct  float64 `json:"cpu_usage_pct"`
	MemUsagePct  float64 `json:"mem_usage_pct"`
	LoadAvg      float64 `json:"load_avg"`
	AvailableMem uint64  `json:"available_mem"`
	TotalMem     uint64  `json:"total_mem"`
	CPUCores     int     `json:"cpu_cores"`
}

// Recommendation is the monitor's sizing advice. It is advisory only: the
// coordinator applies it at chunking time, but nothing forces a running
// batch to shed workers.
type Recommendation struct {
	Workers   int
	ChunkSize int
	ScaleUp   bool
	ScaleDown bool
	Reason    string
}

// MonitorConfig bounds the monitor's recommendations.
type MonitorConfig struct {
	MinWorkers      int
	MaxWorkers      int
	MinChunkSize    int
	MaxChunkSize    int
	MemHighWaterPct float64
}

// ResourceMonitor samples CPU, memory, and load and turns the samples into
// worker and chunk-size recommendations. Sampling is pure (no side effects
// on the host); polling is optional and fully cancellable.
type ResourceMonitor struct {
	cfg MonitorConfig

	mu     sync.RWMutex
	latest Metrics

	// sampleFn is swapped in tests to feed synthetic metrics.
	sampleFn func() Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	polling  bool
}

// NewResourceMonitor creates a monitor and takes an initial sample.
func NewResourceMonitor(cfg MonitorConfig) *ResourceMonitor {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.MinChunkSize < 1 {
		cfg.MinChunkSize = 1
	}
	if cfg.MaxChunkSize < cfg.MinChunkSize {
		cfg.MaxChunkSize = cfg.MinChunkSize
	}
	if cfg.MemHighWaterPct <= 0 || cfg.MemHighWaterPct > 100 {
		cfg.MemHighWaterPct = 85
	}

	m := &ResourceMonitor{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.sampleFn = m.sampleHost
	m.latest = m.sampleFn()
	return m
}

// Sample takes a fresh host sample, stores it as the latest, and returns it.
func (m *ResourceMonitor) Sample() Metrics {
	sample := m.sampleFn()
	m.mu.Lock()
	m.latest = sample
	m.mu.Unlock()
	return sample
}

// Latest returns the most recent sample without touching the host.
func (m *ResourceMonitor) Latest() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// sampleHost reads host metrics via gopsutil. Any probe failure falls back
// to a zero value for that metric; recommendations still work from core
// count alone.
func (m *ResourceMonitor) sampleHost() Metrics {
	metrics := Metrics{CPUCores: runtime.NumCPU()}

	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		metrics.CPUUsagePct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.MemUsagePct = vm.UsedPercent
		metrics.AvailableMem = vm.Available
		metrics.TotalMem = vm.Total
	}
	if avg, err := load.Avg(); err == nil {
		metrics.LoadAvg = avg.Load1
	}

	return metrics
}

// Recommend derives a worker count and chunk size from the latest sample.
// Workers start at the core count clamped into [MinWorkers, MaxWorkers],
// shed proportionally under memory pressure, and grow toward the ceiling
// when the host is quiet and the backlog is deep. Chunk size targets
// pendingJobs/workers, clamped into [MinChunkSize, MaxChunkSize].
func (m *ResourceMonitor) Recommend(currentWorkers, pendingJobs, currentChunkSize int) Recommendation {
	metrics := m.Latest()

	workers := clamp(metrics.CPUCores, m.cfg.MinWorkers, m.cfg.MaxWorkers)
	rec := Recommendation{Reason: "cpu core count"}

	if metrics.MemUsagePct > m.cfg.MemHighWaterPct {
		// Backpressure: shed workers in proportion to how far past the
		// high-water mark memory has climbed.
		overshoot := (metrics.MemUsagePct - m.cfg.MemHighWaterPct) / (100 - m.cfg.MemHighWaterPct)
		reduced := workers - int(float64(workers)*overshoot)
		workers = clamp(reduced, m.cfg.MinWorkers, m.cfg.MaxWorkers)
		rec.ScaleDown = currentWorkers == 0 || workers < currentWorkers
		rec.Reason = fmt.Sprintf("memory pressure: %.0f%% used", metrics.MemUsagePct)
	} else if metrics.LoadAvg < float64(metrics.CPUCores)/2 && pendingJobs > workers*m.cfg.MaxChunkSize {
		workers = m.cfg.MaxWorkers
		rec.ScaleUp = workers > currentWorkers
		rec.Reason = fmt.Sprintf("low load (%.1f) with %d pending jobs", metrics.LoadAvg, pendingJobs)
	}

	rec.Workers = workers

	if pendingJobs > 0 {
		chunk := (pendingJobs + workers - 1) / workers
		rec.ChunkSize = clamp(chunk, m.cfg.MinChunkSize, m.cfg.MaxChunkSize)
	} else {
		rec.ChunkSize = clamp(currentChunkSize, m.cfg.MinChunkSize, m.cfg.MaxChunkSize)
	}

	return rec
}

// StartPolling samples on an interval until StopMonitoring is called.
// Calling it twice is a no-op.
func (m *ResourceMonitor) StartPolling(interval time.Duration) {
	m.mu.Lock()
	if m.polling {
		m.mu.Unlock()
		return
	}
	m.polling = true
	m.mu.Unlock()

	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				sample := m.Sample()
				if sample.MemUsagePct > m.cfg.MemHighWaterPct {
					log.WarningLog.Printf("memory pressure: %.0f%% used, recommendations will scale down", sample.MemUsagePct)
				}
			}
		}
	}()
}

// StopMonitoring cancels the polling loop. The ticker is released, so an
// idle monitor never keeps the process alive. Idempotent; safe to call
// even when polling never started.
func (m *ResourceMonitor) StopMonitoring() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})

	m.mu.RLock()
	polling := m.polling
	m.mu.RUnlock()
	if polling {
		<-m.doneCh
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
