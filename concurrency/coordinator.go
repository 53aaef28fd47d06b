package concurrency

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/depvet/depvet/log"
)

// CoordinatorConfig controls when the coordinator parallelizes at all.
type CoordinatorConfig struct {
	// MinParallelThreshold is the item count below which RunAll executes
	// sequentially; spinning up workers for a handful of jobs costs more
	// than it saves.
	MinParallelThreshold int
	// DisableParallel forces the sequential path regardless of size. The
	// two paths are behaviorally identical except for wall-clock time.
	DisableParallel bool
}

// Coordinator is the orchestration entry point for a scan: it chunks the
// input, sizes the worker set from the resource monitor, runs the chunks
// through a work-stealing scheduler, and merges results back into input
// order.
type Coordinator struct {
	cfg     CoordinatorConfig
	monitor *ResourceMonitor

	mu        sync.Mutex
	lastStats SchedulerStats
}

// NewCoordinator wires a coordinator to a resource monitor.
func NewCoordinator(cfg CoordinatorConfig, monitor *ResourceMonitor) *Coordinator {
	if cfg.MinParallelThreshold < 1 {
		cfg.MinParallelThreshold = 10
	}
	return &Coordinator{cfg: cfg, monitor: monitor}
}

// Result pairs one input item's outcome with its error, in input order.
type Result[R any] struct {
	Value R
	Err   error
}

// Failed reports whether this item's executor returned an error.
func (r Result[R]) Failed() bool { return r.Err != nil }

// RunAll executes exec for every item and returns results in input order:
// result[i] always corresponds to items[i], regardless of which worker ran
// it or when it completed. Each item's failure is isolated in its own
// Result; RunAll itself never fails part-way. If ctx is cancelled mid-run,
// every item that never executed carries ctx.Err(), on both paths, so a
// cut-short run can never be mistaken for a completed one.
func RunAll[T, R any](ctx context.Context, c *Coordinator, items []T, exec func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	if c.cfg.DisableParallel || len(items) < c.cfg.MinParallelThreshold {
		for i := 0; i < len(items); i++ {
			if err := ctx.Err(); err != nil {
				for ; i < len(items); i++ {
					results[i].Err = err
				}
				break
			}
			results[i].Value, results[i].Err = runOne(ctx, items[i], exec)
		}
		return results
	}

	rec := c.monitor.Recommend(0, len(items), 0)
	log.DebugLog.Printf("coordinator: %d items, %d workers, chunk size %d (%s)",
		len(items), rec.Workers, rec.ChunkSize, rec.Reason)

	spans := chunkSpans(len(items), rec.ChunkSize)
	jobs := make([]*Job, len(spans))
	for i, span := range spans {
		jobs[i] = &Job{
			ID:      uuid.NewString(),
			Payload: span,
		}
	}

	// executed marks the slots the chunk executors actually filled. Spans
	// cover disjoint index ranges, so workers write to disjoint result and
	// executed slots without coordination, and Run's wait makes every write
	// visible before the cancellation backfill below reads them.
	executed := make([]bool, len(items))

	scheduler := NewWorkStealingScheduler(rec.Workers)
	scheduler.Run(ctx, jobs, func(ctx context.Context, job *Job) (interface{}, error) {
		span := job.Payload.(chunkSpan)
		for i := span.start; i < span.end; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i].Value, results[i].Err = runOne(ctx, items[i], exec)
			executed[i] = true
		}
		return nil, nil
	})

	c.mu.Lock()
	c.lastStats = scheduler.Stats()
	c.mu.Unlock()

	// A cancelled scheduler abandons queued chunks; their slots must not
	// read as successes.
	if err := ctx.Err(); err != nil {
		for i := range results {
			if !executed[i] {
				results[i] = Result[R]{Err: err}
			}
		}
	}

	return results
}

// LastSchedulerStats returns the stats snapshot from the most recent
// parallel run. Zero-valued before any parallel run.
func (c *Coordinator) LastSchedulerStats() SchedulerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStats
}

// runOne executes exec for a single item, converting a panic into an error
// so one malformed dependency file cannot take down the scan.
func runOne[T, R any](ctx context.Context, item T, exec func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec(ctx, item)
}

// chunkSpan is a half-open index range [start, end) into the input slice.
type chunkSpan struct {
	start int
	end   int
}

// chunkSpans partitions [0, total) into contiguous chunks of size size.
// Every index is covered exactly once; only the final chunk may be smaller
// than size.
func chunkSpans(total, size int) []chunkSpan {
	if size < 1 {
		size = 1
	}
	spans := make([]chunkSpan, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		spans = append(spans, chunkSpan{start: start, end: end})
	}
	return spans
}
