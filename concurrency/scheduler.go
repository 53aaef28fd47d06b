package concurrency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/depvet/depvet/log"
)

// WorkerState is the lifecycle state of one logical worker.
type WorkerState int32

const (
	// WorkerIdle means the worker found its queue and every steal target
	// empty.
	WorkerIdle WorkerState = iota
	// WorkerRunning means the worker is executing a job.
	WorkerRunning
	// WorkerStopped means the worker loop has exited.
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SchedulerStats is a read-only snapshot of one scheduler run.
type SchedulerStats struct {
	Workers    int           `json:"workers"`
	JobsRun    uint64        `json:"jobs_run"`
	JobsStolen uint64        `json:"jobs_stolen"`
	JobsFailed uint64        `json:"jobs_failed"`
	PerWorker  []WorkerStats `json:"per_worker"`
}

// WorkerStats counts one worker's share of a run.
type WorkerStats struct {
	ID     int    `json:"id"`
	Run    uint64 `json:"run"`
	Stolen uint64 `json:"stolen"`
	State  string `json:"state"`
}

// WorkStealingScheduler distributes jobs across per-worker deques and runs
// one goroutine per logical worker. An idle worker probes the other queues
// for work, starting just after its own index and rotating, so steal
// contention spreads instead of piling onto worker 0.
type WorkStealingScheduler struct {
	queues  []*WorkStealingQueue
	workers int

	states []atomic.Int32

	jobsRun    atomic.Uint64
	jobsStolen atomic.Uint64
	jobsFailed atomic.Uint64
	perRun     []atomic.Uint64
	perStolen  []atomic.Uint64
}

// NewWorkStealingScheduler creates a scheduler with the given worker count.
func NewWorkStealingScheduler(workers int) *WorkStealingScheduler {
	if workers < 1 {
		workers = 1
	}
	s := &WorkStealingScheduler{
		queues:    make([]*WorkStealingQueue, workers),
		workers:   workers,
		states:    make([]atomic.Int32, workers),
		perRun:    make([]atomic.Uint64, workers),
		perStolen: make([]atomic.Uint64, workers),
	}
	for i := range s.queues {
		s.queues[i] = NewWorkStealingQueue()
	}
	return s
}

// Push places a job on a specific worker's queue. Exposed for tests and for
// callers that pre-partition work themselves; Run distributes round-robin.
func (s *WorkStealingScheduler) Push(workerIdx int, job *Job) {
	s.queues[workerIdx%s.workers].Push(job)
}

// IsEmpty reports whether every queue is empty.
func (s *WorkStealingScheduler) IsEmpty() bool {
	for _, q := range s.queues {
		if !q.IsEmpty() {
			return false
		}
	}
	return true
}

// Size returns the total number of queued jobs.
func (s *WorkStealingScheduler) Size() int {
	total := 0
	for _, q := range s.queues {
		total += q.Size()
	}
	return total
}

// Run distributes jobs round-robin, starts the worker loops, and blocks
// until the batch drains: every queue empty and every worker done. Each job
// runs at most once; a failing or panicking executor is recorded as that
// job's result and the loop continues.
//
// Jobs are queued in ascending priority order so each owner pops its
// highest-priority job first; thieves take from the opposite end and get
// the lowest-priority work, which is the cheapest to move.
func (s *WorkStealingScheduler) Run(ctx context.Context, jobs []*Job, exec Executor) []JobResult {
	if len(jobs) == 0 {
		return nil
	}

	ordered := make([]*Job, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	for i, job := range ordered {
		s.queues[i%s.workers].Push(job)
	}

	results := make([]JobResult, 0, len(jobs))
	var resultsMu sync.Mutex

	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id, exec, &results, &resultsMu)
		}(w)
	}
	wg.Wait()

	return results
}

// workerLoop pops from the worker's own queue until empty, then probes the
// other queues in rotating order. Because executors never enqueue new jobs,
// a full unsuccessful probe cycle means the batch is drained for this
// worker and the loop exits.
func (s *WorkStealingScheduler) workerLoop(ctx context.Context, id int, exec Executor, results *[]JobResult, resultsMu *sync.Mutex) {
	defer s.states[id].Store(int32(WorkerStopped))

	own := s.queues[id]
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok := own.Pop()
		stolen := false
		if !ok {
			job, ok = s.stealFrom(id)
			stolen = ok
		}
		if !ok {
			s.states[id].Store(int32(WorkerIdle))
			return
		}

		s.states[id].Store(int32(WorkerRunning))
		result := s.execute(ctx, id, job, stolen, exec)

		resultsMu.Lock()
		*results = append(*results, result)
		resultsMu.Unlock()
	}
}

// stealFrom probes every other queue once, starting just after the thief's
// own index.
func (s *WorkStealingScheduler) stealFrom(thief int) (*Job, bool) {
	for i := 1; i < s.workers; i++ {
		victim := (thief + i) % s.workers
		if job, ok := s.queues[victim].Steal(); ok {
			s.jobsStolen.Add(1)
			s.perStolen[thief].Add(1)
			return job, true
		}
	}
	return nil, false
}

func (s *WorkStealingScheduler) execute(ctx context.Context, workerID int, job *Job, stolen bool, exec Executor) JobResult {
	start := time.Now()
	result := JobResult{
		JobID:    job.ID,
		WorkerID: workerID,
		Stolen:   stolen,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Err = fmt.Errorf("job %s panicked: %v", job.ID, r)
			}
		}()
		result.Value, result.Err = exec(ctx, job)
	}()

	result.Duration = time.Since(start)

	s.jobsRun.Add(1)
	s.perRun[workerID].Add(1)
	if result.Err != nil {
		s.jobsFailed.Add(1)
		log.DebugLog.Printf("job %s failed on worker %d: %v", job.ID, workerID, result.Err)
	}

	return result
}

// Stats returns a snapshot of the scheduler's counters.
func (s *WorkStealingScheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		Workers:    s.workers,
		JobsRun:    s.jobsRun.Load(),
		JobsStolen: s.jobsStolen.Load(),
		JobsFailed: s.jobsFailed.Load(),
		PerWorker:  make([]WorkerStats, s.workers),
	}
	for i := 0; i < s.workers; i++ {
		stats.PerWorker[i] = WorkerStats{
			ID:     i,
			Run:    s.perRun[i].Load(),
			Stolen: s.perStolen[i].Load(),
			State:  WorkerState(s.states[i].Load()).String(),
		}
	}
	return stats
}
