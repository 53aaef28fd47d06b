// Package concurrency implements the scan-scheduling core: a work-stealing
// scheduler over per-worker deques, a resource monitor that sizes the worker
// set, and a coordinator that fans a job list out and merges results back in
// input order.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Job is one unit of scan work: a file analysis, a package lookup, or a
// chunk of either. Jobs are immutable once enqueued and executed at most
// once; a stolen job moves between queues, it is never duplicated.
type Job struct {
	// ID uniquely identifies the job for failure reporting.
	ID string
	// Priority orders initial distribution (higher runs earlier).
	Priority int
	// Payload is the opaque input handed to the executor.
	Payload interface{}
}

// Executor runs a single job. It may block on network or cache I/O; a
// returned error (or panic, which the scheduler converts to an error) is
// recorded against the job's ID and never stops the worker loop.
type Executor func(ctx context.Context, job *Job) (interface{}, error)

// JobResult is the outcome of one job execution.
type JobResult struct {
	JobID    string
	Value    interface{}
	Err      error
	WorkerID int
	Stolen   bool
	Duration time.Duration
}

// WorkStealingQueue is a double-ended job queue owned by one worker. The
// owner pushes and pops at the tail (LIFO, keeps hot data local); thieves
// take from the head (FIFO, oldest work first, minimizes re-steals). A
// single mutex guards both ends, so Pop and Steal are mutually exclusive
// and a job can never be observed by two workers.
type WorkStealingQueue struct {
	mu   sync.Mutex
	jobs []*Job
}

// NewWorkStealingQueue returns an empty queue.
func NewWorkStealingQueue() *WorkStealingQueue {
	return &WorkStealingQueue{}
}

// Push appends a job at the owner's end.
func (q *WorkStealingQueue) Push(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

// Pop removes and returns the most recently pushed job. Owner-only.
func (q *WorkStealingQueue) Pop() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.jobs)
	if n == 0 {
		return nil, false
	}
	job := q.jobs[n-1]
	q.jobs[n-1] = nil
	q.jobs = q.jobs[:n-1]
	return job, true
}

// Steal removes and returns the oldest job. Any worker may call it on any
// other worker's queue.
func (q *WorkStealingQueue) Steal() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil, false
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job, true
}

// Size returns the current queue length.
func (q *WorkStealingQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// IsEmpty reports whether the queue holds no jobs.
func (q *WorkStealingQueue) IsEmpty() bool {
	return q.Size() == 0
}
