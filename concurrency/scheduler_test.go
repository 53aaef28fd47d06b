package concurrency

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/depvet/depvet/log"
)

func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

func makeJobs(n int) []*Job {
	jobs := make([]*Job, n)
	for i := range jobs {
		jobs[i] = &Job{ID: fmt.Sprintf("job-%d", i), Payload: i}
	}
	return jobs
}

func TestScheduler_RunsEveryJobExactlyOnce(t *testing.T) {
	const n = 200
	s := NewWorkStealingScheduler(4)

	var mu sync.Mutex
	executed := make(map[string]int, n)

	results := s.Run(context.Background(), makeJobs(n), func(_ context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		executed[job.ID]++
		mu.Unlock()
		return job.Payload, nil
	})

	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	if len(executed) != n {
		t.Fatalf("executed %d distinct jobs, want %d", len(executed), n)
	}
	for id, count := range executed {
		if count != 1 {
			t.Errorf("job %s executed %d times", id, count)
		}
	}

	stats := s.Stats()
	if stats.JobsRun != n {
		t.Errorf("JobsRun = %d, want %d", stats.JobsRun, n)
	}
	if stats.JobsFailed != 0 {
		t.Errorf("JobsFailed = %d, want 0", stats.JobsFailed)
	}
}

func TestScheduler_IdleWorkerSteals(t *testing.T) {
	// Two workers, ten jobs. Round-robin gives each worker five; the even
	// jobs are slow, so the worker that drains its fast jobs first must
	// steal from the loaded queue.
	s := NewWorkStealingScheduler(2)

	jobs := makeJobs(10)
	results := s.Run(context.Background(), jobs, func(_ context.Context, job *Job) (interface{}, error) {
		if job.Payload.(int)%2 == 0 {
			time.Sleep(30 * time.Millisecond)
		}
		return nil, nil
	})

	if len(results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(results), len(jobs))
	}

	stats := s.Stats()
	if stats.JobsStolen == 0 {
		t.Error("expected at least one steal with skewed load")
	}
	var perWorkerStolen uint64
	for _, w := range stats.PerWorker {
		perWorkerStolen += w.Stolen
	}
	if perWorkerStolen != stats.JobsStolen {
		t.Errorf("per-worker stolen sum %d != total %d", perWorkerStolen, stats.JobsStolen)
	}
}

func TestScheduler_HighPriorityRunsFirst(t *testing.T) {
	s := NewWorkStealingScheduler(1)

	jobs := []*Job{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 10},
		{ID: "mid", Priority: 5},
	}

	var order []string
	s.Run(context.Background(), jobs, func(_ context.Context, job *Job) (interface{}, error) {
		order = append(order, job.ID)
		return nil, nil
	})

	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("execution order %v, want %v", order, want)
		}
	}
}

func TestScheduler_FailureDoesNotStopBatch(t *testing.T) {
	const n = 50
	s := NewWorkStealingScheduler(4)
	failErr := errors.New("lookup failed")

	results := s.Run(context.Background(), makeJobs(n), func(_ context.Context, job *Job) (interface{}, error) {
		if job.ID == "job-7" {
			return nil, failErr
		}
		return "ok", nil
	})

	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			if r.JobID != "job-7" {
				t.Errorf("unexpected failure for %s: %v", r.JobID, r.Err)
			}
			if !errors.Is(r.Err, failErr) {
				t.Errorf("error not preserved: %v", r.Err)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if stats := s.Stats(); stats.JobsFailed != 1 {
		t.Errorf("JobsFailed = %d, want 1", stats.JobsFailed)
	}
}

func TestScheduler_PanicBecomesJobError(t *testing.T) {
	s := NewWorkStealingScheduler(2)

	results := s.Run(context.Background(), makeJobs(20), func(_ context.Context, job *Job) (interface{}, error) {
		if job.ID == "job-3" {
			panic("malformed manifest")
		}
		return nil, nil
	})

	if len(results) != 20 {
		t.Fatalf("got %d results, want 20", len(results))
	}
	for _, r := range results {
		if r.JobID == "job-3" {
			if r.Err == nil {
				t.Fatal("panicking job should carry an error")
			}
		} else if r.Err != nil {
			t.Errorf("job %s: unexpected error %v", r.JobID, r.Err)
		}
	}
}

func TestScheduler_CancelledContextStopsWorkers(t *testing.T) {
	s := NewWorkStealingScheduler(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := s.Run(ctx, makeJobs(100), func(_ context.Context, _ *Job) (interface{}, error) {
		return nil, nil
	})

	if len(results) != 0 {
		t.Errorf("cancelled run executed %d jobs, want 0", len(results))
	}
}

func TestScheduler_EmptyBatch(t *testing.T) {
	s := NewWorkStealingScheduler(2)
	if results := s.Run(context.Background(), nil, nil); results != nil {
		t.Errorf("empty batch returned %v", results)
	}
	if !s.IsEmpty() {
		t.Error("scheduler should be empty")
	}
}
