package netpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/depvet/depvet/config"
	"github.com/depvet/depvet/log"
)

// RequestFunc performs one outbound call. It runs when the batch containing
// it flushes, which may be after the submitting goroutine started waiting.
type RequestFunc func(ctx context.Context) (interface{}, error)

type outcome struct {
	value interface{}
	err   error
}

// pendingRequest is one queued call plus the promise its submitter waits on.
type pendingRequest struct {
	id       string
	priority int
	ctx      context.Context
	fn       RequestFunc
	done     chan outcome // buffered; the flusher never blocks on delivery
}

// openBatch collects requests for one (domain, priority) key until it is
// flushed by size, by timer, or explicitly.
type openBatch struct {
	key       string
	requests  []*pendingRequest
	createdAt time.Time
	timer     *time.Timer
}

// BatcherStats is the read-only snapshot exposed to the diagnostics layer.
type BatcherStats struct {
	OpenBatches  int    `json:"open_batches"`
	Requests     uint64 `json:"requests"`
	Failures     uint64 `json:"failures"`
	Flushes      uint64 `json:"flushes"`
	SizeFlushes  uint64 `json:"size_flushes"`
	TimerFlushes uint64 `json:"timer_flushes"`
}

// RequestBatcher coalesces small outbound calls into time- or size-bounded
// batches keyed by (domain, priority). Registry endpoints rate-limit by
// origin, so dispatching lookups in bounded windows keeps the scanner under
// the limit without serializing everything.
type RequestBatcher struct {
	cfg config.BatchingConfig

	mu      sync.Mutex
	batches map[string]*openBatch

	wg sync.WaitGroup // in-flight request executions

	requests     atomic.Uint64
	failures     atomic.Uint64
	flushes      atomic.Uint64
	sizeFlushes  atomic.Uint64
	timerFlushes atomic.Uint64
}

// NewRequestBatcher creates a batcher. When cfg.Enabled is false every
// request executes immediately on the submitting goroutine.
func NewRequestBatcher(cfg config.BatchingConfig) *RequestBatcher {
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 10
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = 150 * time.Millisecond
	}
	return &RequestBatcher{
		cfg:     cfg,
		batches: make(map[string]*openBatch),
	}
}

// AddRequest queues fn into the open batch for rawURL's (domain, priority)
// key and blocks until the request executes or ctx is cancelled. One
// request's failure rejects only that request's promise, never its
// siblings'.
func (b *RequestBatcher) AddRequest(ctx context.Context, rawURL string, priority int, fn RequestFunc) (interface{}, error) {
	b.requests.Add(1)

	if !b.cfg.Enabled {
		value, err := runRequest(ctx, fn)
		if err != nil {
			b.failures.Add(1)
		}
		return value, err
	}

	domain, err := domainOf(rawURL)
	if err != nil {
		b.failures.Add(1)
		return nil, err
	}
	key := fmt.Sprintf("%s|p%d", domain, priority)

	req := &pendingRequest{
		id:       uuid.NewString(),
		priority: priority,
		ctx:      ctx,
		fn:       fn,
		done:     make(chan outcome, 1),
	}

	b.mu.Lock()
	batch, ok := b.batches[key]
	if !ok {
		batch = &openBatch{key: key, createdAt: time.Now()}
		b.batches[key] = batch
	}
	batch.requests = append(batch.requests, req)

	if len(batch.requests) >= b.cfg.MaxBatchSize {
		b.detachLocked(batch)
		b.sizeFlushes.Add(1)
		b.mu.Unlock()
		b.runBatch(batch)
	} else {
		// Replace the prior flush timer so the window is measured from
		// the newest request.
		if batch.timer != nil {
			batch.timer.Stop()
		}
		batch.timer = time.AfterFunc(b.cfg.MaxWaitTime, func() { b.flushKey(key) })
		b.mu.Unlock()
	}

	select {
	case out := <-req.done:
		return out.value, out.err
	case <-ctx.Done():
		// The request may still execute; its promise is simply abandoned.
		return nil, ctx.Err()
	}
}

// Flush synchronously force-flushes every open batch and waits for every
// in-flight request to finish. Called at shutdown so no promise is left
// dangling.
func (b *RequestBatcher) Flush() {
	for {
		b.mu.Lock()
		if len(b.batches) == 0 {
			b.mu.Unlock()
			break
		}
		var detached []*openBatch
		for _, batch := range b.batches {
			detached = append(detached, batch)
		}
		b.batches = make(map[string]*openBatch)
		for _, batch := range detached {
			if batch.timer != nil {
				batch.timer.Stop()
			}
		}
		b.mu.Unlock()

		for _, batch := range detached {
			b.runAllWaves(batch)
		}
	}
	b.wg.Wait()
}

// GetStats returns a snapshot of batcher counters.
func (b *RequestBatcher) GetStats() BatcherStats {
	b.mu.Lock()
	open := len(b.batches)
	b.mu.Unlock()

	return BatcherStats{
		OpenBatches:  open,
		Requests:     b.requests.Load(),
		Failures:     b.failures.Load(),
		Flushes:      b.flushes.Load(),
		SizeFlushes:  b.sizeFlushes.Load(),
		TimerFlushes: b.timerFlushes.Load(),
	}
}

// flushKey handles a timer firing for key. The batch may already have been
// flushed by size; flushing whatever batch currently holds the key is
// correct either way.
func (b *RequestBatcher) flushKey(key string) {
	b.mu.Lock()
	batch, ok := b.batches[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.detachLocked(batch)
	b.timerFlushes.Add(1)
	b.mu.Unlock()

	b.runBatch(batch)
}

// detachLocked removes the batch from the open map and cancels its timer.
// Must be called with b.mu held.
func (b *RequestBatcher) detachLocked(batch *openBatch) {
	delete(b.batches, batch.key)
	if batch.timer != nil {
		batch.timer.Stop()
	}
}

// runBatch executes up to MaxBatchSize requests concurrently, highest
// priority first, and requeues any remainder as a fresh batch for the same
// key with arrival order preserved.
func (b *RequestBatcher) runBatch(batch *openBatch) {
	b.flushes.Add(1)

	reqs := batch.requests
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].priority > reqs[j].priority
	})

	head := reqs
	var remainder []*pendingRequest
	if len(reqs) > b.cfg.MaxBatchSize {
		head = reqs[:b.cfg.MaxBatchSize]
		remainder = reqs[b.cfg.MaxBatchSize:]
	}

	for _, req := range head {
		b.wg.Add(1)
		go func(r *pendingRequest) {
			defer b.wg.Done()
			b.execute(r)
		}(req)
	}

	if len(remainder) > 0 {
		b.requeue(batch.key, remainder)
	}
}

// runAllWaves executes every request in the batch in priority order, in
// waves of MaxBatchSize, waiting for each wave. Used only by the explicit
// Flush path, where requeueing on a timer would defeat the point.
func (b *RequestBatcher) runAllWaves(batch *openBatch) {
	b.flushes.Add(1)

	reqs := batch.requests
	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].priority > reqs[j].priority
	})

	for start := 0; start < len(reqs); start += b.cfg.MaxBatchSize {
		end := start + b.cfg.MaxBatchSize
		if end > len(reqs) {
			end = len(reqs)
		}

		var wave sync.WaitGroup
		for _, req := range reqs[start:end] {
			wave.Add(1)
			go func(r *pendingRequest) {
				defer wave.Done()
				b.execute(r)
			}(req)
		}
		wave.Wait()
	}
}

// requeue opens a new batch for key holding the overflow requests and
// schedules its flush window. If new requests arrived for the key in the
// meantime, the overflow goes in front of them to preserve arrival order.
func (b *RequestBatcher) requeue(key string, remainder []*pendingRequest) {
	b.mu.Lock()

	batch, ok := b.batches[key]
	if !ok {
		batch = &openBatch{key: key, createdAt: time.Now()}
		b.batches[key] = batch
		batch.requests = remainder
	} else {
		batch.requests = append(append([]*pendingRequest{}, remainder...), batch.requests...)
	}

	if len(batch.requests) >= b.cfg.MaxBatchSize {
		b.detachLocked(batch)
		b.sizeFlushes.Add(1)
		b.mu.Unlock()
		b.runBatch(batch)
		return
	}

	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.timer = time.AfterFunc(b.cfg.MaxWaitTime, func() { b.flushKey(key) })
	b.mu.Unlock()
}

func (b *RequestBatcher) execute(req *pendingRequest) {
	value, err := runRequest(req.ctx, req.fn)
	if err != nil {
		b.failures.Add(1)
		log.DebugLog.Printf("batched request %s failed: %v", req.id, err)
	}
	req.done <- outcome{value: value, err: err}
}

// runRequest invokes fn with panic isolation so one misbehaving lookup
// cannot take down the batch worker.
func runRequest(ctx context.Context, fn RequestFunc) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request panicked: %v", r)
		}
	}()
	return fn(ctx)
}
