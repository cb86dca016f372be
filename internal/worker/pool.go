// Package worker runs a batch of independent items with bounded concurrency.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/muaviaUsmani/sellerpilot/internal/errors"
	"github.com/muaviaUsmani/sellerpilot/internal/logger"
	"github.com/muaviaUsmani/sellerpilot/internal/metrics"
)

// DefaultConcurrency keeps in-flight marketplace calls in the low single digits
const DefaultConcurrency = 3

// Task processes item i of a batch
type Task func(ctx context.Context, i int)

// Batch reports what happened to a batch of n items
type Batch struct {
	// Started lists items whose task was invoked
	Started int
	// Deferred lists items not started before the deadline, in index order
	Deferred []int
	// Panicked lists items whose task panicked
	Panicked []int
}

// Pool runs batches with at most Concurrency tasks in flight
type Pool struct {
	concurrency int
	log         logger.Logger
	metrics     *metrics.Collector
	active      atomic.Int64
}

// NewPool creates a pool. concurrency below 1 uses DefaultConcurrency.
func NewPool(concurrency int, log logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pool{
		concurrency: concurrency,
		log:         log.WithComponent(logger.ComponentEngine),
		metrics:     metrics.Default(),
	}
}

// WithMetrics replaces the metrics collector
func (p *Pool) WithMetrics(m *metrics.Collector) *Pool {
	p.metrics = m
	return p
}

// Concurrency returns the in-flight bound
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Run invokes task for every index in [0, n) and waits for the started ones.
//
// The deadline is soft: an item not yet started when it passes (or when ctx
// is done) is deferred instead of started, while items already in flight run
// to completion. A zero deadline never defers. A panicking task is recovered
// and logged; it never takes the other items down.
func (p *Pool) Run(ctx context.Context, n int, deadline time.Time, task Task) Batch {
	var (
		batch Batch
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	items := make(chan int)
	workers := p.concurrency
	if n < workers {
		workers = n
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range items {
				if p.expired(ctx, deadline) {
					mu.Lock()
					batch.Deferred = append(batch.Deferred, i)
					mu.Unlock()
					continue
				}

				mu.Lock()
				batch.Started++
				mu.Unlock()

				if perr := p.runOne(ctx, workerID, i, task); perr != nil {
					mu.Lock()
					batch.Panicked = append(batch.Panicked, i)
					mu.Unlock()
				}
			}
		}(w + 1)
	}

	for i := 0; i < n; i++ {
		items <- i
	}
	close(items)
	wg.Wait()

	sort.Ints(batch.Deferred)
	sort.Ints(batch.Panicked)
	if len(batch.Deferred) > 0 {
		p.log.WarnContext(ctx, "Batch deadline passed, items deferred",
			"deferred", len(batch.Deferred),
			"started", batch.Started)
	}
	return batch
}

func (p *Pool) expired(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// runOne runs a single task, tracking utilization and recovering panics
func (p *Pool) runOne(ctx context.Context, workerID, i int, task Task) (perr *perrors.PanicError) {
	active := p.active.Add(1)
	p.metrics.RecordWorkerActivity(active, int64(p.concurrency))
	defer func() {
		active := p.active.Add(-1)
		p.metrics.RecordWorkerActivity(active, int64(p.concurrency))
	}()

	defer func() {
		if perr = perrors.Recover(recover()); perr != nil {
			p.log.ErrorContext(ctx, "Batch task panicked",
				"worker_id", fmt.Sprintf("worker-%d", workerID),
				"item", i,
				"panic_value", perr.Value,
				"stack_trace", perr.Stacktrace)
		}
	}()

	task(ctx, i)
	return nil
}
