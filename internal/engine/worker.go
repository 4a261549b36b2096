package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of the pool's operational counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

type task struct {
	ctx context.Context
	fn  func(ctx context.Context) error
}

// WorkerPool runs ready frontier nodes on a fixed set of worker goroutines.
// Submit hands a task to an idle worker and blocks while all workers are
// busy, so a wave never outruns the configured concurrency.
type WorkerPool struct {
	tasks    chan task
	quit     chan struct{}
	stop     sync.Once
	workers  sync.WaitGroup
	inflight sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool starts a pool with the given number of workers.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	p := &WorkerPool{
		tasks: make(chan task),
		quit:  make(chan struct{}),
	}
	p.workers.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.workers.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			p.run(t)
		}
	}
}

func (p *WorkerPool) run(t task) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		p.inflight.Done()
	}()

	if err := t.fn(t.ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Submit hands work to the pool. It blocks until a worker is free,
// respecting context cancellation, and returns ErrPoolShutdown once
// Shutdown has been called.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.quit:
		return ErrPoolShutdown
	default:
	}

	p.inflight.Add(1)
	select {
	case p.tasks <- task{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return ctx.Err()
	case <-p.quit:
		p.inflight.Done()
		return ErrPoolShutdown
	}
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.inflight.Wait()
}

// Shutdown prevents new submissions and waits for the workers to drain.
func (p *WorkerPool) Shutdown() {
	p.stop.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

// Metrics returns a snapshot of the current pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
