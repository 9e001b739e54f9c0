// Package async provides the bounded worker pool that runs blocking network calls.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coachpo/pricewatch/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// ErrorHandler receives task failures and recovered panics.
type ErrorHandler func(name string, err error)

// Pool is a bounded worker pool that rejects work when saturated.
//
// Shutdown stops intake but lets queued and in-flight tasks finish; task contexts
// are detached from the pool lifetime so a slow REST call completes its write.
type Pool struct {
	jobs    chan job
	wg      sync.WaitGroup
	closed  atomic.Bool
	mu      sync.RWMutex
	once    sync.Once
	onError ErrorHandler
	workers sync.WaitGroup
}

type job struct {
	ctx  context.Context
	name string
	fn   Task
}

// Option customises a Pool.
type Option func(*Pool)

// WithErrorHandler installs a hook invoked for every failed task.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pool) {
		p.onError = h
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := new(Pool)
	p.jobs = make(chan job, queue)
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the named task without blocking. It fails when the queue is full.
func (p *Pool) Submit(ctx context.Context, name string, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: context.WithoutCancel(ctx), name: name, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"), errs.WithField("task", name))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed.Store(true)
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown waits for queued and in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.report(j.name, fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := j.fn(j.ctx); err != nil {
		p.report(j.name, err)
	}
}

func (p *Pool) report(name string, err error) {
	if p.onError != nil {
		p.onError(name, err)
	}
}
