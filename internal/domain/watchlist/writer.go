package watchlist

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/internal/telemetry"
)

// Job is a unit of store work executed on the writer goroutine.
type Job func(ctx context.Context, store Store) error

// DefaultWriterQueue bounds the number of queued jobs.
const DefaultWriterQueue = 1024

// Writer executes store jobs one at a time in submission order, so a
// read-modify-write inside a job never interleaves with another write.
type Writer struct {
	store  Store
	log    observability.Logger
	jobs   chan writerJob
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once

	writes metric.Int64Counter
}

type writerJob struct {
	ctx    context.Context
	name   string
	fn     Job
	result chan error
}

// NewWriter starts the writer goroutine.
func NewWriter(store Store, queue int, logger observability.Logger) *Writer {
	if queue <= 0 {
		queue = DefaultWriterQueue
	}
	w := &Writer{
		store: store,
		log:   observability.OrNop(logger),
		jobs:  make(chan writerJob, queue),
		done:  make(chan struct{}),
	}
	meter := otel.Meter("watchlist.writer")
	w.writes, _ = meter.Int64Counter("pricewatch.store.writes",
		metric.WithDescription("Watchlist store jobs executed by the sequential writer"),
		metric.WithUnit("{write}"))
	go w.loop()
	return w
}

// Submit enqueues a job without waiting for it to run. It blocks only while the
// queue is full.
func (w *Writer) Submit(ctx context.Context, name string, fn Job) error {
	return w.enqueue(ctx, writerJob{ctx: context.WithoutCancel(ctx), name: name, fn: fn})
}

// Do enqueues a job and waits for its result.
func (w *Writer) Do(ctx context.Context, name string, fn Job) error {
	result := make(chan error, 1)
	if err := w.enqueue(ctx, writerJob{ctx: ctx, name: name, fn: fn, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("writer %s: %w", name, ctx.Err())
	}
}

func (w *Writer) enqueue(ctx context.Context, j writerJob) error {
	if j.fn == nil {
		return errs.New("watchlist/writer", errs.CodeInvalid, errs.WithMessage("job must not be nil"))
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return errs.New("watchlist/writer", errs.CodeUnavailable, errs.WithMessage("writer closed"))
	}
	select {
	case w.jobs <- j:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("writer %s: %w", j.name, ctx.Err())
	}
}

// Close stops intake and waits for queued jobs to drain or ctx to expire.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.jobs)
		w.mu.Unlock()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("writer drain: %w", ctx.Err())
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for j := range w.jobs {
		err := w.run(j)
		if j.result != nil {
			j.result <- err
			continue
		}
		if err != nil {
			w.log.Warn("watchlist write failed", observability.F("job", j.name), observability.Err(err))
		}
	}
}

func (w *Writer) run(j writerJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("writer job %s panic: %v", j.name, r)
		}
		result := telemetry.ResultOK
		if err != nil {
			result = telemetry.ResultError
		}
		if w.writes != nil {
			w.writes.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("job", j.name),
				telemetry.AttrResult.String(result),
			))
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return fmt.Errorf("writer %s: %w", j.name, err)
	}
	return j.fn(j.ctx, w.store)
}
