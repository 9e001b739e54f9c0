// Package pricing merges live prices with cached baselines and persists them.
package pricing

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/infra/bus/tickbus"
	"github.com/coachpo/pricewatch/internal/observability"
)

// Submitter queues store jobs in order. *watchlist.Writer satisfies it.
type Submitter interface {
	Submit(ctx context.Context, name string, fn watchlist.Job) error
}

// Publisher receives tick events. *tickbus.MemoryBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt tickbus.TickEvent) error
}

// Options configures a Pipeline.
type Options struct {
	Now    func() time.Time
	Logger observability.Logger
}

// Pipeline applies accepted prices to the watchlist. Every price for a symbol
// goes through the same sequential writer, so ticks apply in receipt order.
//
// Tick events are published on the caller before the store job is queued, from
// an in-memory view of the tracked symbols and their baselines. The view is
// replaced by Track and refreshed by every applied price.
type Pipeline struct {
	writer Submitter
	bus    Publisher
	now    func() time.Time
	log    observability.Logger
	seq    atomic.Uint64

	mu      sync.RWMutex
	tracked map[string]quote
}

type quote struct {
	baseline *float64
	change   *float64
}

// New constructs a pipeline. bus may be nil.
func New(writer Submitter, bus Publisher, opts Options) *Pipeline {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		writer:  writer,
		bus:     bus,
		now:     now,
		log:     observability.OrNop(opts.Logger),
		tracked: make(map[string]quote),
	}
}

// Track replaces the set of symbols whose ticks are published.
func (p *Pipeline) Track(entries []watchlist.Entry) {
	next := make(map[string]quote, len(entries))
	for _, e := range entries {
		next[e.Symbol] = quote{baseline: e.Baseline, change: e.Change}
	}
	p.mu.Lock()
	p.tracked = next
	p.mu.Unlock()
}

// OnPrice publishes the tick when symbol is tracked and queues the store
// update. Untracked symbols are discarded on the writer; the returned error only
// reports rejected input or a closed writer.
func (p *Pipeline) OnPrice(ctx context.Context, symbol string, price float64) error {
	if err := watchlist.ValidateSymbol("pricing", symbol); err != nil {
		return err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return errs.New("pricing", errs.CodeInvalid, errs.WithSymbol(symbol), errs.WithMessage("price must be a finite non-negative number"))
	}
	seq := p.seq.Add(1)
	at := p.now()

	if q, ok := p.lookup(symbol); ok {
		p.publish(ctx, tickbus.TickEvent{
			Symbol:     symbol,
			Price:      price,
			Change:     ChangePercent(price, q.baseline, q.change),
			Seq:        seq,
			ReceivedAt: at,
		})
	}

	return p.writer.Submit(ctx, "price", func(ctx context.Context, store watchlist.Store) error {
		return p.apply(ctx, store, symbol, price, at)
	})
}

func (p *Pipeline) lookup(symbol string) (quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.tracked[symbol]
	return q, ok
}

func (p *Pipeline) apply(ctx context.Context, store watchlist.Store, symbol string, price float64, at time.Time) error {
	entry, ok, err := store.Get(ctx, symbol)
	if err != nil {
		return err
	}
	if !ok {
		p.mu.Lock()
		delete(p.tracked, symbol)
		p.mu.Unlock()
		return nil
	}
	change := ChangePercent(price, entry.Baseline, entry.Change)

	p.mu.Lock()
	p.tracked[symbol] = quote{baseline: entry.Baseline, change: change}
	p.mu.Unlock()

	return store.UpdatePrice(ctx, watchlist.PriceUpdate{
		Symbol: symbol,
		Price:  price,
		At:     at,
		Change: change,
	})
}

func (p *Pipeline) publish(ctx context.Context, evt tickbus.TickEvent) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, evt); err != nil {
		p.log.Debug("tick not published", observability.F("symbol", evt.Symbol), observability.Err(err))
	}
}

// ChangePercent returns the percent move of price against a non-zero baseline,
// or previous unchanged when no usable baseline exists.
func ChangePercent(price float64, baseline, previous *float64) *float64 {
	if baseline == nil || *baseline == 0 {
		if previous == nil {
			return nil
		}
		return watchlist.Float(*previous)
	}
	return watchlist.Float((price - *baseline) / *baseline * 100)
}
