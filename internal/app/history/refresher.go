// Package history keeps each watchlist entry's 24h close series and baseline fresh.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/app/directory"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/lib/async"
)

const (
	DefaultIntervalMinutes = 5
	DefaultWindow          = 24 * time.Hour
	DefaultStaleAfter      = 30 * time.Minute
	DefaultMinInterval     = 2 * time.Minute
)

// OHLCFetcher loads candles for a query identifier.
type OHLCFetcher interface {
	OHLC(ctx context.Context, pair string, intervalMinutes int, since time.Time) ([]kraken.Candle, error)
}

// Resolver maps wire identifiers to query identifiers.
type Resolver interface {
	Resolve(ctx context.Context, wireID string) (directory.Mapping, error)
}

// Scheduler runs network tasks off the caller's goroutine. *async.Pool satisfies it.
type Scheduler interface {
	Submit(ctx context.Context, name string, fn async.Task) error
}

// StoreWriter runs a store job and waits for it. *watchlist.Writer satisfies it.
type StoreWriter interface {
	Do(ctx context.Context, name string, fn watchlist.Job) error
}

// Options configures a Refresher.
type Options struct {
	IntervalMinutes int
	Window          time.Duration
	StaleAfter      time.Duration
	MinInterval     time.Duration
	Now             func() time.Time
	Logger          observability.Logger
}

func (o Options) withDefaults() Options {
	if o.IntervalMinutes <= 0 {
		o.IntervalMinutes = DefaultIntervalMinutes
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MinInterval <= 0 {
		o.MinInterval = DefaultMinInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = observability.OrNop(o.Logger)
	return o
}

// Summary is the compacted form of one candle window.
type Summary struct {
	History  []watchlist.Point
	Baseline float64
	Current  float64
	Change   *float64
}

// Compact keeps only timestamp and close. Baseline is the first close and
// current the last; change is absent when the baseline is zero.
func Compact(candles []kraken.Candle) (Summary, bool) {
	if len(candles) == 0 {
		return Summary{}, false
	}
	points := make([]watchlist.Point, len(candles))
	for i, c := range candles {
		points[i] = watchlist.Point{Time: c.Time, Close: c.Close}
	}
	s := Summary{
		History:  points,
		Baseline: points[0].Close,
		Current:  points[len(points)-1].Close,
	}
	if s.Baseline != 0 {
		s.Change = watchlist.Float((s.Current - s.Baseline) / s.Baseline * 100)
	}
	return s, true
}

// Refresher fetches and stores history for watchlist entries.
type Refresher struct {
	opts     Options
	resolver Resolver
	ohlc     OHLCFetcher
	writer   StoreWriter
	pool     Scheduler

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRefresher wires a refresher. pool is only needed by Sweep.
func NewRefresher(resolver Resolver, ohlc OHLCFetcher, writer StoreWriter, pool Scheduler, opts Options) *Refresher {
	return &Refresher{
		opts:     opts.withDefaults(),
		resolver: resolver,
		ohlc:     ohlc,
		writer:   writer,
		pool:     pool,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Refresh fetches the candle window for symbol and writes history, baseline and
// change in one update. Any failure leaves the cached state untouched.
func (r *Refresher) Refresh(ctx context.Context, symbol string) error {
	mapping, err := r.resolver.Resolve(ctx, symbol)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", symbol, err)
	}
	now := r.opts.Now()
	candles, err := r.ohlc.OHLC(ctx, mapping.QueryID, r.opts.IntervalMinutes, now.Add(-r.opts.Window))
	if err != nil {
		return fmt.Errorf("ohlc %s: %w", symbol, err)
	}
	summary, ok := Compact(candles)
	if !ok {
		return errs.New("history", errs.CodeUpstream, errs.WithSymbol(symbol), errs.WithMessage("empty candle window"))
	}
	update := watchlist.HistoryUpdate{
		Symbol:   symbol,
		History:  summary.History,
		At:       now,
		Baseline: watchlist.Float(summary.Baseline),
		Change:   summary.Change,
	}
	return r.writer.Do(ctx, "history", func(ctx context.Context, store watchlist.Store) error {
		return store.UpdateHistory(ctx, update)
	})
}

// Due reports whether entry has no history or history older than StaleAfter.
func (r *Refresher) Due(entry watchlist.Entry, now time.Time) bool {
	if len(entry.History) == 0 || entry.HistoryUpdated.IsZero() {
		return true
	}
	return now.Sub(entry.HistoryUpdated) >= r.opts.StaleAfter
}

// Sweep schedules a refresh for every due entry that has not been attempted
// within MinInterval. It returns the number of refreshes scheduled.
func (r *Refresher) Sweep(ctx context.Context, entries []watchlist.Entry) int {
	now := r.opts.Now()
	r.prune(entries)
	scheduled := 0
	for _, entry := range entries {
		if !r.Due(entry, now) {
			continue
		}
		slot, ok := r.reserve(entry.Symbol, now)
		if !ok {
			continue
		}
		symbol := entry.Symbol
		err := r.pool.Submit(ctx, "history", func(taskCtx context.Context) error {
			if err := r.Refresh(taskCtx, symbol); err != nil {
				r.opts.Logger.Warn("history refresh abandoned", observability.F("symbol", symbol), observability.Err(err))
			}
			return nil
		})
		if err != nil {
			// Never attempted, so the symbol is not throttled.
			slot.CancelAt(now)
			r.opts.Logger.Debug("history refresh not scheduled", observability.F("symbol", symbol), observability.Err(err))
			continue
		}
		scheduled++
	}
	return scheduled
}

// reserve takes the symbol's attempt slot when one is free at now.
func (r *Refresher) reserve(symbol string, now time.Time) (*rate.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[symbol]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.opts.MinInterval), 1)
		r.limiters[symbol] = lim
	}
	slot := lim.ReserveN(now, 1)
	if !slot.OK() {
		return nil, false
	}
	if slot.DelayFrom(now) > 0 {
		slot.CancelAt(now)
		return nil, false
	}
	return slot, true
}

// prune forgets throttles for symbols that left the watchlist.
func (r *Refresher) prune(entries []watchlist.Entry) {
	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		keep[e.Symbol] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for symbol := range r.limiters {
		if _, ok := keep[symbol]; !ok {
			delete(r.limiters, symbol)
		}
	}
}
