// Package service composes the engine components into the operations the API
// exposes and drives the watchlist → subscription loop.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/app/directory"
	"github.com/coachpo/pricewatch/internal/app/history"
	"github.com/coachpo/pricewatch/internal/app/market"
	"github.com/coachpo/pricewatch/internal/app/stream"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/lib/async"
)

const (
	DefaultSweepInterval  = time.Minute
	DefaultCatalogRefresh = 30 * time.Minute
	DefaultMarketRefresh  = 5 * time.Minute
)

// Directory resolves and lists catalog pairs. *directory.Directory satisfies it.
type Directory interface {
	Resolve(ctx context.Context, wireID string) (directory.Mapping, error)
	Markets(query string) []directory.Mapping
	Refresh(ctx context.Context) (int, error)
}

// Session receives the desired symbol set. *stream.Session satisfies it.
type Session interface {
	SetDesired(symbols []string) error
	Snapshot(ctx context.Context) (stream.SessionSnapshot, error)
}

// Writer runs store jobs on the sequential writer. *watchlist.Writer satisfies it.
type Writer interface {
	Do(ctx context.Context, name string, fn watchlist.Job) error
}

// PriceSink accepts prices. *pricing.Pipeline satisfies it.
type PriceSink interface {
	OnPrice(ctx context.Context, symbol string, price float64) error
	Track(entries []watchlist.Entry)
}

// Quoter fetches a last-trade snapshot. *kraken.Client satisfies it.
type Quoter interface {
	LastTrade(ctx context.Context, pair string) (decimal.Decimal, error)
}

// Sweeper schedules stale history refreshes. *history.Refresher satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context, entries []watchlist.Entry) int
}

// Market serves the global market snapshot. *market.Cache satisfies it.
type Market interface {
	Refresh(ctx context.Context) error
	Schedule(ctx context.Context) error
	Latest() (market.Snapshot, bool)
}

// Scheduler runs network tasks. *async.Pool satisfies it.
type Scheduler interface {
	Submit(ctx context.Context, name string, fn async.Task) error
}

// Deps are the components a Service drives. Market may be nil.
type Deps struct {
	Store     watchlist.Store
	Writer    Writer
	Directory Directory
	Session   Session
	Prices    PriceSink
	Quoter    Quoter
	History   Sweeper
	Market    Market
	Pool      Scheduler
}

// Options tunes the background loop.
type Options struct {
	SweepInterval  time.Duration
	CatalogRefresh time.Duration
	MarketRefresh  time.Duration
	Logger         observability.Logger
}

// Service is the application facade over the engine.
type Service struct {
	Deps
	opts Options
	log  observability.Logger
}

// New constructs a Service.
func New(deps Deps, opts Options) *Service {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.CatalogRefresh <= 0 {
		opts.CatalogRefresh = DefaultCatalogRefresh
	}
	if opts.MarketRefresh <= 0 {
		opts.MarketRefresh = DefaultMarketRefresh
	}
	return &Service{Deps: deps, opts: opts, log: observability.OrNop(opts.Logger)}
}

// Warm loads the catalog and the market snapshot concurrently. Failures are
// returned joined; the service keeps working with whatever loaded.
func (s *Service) Warm(ctx context.Context) error {
	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		n, err := s.Directory.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("warm catalog: %w", err)
		}
		s.log.Info("catalog loaded", observability.F("pairs", n))
		return nil
	})
	if s.Market != nil {
		p.Go(func(ctx context.Context) error {
			if err := s.Market.Refresh(ctx); err != nil {
				return fmt.Errorf("warm market snapshot: %w", err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Run reconciles the session with the watchlist until ctx is cancelled. Every
// membership change recomputes the desired set and sweeps stale history.
func (s *Service) Run(ctx context.Context) error {
	s.sync(ctx)

	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()
	catalog := time.NewTicker(s.opts.CatalogRefresh)
	defer catalog.Stop()
	marketTick := time.NewTicker(s.opts.MarketRefresh)
	defer marketTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Store.Changes():
			s.sync(ctx)
		case <-sweep.C:
			if entries, err := s.Store.List(ctx); err == nil {
				s.Prices.Track(entries)
				s.History.Sweep(ctx, entries)
			} else {
				s.log.Warn("history sweep list failed", observability.Err(err))
			}
		case <-catalog.C:
			s.scheduleCatalog(ctx)
		case <-marketTick.C:
			if s.Market != nil {
				if err := s.Market.Schedule(ctx); err != nil {
					s.log.Warn("market refresh not scheduled", observability.Err(err))
				}
			}
		}
	}
}

func (s *Service) sync(ctx context.Context) {
	entries, err := s.Store.List(ctx)
	if err != nil {
		s.log.Warn("watchlist list failed", observability.Err(err))
		return
	}
	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}
	s.Prices.Track(entries)
	if err := s.Session.SetDesired(symbols); err != nil {
		s.log.Warn("desired set not applied", observability.Err(err))
	}
	s.History.Sweep(ctx, entries)
}

func (s *Service) scheduleCatalog(ctx context.Context) {
	err := s.Pool.Submit(ctx, "catalog", func(taskCtx context.Context) error {
		_, err := s.Directory.Refresh(taskCtx)
		return err
	})
	if err != nil {
		s.log.Warn("catalog refresh not scheduled", observability.Err(err))
	}
}

// AddFavorite tracks symbol. Unknown catalog pairs are rejected. When the
// catalog itself is unreachable the wire id is stored as its own label. A
// one-shot price snapshot is queued so the entry shows a price before the
// first tick.
func (s *Service) AddFavorite(ctx context.Context, symbol string) (watchlist.Entry, error) {
	symbol = strings.TrimSpace(symbol)
	if err := watchlist.ValidateSymbol("service", symbol); err != nil {
		return watchlist.Entry{}, err
	}
	mapping, err := s.Directory.Resolve(ctx, symbol)
	switch {
	case errs.Is(err, errs.CodeNotFound):
		return watchlist.Entry{}, err
	case err != nil:
		s.log.Warn("catalog unavailable, adding without label", observability.F("symbol", symbol), observability.Err(err))
		mapping = directory.Mapping{WireID: symbol, Label: symbol}
	}

	var entry watchlist.Entry
	err = s.Writer.Do(ctx, "add", func(ctx context.Context, store watchlist.Store) error {
		e, err := store.Add(ctx, symbol, mapping.Label)
		entry = e
		return err
	})
	if err != nil {
		return watchlist.Entry{}, err
	}
	if mapping.QueryID != "" {
		s.scheduleSnapshot(ctx, symbol, mapping.QueryID)
	}
	return entry, nil
}

func (s *Service) scheduleSnapshot(ctx context.Context, symbol, queryID string) {
	err := s.Pool.Submit(ctx, "snapshot", func(taskCtx context.Context) error {
		price, err := s.Quoter.LastTrade(taskCtx, queryID)
		if err != nil {
			return fmt.Errorf("price snapshot %s: %w", symbol, err)
		}
		return s.Prices.OnPrice(taskCtx, symbol, price.InexactFloat64())
	})
	if err != nil {
		s.log.Warn("price snapshot not scheduled", observability.F("symbol", symbol), observability.Err(err))
	}
}

// RemoveFavorite stops tracking symbol and reports whether it was tracked.
func (s *Service) RemoveFavorite(ctx context.Context, symbol string) (bool, error) {
	symbol = strings.TrimSpace(symbol)
	if err := watchlist.ValidateSymbol("service", symbol); err != nil {
		return false, err
	}
	var removed bool
	err := s.Writer.Do(ctx, "remove", func(ctx context.Context, store watchlist.Store) error {
		ok, err := store.Remove(ctx, symbol)
		removed = ok
		return err
	})
	return removed, err
}

// Favorites lists tracked entries ordered by symbol.
func (s *Service) Favorites(ctx context.Context) ([]watchlist.Entry, error) {
	return s.Store.List(ctx)
}

// Sparkline downsamples the cached history for symbol to at most points values.
func (s *Service) Sparkline(ctx context.Context, symbol string, points int) (history.Sparkline, error) {
	if points <= 0 {
		points = history.DefaultSparklinePoints
	}
	e, ok, err := s.Store.Get(ctx, strings.TrimSpace(symbol))
	if err != nil {
		return history.Sparkline{}, err
	}
	if !ok {
		return history.Sparkline{}, errs.New("service", errs.CodeNotFound, errs.WithSymbol(symbol), errs.WithMessage("symbol not tracked"))
	}
	return history.Downsample(e.History, points), nil
}

// Markets lists catalog pairs matching query.
func (s *Service) Markets(query string) []directory.Mapping {
	return s.Directory.Markets(query)
}

// SessionSnapshot reports the connection state and subscription sets.
func (s *Service) SessionSnapshot(ctx context.Context) (stream.SessionSnapshot, error) {
	return s.Session.Snapshot(ctx)
}

// MarketSnapshot returns the last good market snapshot.
func (s *Service) MarketSnapshot() (market.Snapshot, error) {
	if s.Market == nil {
		return market.Snapshot{}, errs.New("service", errs.CodeUnavailable, errs.WithMessage("market snapshot disabled"))
	}
	snap, ok := s.Market.Latest()
	if !ok {
		return market.Snapshot{}, errs.New("service", errs.CodeUnavailable, errs.WithMessage("market snapshot not loaded yet"))
	}
	return snap, nil
}
