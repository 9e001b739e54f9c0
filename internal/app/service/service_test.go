package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/app/directory"
	"github.com/coachpo/pricewatch/internal/app/market"
	"github.com/coachpo/pricewatch/internal/app/stream"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/lib/async"
)

type fakeDirectory struct {
	mappings   map[string]directory.Mapping
	resolveErr error
	refreshes  int
	mu         sync.Mutex
}

func (d *fakeDirectory) Resolve(_ context.Context, wireID string) (directory.Mapping, error) {
	if d.resolveErr != nil {
		return directory.Mapping{}, d.resolveErr
	}
	m, ok := d.mappings[wireID]
	if !ok {
		return directory.Mapping{}, errs.New("directory", errs.CodeNotFound, errs.WithSymbol(wireID))
	}
	return m, nil
}

func (d *fakeDirectory) Markets(string) []directory.Mapping {
	out := make([]directory.Mapping, 0, len(d.mappings))
	for _, m := range d.mappings {
		out = append(out, m)
	}
	return out
}

func (d *fakeDirectory) Refresh(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes++
	return len(d.mappings), nil
}

type fakeSession struct {
	desired chan []string
}

func (s *fakeSession) SetDesired(symbols []string) error {
	s.desired <- append([]string(nil), symbols...)
	return nil
}

func (s *fakeSession) Snapshot(context.Context) (stream.SessionSnapshot, error) {
	return stream.SessionSnapshot{State: "open"}, nil
}

type fakeQuoter struct {
	price decimal.Decimal
	err   error
}

func (q fakeQuoter) LastTrade(context.Context, string) (decimal.Decimal, error) {
	return q.price, q.err
}

type priceCall struct {
	symbol string
	price  float64
}

type fakeSink struct {
	calls chan priceCall

	mu      sync.Mutex
	tracked [][]string
}

func (s *fakeSink) Track(entries []watchlist.Entry) {
	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}
	s.mu.Lock()
	s.tracked = append(s.tracked, symbols)
	s.mu.Unlock()
}

func (s *fakeSink) OnPrice(_ context.Context, symbol string, price float64) error {
	s.calls <- priceCall{symbol: symbol, price: price}
	return nil
}

type fakeSweeper struct {
	mu    sync.Mutex
	swept [][]string
}

func (f *fakeSweeper) Sweep(_ context.Context, entries []watchlist.Entry) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	symbols := make([]string, 0, len(entries))
	for _, e := range entries {
		symbols = append(symbols, e.Symbol)
	}
	f.swept = append(f.swept, symbols)
	return len(entries)
}

type fixture struct {
	svc     *Service
	store   *watchlist.MemoryStore
	dir     *fakeDirectory
	session *fakeSession
	sink    *fakeSink
	sweeper *fakeSweeper
}

func newFixture(t *testing.T, quoter Quoter) *fixture {
	t.Helper()
	store := watchlist.NewMemoryStore()
	writer := watchlist.NewWriter(store, 16, nil)
	t.Cleanup(func() { _ = writer.Close(context.Background()) })
	p, err := async.NewPool(2, 8)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	f := &fixture{
		store: store,
		dir: &fakeDirectory{mappings: map[string]directory.Mapping{
			"XBT/USD": {WireID: "XBT/USD", QueryID: "XBTUSD", Label: "BTC/USD", Base: "BTC", Quote: "USD"},
		}},
		session: &fakeSession{desired: make(chan []string, 8)},
		sink:    &fakeSink{calls: make(chan priceCall, 4)},
		sweeper: &fakeSweeper{},
	}
	f.svc = New(Deps{
		Store:     store,
		Writer:    writer,
		Directory: f.dir,
		Session:   f.session,
		Prices:    f.sink,
		Quoter:    quoter,
		History:   f.sweeper,
		Pool:      p,
	}, Options{})
	return f
}

func (f *fixture) nextDesired(t *testing.T) []string {
	t.Helper()
	select {
	case d := <-f.session.desired:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("desired set never applied")
		return nil
	}
}

func TestAddFavoriteStoresLabelAndSnapshotsPrice(t *testing.T) {
	f := newFixture(t, fakeQuoter{price: decimal.RequireFromString("50000.5")})

	e, err := f.svc.AddFavorite(context.Background(), " XBT/USD ")
	require.NoError(t, err)
	require.Equal(t, "XBT/USD", e.Symbol)
	require.Equal(t, "BTC/USD", e.DisplayName)

	select {
	case call := <-f.sink.calls:
		require.Equal(t, priceCall{symbol: "XBT/USD", price: 50000.5}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("price snapshot not delivered")
	}
}

func TestAddFavoriteRejectsUnknownPair(t *testing.T) {
	f := newFixture(t, fakeQuoter{})

	_, err := f.svc.AddFavorite(context.Background(), "FOO/BAR")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	_, ok, err := f.store.Get(context.Background(), "FOO/BAR")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.AddFavorite(context.Background(), "")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestAddFavoriteWithCatalogDownUsesWireID(t *testing.T) {
	f := newFixture(t, fakeQuoter{})
	f.dir.resolveErr = errs.New("kraken/rest", errs.CodeNetwork, errs.WithMessage("dial tcp: timeout"))

	e, err := f.svc.AddFavorite(context.Background(), "ETH/USD")
	require.NoError(t, err)
	require.Equal(t, "ETH/USD", e.DisplayName)
	require.Empty(t, f.sink.calls)
}

func TestRemoveFavorite(t *testing.T) {
	f := newFixture(t, fakeQuoter{err: errors.New("skip")})
	_, err := f.svc.AddFavorite(context.Background(), "XBT/USD")
	require.NoError(t, err)

	removed, err := f.svc.RemoveFavorite(context.Background(), "XBT/USD")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = f.svc.RemoveFavorite(context.Background(), "XBT/USD")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestRunAppliesDesiredOnMembershipChange(t *testing.T) {
	f := newFixture(t, fakeQuoter{err: errors.New("skip")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	require.Empty(t, f.nextDesired(t))

	_, err := f.store.Add(context.Background(), "XBT/USD", "BTC/USD")
	require.NoError(t, err)
	require.Equal(t, []string{"XBT/USD"}, f.nextDesired(t))

	_, err = f.store.Remove(context.Background(), "XBT/USD")
	require.NoError(t, err)
	require.Empty(t, f.nextDesired(t))

	cancel()
	require.NoError(t, <-done)

	f.sweeper.mu.Lock()
	require.Contains(t, f.sweeper.swept, []string{"XBT/USD"})
	f.sweeper.mu.Unlock()

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Contains(t, f.sink.tracked, []string{"XBT/USD"})
}

func TestSparkline(t *testing.T) {
	f := newFixture(t, fakeQuoter{})
	ctx := context.Background()
	_, err := f.store.Add(ctx, "XBT/USD", "BTC/USD")
	require.NoError(t, err)
	points := []watchlist.Point{{Time: 1, Close: 10}, {Time: 2, Close: 12}, {Time: 3, Close: 11}}
	require.NoError(t, f.store.UpdateHistory(ctx, watchlist.HistoryUpdate{Symbol: "XBT/USD", History: points, At: time.Now()}))

	spark, err := f.svc.Sparkline(ctx, "XBT/USD", 2)
	require.NoError(t, err)
	require.Len(t, spark.Points, 2)
	require.Equal(t, points[2], spark.Points[1])
	require.Equal(t, 10.0, spark.Min)
	require.Equal(t, 12.0, spark.Max)

	_, err = f.svc.Sparkline(ctx, "ETH/USD", 0)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestWarmLoadsCatalog(t *testing.T) {
	f := newFixture(t, fakeQuoter{})
	require.NoError(t, f.svc.Warm(context.Background()))
	require.Equal(t, 1, f.dir.refreshes)
}

func TestMarketSnapshotUnavailable(t *testing.T) {
	f := newFixture(t, fakeQuoter{})
	_, err := f.svc.MarketSnapshot()
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	var _ Market = (*market.Cache)(nil)
}
