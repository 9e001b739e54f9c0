// Package watchlisttest holds the behaviour every watchlist.Store backend must share.
package watchlisttest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) watchlist.Store

// SignalWait bounds how long a change signal may take to arrive.
var SignalWait = 2 * time.Second

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AddGetList", func(t *testing.T) { testAddGetList(t, newStore(t)) })
	t.Run("AddKeepsCachedFields", func(t *testing.T) { testAddKeepsCachedFields(t, newStore(t)) })
	t.Run("UpdatesIgnoreUnknownSymbols", func(t *testing.T) { testUnknownSymbols(t, newStore(t)) })
	t.Run("RejectsEmptyHistory", func(t *testing.T) { testRejectsEmptyHistory(t, newStore(t)) })
	t.Run("MembershipSignals", func(t *testing.T) { testMembershipSignals(t, newStore(t)) })
}

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAddGetList(t *testing.T, store watchlist.Store) {
	ctx := context.Background()
	e, err := store.Add(ctx, "XBT/USD", "BTC/USD")
	require.NoError(t, err)
	require.Equal(t, "XBT/USD", e.Symbol)
	require.Equal(t, "BTC/USD", e.DisplayName)
	require.Nil(t, e.LastPrice)
	require.Nil(t, e.History)

	_, err = store.Add(ctx, "ETH/USD", "ETH/USD")
	require.NoError(t, err)

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "ETH/USD", entries[0].Symbol)
	require.Equal(t, "XBT/USD", entries[1].Symbol)

	_, ok, err := store.Get(ctx, "SOL/USD")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err := store.Remove(ctx, "XBT/USD")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = store.Remove(ctx, "XBT/USD")
	require.NoError(t, err)
	require.False(t, removed)

	_, err = store.Add(ctx, "", "blank")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func testAddKeepsCachedFields(t *testing.T, store watchlist.Store) {
	ctx := context.Background()
	_, err := store.Add(ctx, "XBT/USD", "XBT/USD")
	require.NoError(t, err)
	history := []watchlist.Point{{Time: 1000, Close: 100}, {Time: 1300, Close: 99.5}}
	require.NoError(t, store.UpdateHistory(ctx, watchlist.HistoryUpdate{
		Symbol:   "XBT/USD",
		History:  history,
		At:       at,
		Baseline: watchlist.Float(100),
		Change:   watchlist.Float(-0.5),
	}))
	require.NoError(t, store.UpdatePrice(ctx, watchlist.PriceUpdate{
		Symbol: "XBT/USD",
		Price:  110,
		At:     at.Add(time.Minute),
		Change: watchlist.Float(10),
	}))

	e, err := store.Add(ctx, "XBT/USD", "BTC/USD")
	require.NoError(t, err)
	require.Equal(t, "BTC/USD", e.DisplayName)
	require.Equal(t, 110.0, *e.LastPrice)
	require.Equal(t, 10.0, *e.Change)
	require.Equal(t, 100.0, *e.Baseline)
	require.Equal(t, history, e.History)
	require.True(t, at.Equal(e.HistoryUpdated))
	require.True(t, at.Add(time.Minute).Equal(e.LastUpdated))
}

func testUnknownSymbols(t *testing.T, store watchlist.Store) {
	ctx := context.Background()
	require.NoError(t, store.UpdatePrice(ctx, watchlist.PriceUpdate{Symbol: "DOGE/USD", Price: 1, At: at}))
	require.NoError(t, store.UpdateHistory(ctx, watchlist.HistoryUpdate{
		Symbol:  "DOGE/USD",
		History: []watchlist.Point{{Time: 1, Close: 1}},
		At:      at,
	}))
	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func testRejectsEmptyHistory(t *testing.T, store watchlist.Store) {
	ctx := context.Background()
	_, err := store.Add(ctx, "XBT/USD", "BTC/USD")
	require.NoError(t, err)
	err = store.UpdateHistory(ctx, watchlist.HistoryUpdate{Symbol: "XBT/USD", At: at})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func testMembershipSignals(t *testing.T, store watchlist.Store) {
	ctx := context.Background()
	_, err := store.Add(ctx, "XBT/USD", "BTC/USD")
	require.NoError(t, err)
	requireSignal(t, store)

	require.NoError(t, store.UpdatePrice(ctx, watchlist.PriceUpdate{Symbol: "XBT/USD", Price: 1, At: at}))
	_, err = store.Add(ctx, "XBT/USD", "Bitcoin")
	require.NoError(t, err)
	requireQuiet(t, store)

	_, err = store.Remove(ctx, "XBT/USD")
	require.NoError(t, err)
	requireSignal(t, store)
}

func requireSignal(t *testing.T, store watchlist.Store) {
	t.Helper()
	select {
	case <-store.Changes():
	case <-time.After(SignalWait):
		t.Fatal("expected membership change signal")
	}
}

func requireQuiet(t *testing.T, store watchlist.Store) {
	t.Helper()
	select {
	case <-store.Changes():
		t.Fatal("unexpected change signal")
	case <-time.After(100 * time.Millisecond):
	}
}
