package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
)

type fakeCatalog struct {
	mu    sync.Mutex
	pairs []kraken.AssetPair
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *fakeCatalog) AssetPairs(ctx context.Context) ([]kraken.AssetPair, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]kraken.AssetPair(nil), f.pairs...), nil
}

func (f *fakeCatalog) set(pairs []kraken.AssetPair, err error) {
	f.mu.Lock()
	f.pairs = pairs
	f.err = err
	f.mu.Unlock()
}

var samplePairs = []kraken.AssetPair{
	{Key: "XXBTZUSD", AltName: "XBTUSD", WSName: "XBT/USD", Base: "XXBT", Quote: "ZUSD"},
	{Key: "XETHZUSD", AltName: "ETHUSD", WSName: "ETH/USD", Base: "XETH", Quote: "ZUSD"},
	{Key: "XDGEUR", AltName: "XDGEUR", WSName: "XDG/EUR", Base: "XXDG", Quote: "ZEUR"},
	{Key: "XETHXXBT", AltName: "ETHXBT", WSName: "ETH/XBT", Base: "XETH", Quote: "XXBT"},
}

func TestResolveRefreshesOnceOnMiss(t *testing.T) {
	catalog := &fakeCatalog{pairs: samplePairs}
	dir := New(catalog, Options{})

	m, err := dir.Resolve(context.Background(), "XBT/USD")
	require.NoError(t, err)
	require.Equal(t, Mapping{WireID: "XBT/USD", QueryID: "XBTUSD", Label: "BTC/USD", Base: "BTC", Quote: "USD"}, m)

	_, err = dir.Resolve(context.Background(), "ETH/USD")
	require.NoError(t, err)
	require.Equal(t, int32(1), catalog.calls.Load())
}

func TestResolveUnknownWithinCooldownDoesNotRefetch(t *testing.T) {
	now := time.Unix(1000, 0)
	catalog := &fakeCatalog{pairs: samplePairs}
	dir := New(catalog, Options{Clock: func() time.Time { return now }, MissCooldown: time.Minute})

	_, err := dir.Refresh(context.Background())
	require.NoError(t, err)

	_, err = dir.Resolve(context.Background(), "FOO/BAR")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Equal(t, int32(1), catalog.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = dir.Resolve(context.Background(), "FOO/BAR")
	require.True(t, errs.Is(err, errs.CodeNotFound))
	require.Equal(t, int32(2), catalog.calls.Load())
}

func TestConcurrentMissesShareOneRefresh(t *testing.T) {
	catalog := &fakeCatalog{pairs: samplePairs, gate: make(chan struct{})}
	dir := New(catalog, Options{})

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = dir.Resolve(context.Background(), "XBT/USD")
		}(i)
	}
	require.Eventually(t, func() bool { return catalog.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(catalog.gate)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), catalog.calls.Load())
}

func TestFailedOrEmptyRefreshKeepsTable(t *testing.T) {
	catalog := &fakeCatalog{pairs: samplePairs}
	dir := New(catalog, Options{})
	_, err := dir.Refresh(context.Background())
	require.NoError(t, err)

	catalog.set(nil, errors.New("timeout"))
	_, err = dir.Refresh(context.Background())
	require.Error(t, err)

	catalog.set([]kraken.AssetPair{}, nil)
	_, err = dir.Refresh(context.Background())
	require.True(t, errs.Is(err, errs.CodeUpstream))

	_, ok := dir.Lookup("XBT/USD")
	require.True(t, ok)
}

func TestRefreshReplacesTableWholesale(t *testing.T) {
	catalog := &fakeCatalog{pairs: samplePairs}
	dir := New(catalog, Options{})
	_, err := dir.Refresh(context.Background())
	require.NoError(t, err)

	catalog.set(samplePairs[:1], nil)
	n, err := dir.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := dir.Lookup("ETH/USD")
	require.False(t, ok)
}

func TestMarketsSortedByQuoteThenBase(t *testing.T) {
	dir := New(&fakeCatalog{pairs: samplePairs}, Options{})
	_, err := dir.Refresh(context.Background())
	require.NoError(t, err)

	var labels []string
	for _, m := range dir.Markets("") {
		labels = append(labels, m.Label)
	}
	require.Equal(t, []string{"ETH/BTC", "DOGE/EUR", "BTC/USD", "ETH/USD"}, labels)

	filtered := dir.Markets("  eth ")
	require.Len(t, filtered, 2)
	filtered = dir.Markets("xdg")
	require.Len(t, filtered, 1)
	require.Equal(t, "DOGE/EUR", filtered[0].Label)
}

func TestDisplayCode(t *testing.T) {
	cases := map[string]string{
		"XBT":    "BTC",
		"xdg":    "DOGE",
		"ETH":    "ETH",
		"1INCH":  "INCH",
		" usd ":  "USD",
		".HOLD":  "HOLD",
	}
	for in, want := range cases {
		require.Equal(t, want, DisplayCode(in), in)
	}
}

func TestMappingFallsBackToAssetCodes(t *testing.T) {
	m := newMapping(kraken.AssetPair{AltName: "XBTEUR", WSName: "XBTEUR", Base: "XXBT", Quote: "ZEUR"})
	require.Equal(t, "BTC/EUR", m.Label)
	require.Equal(t, "BTC", m.Base)
	require.Equal(t, "EUR", m.Quote)
}
