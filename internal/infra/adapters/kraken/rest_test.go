package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/", HTTPTimeout: time.Second, RatePerSecond: 1000, Burst: 100})
}

func TestAssetPairsSkipsPairsWithoutWSName(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/AssetPairs", r.URL.Path)
		_, _ = w.Write([]byte(`{"error":[],"result":{
			"XXBTZUSD":{"altname":"XBTUSD","wsname":"XBT/USD","base":"XXBT","quote":"ZUSD"},
			"XETHZUSD":{"altname":"ETHUSD","wsname":"ETH/USD","base":"XETH","quote":"ZUSD"},
			"XBTUSD.d":{"altname":"XBTUSD.d","base":"XXBT","quote":"ZUSD"}
		}}`))
	})

	pairs, err := client.AssetPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].WSName < pairs[j].WSName })
	require.Equal(t, AssetPair{Key: "XETHZUSD", AltName: "ETHUSD", WSName: "ETH/USD", Base: "XETH", Quote: "ZUSD"}, pairs[0])
	require.Equal(t, "XXBTZUSD", pairs[1].Key)
}

func TestOHLCRequestAndCanonicalKeyFallback(t *testing.T) {
	since := time.Unix(1_700_000_000, 0)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/OHLC", r.URL.Path)
		require.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))
		require.Equal(t, "5", r.URL.Query().Get("interval"))
		require.Equal(t, "1700000000", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":[
			[1000,"99.0","101.0","98.0","100.0","100.1","12.5",42],
			[1300,"100.0","111.0","99.5","110.0","105.0","3.1",7]
		],"last":1300}}`))
	})

	candles, err := client.OHLC(context.Background(), "XBTUSD", 5, since)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	require.Equal(t, int64(1000), candles[0].Time)
	require.Equal(t, 100.0, candles[0].Close)
	require.Equal(t, int64(42), candles[0].Count)
	require.Equal(t, 110.0, candles[1].Close)
}

func TestOHLCAcceptsNumericColumns(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":[],"result":{"XBTUSD":[[1000,1,1,1,100,1,1,1],[1600,1,1,1,99,1,1,1]],"last":1600}}`))
	})
	candles, err := client.OHLC(context.Background(), "XBTUSD", 5, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 99.0, candles[1].Close)
}

func TestOHLCUpstreamRejection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":["EQuery:Unknown asset pair"]}`))
	})
	_, err := client.OHLC(context.Background(), "NOPE", 5, time.Now())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeUpstream))
	require.Contains(t, err.Error(), "EQuery:Unknown asset pair")
}

func TestOHLCAmbiguousResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":[],"result":{"A":[],"B":[],"last":1}}`))
	})
	_, err := client.OHLC(context.Background(), "C", 5, time.Now())
	require.True(t, errs.Is(err, errs.CodeUpstream))
}

func TestLastTrade(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Ticker", r.URL.Path)
		_, _ = w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"a":["1","1","1"],"c":["50123.4","0.002"]}}}`))
	})
	price, err := client.LastTrade(context.Background(), "XBTUSD")
	require.NoError(t, err)
	require.Equal(t, "50123.4", price.String())
}

func TestLastTradeMissingField(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":[],"result":{"XBTUSD":{"a":["1","1","1"]}}}`))
	})
	_, err := client.LastTrade(context.Background(), "XBTUSD")
	require.True(t, errs.Is(err, errs.CodeUpstream))
}

func TestNonSuccessStatusCarriesBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})
	_, err := client.AssetPairs(context.Background())
	require.Error(t, err)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, http.StatusBadGateway, e.HTTP)
	require.Equal(t, "upstream down", e.RawMsg)
}

func TestNetworkFailureIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(Options{BaseURL: url, HTTPTimeout: time.Second, RatePerSecond: 1000, Burst: 10})
	_, err := client.AssetPairs(context.Background())
	require.True(t, errs.Is(err, errs.CodeNetwork))
}
