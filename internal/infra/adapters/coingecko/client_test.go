package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
)

func TestGlobalDecodesUSDFigures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/global", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"active_cryptocurrencies":12000,
			"total_market_cap":{"usd":2.5e12,"eur":2.3e12},
			"total_volume":{"usd":9.1e10},
			"market_cap_percentage":{"btc":52.4,"eth":17.1},
			"market_cap_change_percentage_24h_usd":-1.25,
			"updated_at":1700000000}}`))
	}))
	defer srv.Close()

	g, err := NewClient(Options{BaseURL: srv.URL + "/api/v3/"}).Global(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2.5e12, g.TotalMarketCapUSD)
	require.Equal(t, 9.1e10, g.TotalVolumeUSD)
	require.Equal(t, 52.4, g.BTCDominance)
	require.Equal(t, -1.25, g.MarketCapChange24)
	require.Equal(t, 12000, g.ActiveCurrencies)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), g.UpdatedAt)
}

func TestGlobalStatusAndShapeErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"status":{"error_code":429}}`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{BaseURL: srv.URL}).Global(context.Background())
	require.True(t, errs.Is(err, errs.CodeUpstream))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, http.StatusTooManyRequests, e.HTTP)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer empty.Close()
	_, err = NewClient(Options{BaseURL: empty.URL}).Global(context.Background())
	require.True(t, errs.Is(err, errs.CodeUpstream))
}

func TestGlobalNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(Options{BaseURL: url}).Global(context.Background())
	require.True(t, errs.Is(err, errs.CodeNetwork))
}
