// Package coingecko fetches the global crypto market snapshot.
package coingecko

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/telemetry"
)

const (
	// DefaultBaseURL is the public v3 API root.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	defaultHTTPTimeout = 10 * time.Second
	errorBodyLimit     = 4 << 10
	globalPath         = "/global"
)

// Global is the market-wide snapshot.
type Global struct {
	TotalMarketCapUSD float64   `json:"totalMarketCapUsd"`
	TotalVolumeUSD    float64   `json:"totalVolumeUsd"`
	BTCDominance      float64   `json:"btcDominance"`
	MarketCapChange24 float64   `json:"marketCapChange24h"`
	ActiveCurrencies  int       `json:"activeCurrencies"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

type globalResponse struct {
	Data *struct {
		TotalMarketCap      map[string]float64 `json:"total_market_cap"`
		TotalVolume         map[string]float64 `json:"total_volume"`
		MarketCapPercentage map[string]float64 `json:"market_cap_percentage"`
		MarketCapChange24   float64            `json:"market_cap_change_percentage_24h_usd"`
		ActiveCurrencies    int                `json:"active_cryptocurrencies"`
		UpdatedAt           int64              `json:"updated_at"`
	} `json:"data"`
}

// Options configures the client.
type Options struct {
	BaseURL     string
	HTTPTimeout time.Duration
}

// Client calls the CoinGecko public API.
type Client struct {
	client   *http.Client
	baseURL  string
	duration metric.Float64Histogram
}

// NewClient constructs a client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	c := &Client{
		client:  &http.Client{Timeout: opts.HTTPTimeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
	meter := otel.Meter("coingecko.rest")
	c.duration, _ = meter.Float64Histogram("pricewatch.rest.duration",
		metric.WithDescription("Upstream REST round trip duration"),
		metric.WithUnit("ms"))
	return c
}

// Global fetches total market cap, volume and BTC dominance in USD.
func (c *Client) Global(ctx context.Context) (Global, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+globalPath, nil)
	if err != nil {
		return Global{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	result := telemetry.ResultError
	defer func() {
		if c.duration != nil {
			c.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
				metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.ProviderCoinGecko, "global", result)...))
		}
	}()

	resp, err := c.client.Do(req)
	if err != nil {
		return Global{}, errs.New("coingecko", errs.CodeNetwork, errs.WithMessage("global request"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return Global{}, errs.New("coingecko", errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("global status"),
			errs.WithRawMessage(strings.TrimSpace(string(body))))
	}

	var payload globalResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Global{}, errs.New("coingecko", errs.CodeUpstream, errs.WithMessage("decode global"), errs.WithCause(err))
	}
	if payload.Data == nil {
		return Global{}, errs.New("coingecko", errs.CodeUpstream, errs.WithMessage("global missing data"))
	}
	d := payload.Data
	out := Global{
		TotalMarketCapUSD: d.TotalMarketCap["usd"],
		TotalVolumeUSD:    d.TotalVolume["usd"],
		BTCDominance:      d.MarketCapPercentage["btc"],
		MarketCapChange24: d.MarketCapChange24,
		ActiveCurrencies:  d.ActiveCurrencies,
	}
	if d.UpdatedAt > 0 {
		out.UpdatedAt = time.Unix(d.UpdatedAt, 0).UTC()
	}
	result = telemetry.ResultOK
	return out, nil
}
