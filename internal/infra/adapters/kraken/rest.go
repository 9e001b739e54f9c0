package kraken

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/telemetry"
)

// AssetPair is one catalog row from the AssetPairs endpoint.
type AssetPair struct {
	Key     string `json:"-"`
	AltName string `json:"altname"`
	WSName  string `json:"wsname"`
	Base    string `json:"base"`
	Quote   string `json:"quote"`
}

// Candle is one OHLC row.
type Candle struct {
	Time   int64
	Open   float64
	High   float64
	Low    float64
	Close  float64
	VWAP   float64
	Volume float64
	Count  int64
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Client calls Kraken public REST endpoints.
type Client struct {
	client   *http.Client
	baseURL  string
	limiter  *rate.Limiter
	duration metric.Float64Histogram
}

// NewClient constructs a REST client.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	client := new(http.Client)
	client.Timeout = opts.HTTPTimeout
	c := &Client{
		client:  client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
	}
	meter := otel.Meter("kraken.rest")
	c.duration, _ = meter.Float64Histogram("pricewatch.rest.duration",
		metric.WithDescription("Upstream REST round trip duration"),
		metric.WithUnit("ms"))
	return c
}

// AssetPairs fetches the tradable symbol catalog. Pairs without a websocket name are skipped.
func (c *Client) AssetPairs(ctx context.Context) ([]AssetPair, error) {
	result, err := c.get(ctx, "asset_pairs", assetPairsPath, nil)
	if err != nil {
		return nil, err
	}
	var raw map[string]AssetPair
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, upstreamError("decode asset pairs", errs.WithCause(err))
	}
	pairs := make([]AssetPair, 0, len(raw))
	for key, pair := range raw {
		if pair.WSName == "" || pair.AltName == "" {
			continue
		}
		pair.Key = key
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// OHLC fetches candles for the query identifier at the given bar interval since the lower bound.
func (c *Client) OHLC(ctx context.Context, pair string, intervalMinutes int, since time.Time) ([]Candle, error) {
	params := url.Values{}
	params.Set("pair", pair)
	params.Set("interval", strconv.Itoa(intervalMinutes))
	params.Set("since", strconv.FormatInt(since.Unix(), 10))

	result, err := c.get(ctx, "ohlc", ohlcPath, params)
	if err != nil {
		return nil, err
	}
	rowsRaw, err := pickPairResult(result, pair)
	if err != nil {
		return nil, err
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(rowsRaw, &rows); err != nil {
		return nil, upstreamError("decode ohlc rows", errs.WithField("pair", pair), errs.WithCause(err))
	}
	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := decodeCandle(row)
		if err != nil {
			return nil, upstreamError(fmt.Sprintf("decode ohlc row %d", i), errs.WithField("pair", pair), errs.WithCause(err))
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// LastTrade fetches the last trade price for the query identifier.
func (c *Client) LastTrade(ctx context.Context, pair string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("pair", pair)

	result, err := c.get(ctx, "ticker", tickerPath, params)
	if err != nil {
		return decimal.Decimal{}, err
	}
	tickerRaw, err := pickPairResult(result, pair)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var ticker struct {
		Close []json.RawMessage `json:"c"`
	}
	if err := json.Unmarshal(tickerRaw, &ticker); err != nil {
		return decimal.Decimal{}, upstreamError("decode ticker", errs.WithField("pair", pair), errs.WithCause(err))
	}
	if len(ticker.Close) == 0 {
		return decimal.Decimal{}, upstreamError("ticker missing last trade", errs.WithField("pair", pair))
	}
	price, err := ParsePrice(ticker.Close[0])
	if err != nil {
		return decimal.Decimal{}, upstreamError("ticker last trade price", errs.WithField("pair", pair), errs.WithCause(err))
	}
	return price, nil
}

func (c *Client) get(ctx context.Context, operation, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", operation, err)
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	result := telemetry.ResultError
	defer func() {
		if c.duration != nil {
			c.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
				metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.ProviderKraken, operation, result)...))
		}
	}()

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errs.New("kraken/rest", errs.CodeNetwork, errs.WithMessage(operation+" request"), errs.WithField("path", path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, errs.New("kraken/rest", errs.CodeUpstream,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(operation+" status"),
			errs.WithField("path", path),
			errs.WithRawMessage(strings.TrimSpace(string(body))))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, upstreamError("decode "+operation+" envelope", errs.WithField("path", path), errs.WithCause(err))
	}
	if len(env.Error) > 0 {
		return nil, upstreamError(operation+" rejected", errs.WithField("path", path), errs.WithRawMessage(strings.Join(env.Error, "; ")))
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil, upstreamError(operation+" missing result", errs.WithField("path", path))
	}
	result = telemetry.ResultOK
	return env.Result, nil
}

// pickPairResult selects the per-pair entry of a result map. Kraken keys results
// by its canonical pair name, which may differ from the requested altname, so a
// single non-"last" key is accepted as the answer.
func pickPairResult(result json.RawMessage, pair string) (json.RawMessage, error) {
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(result, &byKey); err != nil {
		return nil, upstreamError("decode result map", errs.WithField("pair", pair), errs.WithCause(err))
	}
	if raw, ok := byKey[pair]; ok {
		return raw, nil
	}
	var only json.RawMessage
	count := 0
	for key, raw := range byKey {
		if key == "last" {
			continue
		}
		only = raw
		count++
	}
	if count != 1 {
		return nil, upstreamError("result missing pair", errs.WithField("pair", pair))
	}
	return only, nil
}

func decodeCandle(row []json.RawMessage) (Candle, error) {
	if len(row) < 5 {
		return Candle{}, fmt.Errorf("expected at least 5 columns, got %d", len(row))
	}
	var c Candle
	var ts json.Number
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return Candle{}, fmt.Errorf("time: %w", err)
	}
	tsFloat, err := ts.Float64()
	if err != nil {
		return Candle{}, fmt.Errorf("time: %w", err)
	}
	c.Time = int64(tsFloat)

	fields := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.VWAP, &c.Volume}
	for i, dst := range fields {
		idx := i + 1
		if idx >= len(row) {
			break
		}
		v, err := ParsePrice(row[idx])
		if err != nil {
			if idx == 4 {
				return Candle{}, fmt.Errorf("close: %w", err)
			}
			continue
		}
		*dst = v.InexactFloat64()
	}
	if len(row) > 7 {
		_ = json.Unmarshal(row[7], &c.Count)
	}
	return c, nil
}

func upstreamError(msg string, opts ...errs.Option) error {
	opts = append([]errs.Option{errs.WithMessage(msg)}, opts...)
	return errs.New("kraken/rest", errs.CodeUpstream, opts...)
}
