// Package kraken implements the Kraken public websocket frame codec and the
// public REST endpoints used for the symbol catalog, candles and ticker snapshots.
package kraken

import "time"

const (
	// DefaultWebsocketURL is the public v1 websocket endpoint.
	DefaultWebsocketURL = "wss://ws.kraken.com"
	// DefaultRESTURL is the public REST API root.
	DefaultRESTURL = "https://api.kraken.com"
	// DefaultChannel is the market data channel subscribed for every pair.
	DefaultChannel = "ticker"

	defaultHTTPTimeout = 10 * time.Second
	defaultRate        = 1.0
	defaultBurst       = 3
	errorBodyLimit     = 4 << 10

	assetPairsPath = "/0/public/AssetPairs"
	ohlcPath       = "/0/public/OHLC"
	tickerPath     = "/0/public/Ticker"
)

// Options configures the REST client.
type Options struct {
	BaseURL     string
	HTTPTimeout time.Duration
	// RatePerSecond caps outbound REST requests; zero selects the default.
	RatePerSecond float64
	Burst         int
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultRESTURL
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = defaultRate
	}
	if o.Burst <= 0 {
		o.Burst = defaultBurst
	}
	return o
}
