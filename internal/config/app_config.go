// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig configures the Kraken streaming session, REST client and catalog.
type FeedConfig struct {
	WebsocketURL   string        `yaml:"websocketURL"`
	RESTURL        string        `yaml:"restURL"`
	Channel        string        `yaml:"channel"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	RESTTimeout    time.Duration `yaml:"restTimeout"`
	RESTRate       float64       `yaml:"restRate"`
	RESTBurst      int           `yaml:"restBurst"`
	CatalogRefresh time.Duration `yaml:"catalogRefresh"`
}

// HistoryConfig controls the OHLC baseline refresher.
type HistoryConfig struct {
	IntervalMinutes int           `yaml:"intervalMinutes"`
	Window          time.Duration `yaml:"window"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
	MinInterval     time.Duration `yaml:"minInterval"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`
}

// NetworkConfig sizes the worker pool that runs REST tasks.
type NetworkConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// SQLiteConfig locates the SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	RunMigrations  bool   `yaml:"runMigrations"`
	MigrationsPath string `yaml:"migrationsPath"`
}

// StoreConfig selects and configures the watchlist backend.
type StoreConfig struct {
	Driver      StoreDriver    `yaml:"driver"`
	WriterQueue int            `yaml:"writerQueue"`
	SQLite      SQLiteConfig   `yaml:"sqlite"`
	Postgres    PostgresConfig `yaml:"postgres"`
}

// MarketConfig configures the CoinGecko market snapshot.
type MarketConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Refresh time.Duration `yaml:"refresh"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the zap level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified pricewatch configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Feed        FeedConfig      `yaml:"feed"`
	History     HistoryConfig   `yaml:"history"`
	Network     NetworkConfig   `yaml:"network"`
	Store       StoreConfig     `yaml:"store"`
	Market      MarketConfig    `yaml:"market"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns a configuration with every default applied.
func Default() AppConfig {
	cfg := AppConfig{Market: MarketConfig{Enabled: true}, Telemetry: TelemetryConfig{EnableMetrics: true}}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Market: MarketConfig{Enabled: true}, Telemetry: TelemetryConfig{EnableMetrics: true}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalizeName(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	f := &c.Feed
	f.WebsocketURL = orString(f.WebsocketURL, "wss://ws.kraken.com")
	f.RESTURL = strings.TrimRight(orString(f.RESTURL, "https://api.kraken.com"), "/")
	f.Channel = orString(f.Channel, "ticker")
	f.DialTimeout = orDuration(f.DialTimeout, 10*time.Second)
	f.WriteTimeout = orDuration(f.WriteTimeout, 5*time.Second)
	f.PingInterval = orDuration(f.PingInterval, 30*time.Second)
	f.RetryDelay = orDuration(f.RetryDelay, 2*time.Second)
	f.RESTTimeout = orDuration(f.RESTTimeout, 10*time.Second)
	if f.RESTRate == 0 {
		f.RESTRate = 1
	}
	if f.RESTBurst == 0 {
		f.RESTBurst = 3
	}
	f.CatalogRefresh = orDuration(f.CatalogRefresh, 30*time.Minute)

	h := &c.History
	if h.IntervalMinutes == 0 {
		h.IntervalMinutes = 5
	}
	h.Window = orDuration(h.Window, 24*time.Hour)
	h.StaleAfter = orDuration(h.StaleAfter, 30*time.Minute)
	h.MinInterval = orDuration(h.MinInterval, 2*time.Minute)
	h.SweepInterval = orDuration(h.SweepInterval, time.Minute)

	if c.Network.Workers == 0 {
		c.Network.Workers = 4
	}
	if c.Network.Queue == 0 {
		c.Network.Queue = 64
	}

	c.Store.Driver = StoreDriver(normalizeName(string(c.Store.Driver)))
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.WriterQueue == 0 {
		c.Store.WriterQueue = 1024
	}
	c.Store.SQLite.Path = orString(c.Store.SQLite.Path, "data/pricewatch.db")
	c.Store.Postgres.DSN = strings.TrimSpace(c.Store.Postgres.DSN)
	c.Store.Postgres.MigrationsPath = strings.TrimSpace(c.Store.Postgres.MigrationsPath)

	c.Market.URL = strings.TrimRight(orString(c.Market.URL, "https://api.coingecko.com/api/v3"), "/")
	c.Market.Refresh = orDuration(c.Market.Refresh, 5*time.Minute)

	c.APIServer.Addr = orString(c.APIServer.Addr, ":8880")

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = orString(c.Telemetry.ServiceName, "pricewatch")

	c.Logging.Level = normalizeName(orString(c.Logging.Level, "info"))
	c.Logging.Format = normalizeName(orString(c.Logging.Format, "json"))
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if !strings.HasPrefix(c.Feed.WebsocketURL, "ws://") && !strings.HasPrefix(c.Feed.WebsocketURL, "wss://") {
		return fmt.Errorf("feed websocketURL must use ws:// or wss://")
	}
	if c.Feed.RESTRate < 0 {
		return fmt.Errorf("feed restRate must be >0")
	}
	if c.Feed.RESTBurst < 0 {
		return fmt.Errorf("feed restBurst must be >0")
	}
	for name, d := range map[string]time.Duration{
		"feed dialTimeout":      c.Feed.DialTimeout,
		"feed writeTimeout":     c.Feed.WriteTimeout,
		"feed pingInterval":     c.Feed.PingInterval,
		"feed retryDelay":       c.Feed.RetryDelay,
		"feed restTimeout":      c.Feed.RESTTimeout,
		"feed catalogRefresh":   c.Feed.CatalogRefresh,
		"history window":        c.History.Window,
		"history staleAfter":    c.History.StaleAfter,
		"history minInterval":   c.History.MinInterval,
		"history sweepInterval": c.History.SweepInterval,
		"market refresh":        c.Market.Refresh,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be >0", name)
		}
	}

	switch c.History.IntervalMinutes {
	case 1, 5, 15, 30, 60, 240, 1440, 10080, 21600:
	default:
		return fmt.Errorf("history intervalMinutes %d not supported by kraken", c.History.IntervalMinutes)
	}

	if c.Network.Workers <= 0 {
		return fmt.Errorf("network workers must be >0")
	}
	if c.Network.Queue <= 0 {
		return fmt.Errorf("network queue must be >0")
	}

	if c.Store.WriterQueue <= 0 {
		return fmt.Errorf("store writerQueue must be >0")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store sqlite path required")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store postgres dsn required")
		}
	default:
		return fmt.Errorf("store driver must be one of memory, sqlite, postgres")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}

	return nil
}

func orString(v, fallback string) string {
	if trimmed := strings.TrimSpace(v); trimmed != "" {
		return trimmed
	}
	return fallback
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
