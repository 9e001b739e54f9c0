// Command pricewatch runs the Kraken live price watcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricewatch/internal/app/directory"
	"github.com/coachpo/pricewatch/internal/app/history"
	"github.com/coachpo/pricewatch/internal/app/market"
	"github.com/coachpo/pricewatch/internal/app/pricing"
	"github.com/coachpo/pricewatch/internal/app/service"
	"github.com/coachpo/pricewatch/internal/app/stream"
	"github.com/coachpo/pricewatch/internal/config"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/infra/adapters/coingecko"
	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
	"github.com/coachpo/pricewatch/internal/infra/bus/tickbus"
	"github.com/coachpo/pricewatch/internal/infra/persistence/migrations"
	"github.com/coachpo/pricewatch/internal/infra/persistence/postgres"
	"github.com/coachpo/pricewatch/internal/infra/persistence/sqlite"
	httpserver "github.com/coachpo/pricewatch/internal/infra/server/http"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/internal/telemetry"
	"github.com/coachpo/pricewatch/lib/async"
)

const (
	defaultConfigPath        = "config/app.yaml"
	loggerPrefix             = "pricewatch "
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	sessionShutdownTimeout   = 5 * time.Second
	poolShutdownTimeout      = 10 * time.Second
	writerShutdownTimeout    = 5 * time.Second
	tickBusShutdownTimeout   = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newBootLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, store=%s", appCfg.Environment, appCfg.Store.Driver)

	zapLogger, err := observability.NewZapLogger(appCfg.Logging.Level, appCfg.Logging.Format)
	if err != nil {
		logger.Fatalf("initialise logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	observability.SetLogger(zapLogger)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	meter := telemetryProvider.Meter("pricewatch")

	store, err := openStore(ctx, logger, appCfg.Store, zapLogger.Named("store"))
	if err != nil {
		logger.Fatalf("open watchlist store: %v", err)
	}
	writer := watchlist.NewWriter(store, appCfg.Store.WriterQueue, zapLogger.Named("writer"))

	poolLog := zapLogger.Named("pool")
	networkPool, err := async.NewPool(appCfg.Network.Workers, appCfg.Network.Queue, async.WithErrorHandler(func(name string, err error) {
		poolLog.Warn("network task failed", observability.F("task", name), observability.Err(err))
	}))
	if err != nil {
		logger.Fatalf("initialise network pool: %v", err)
	}

	bus := tickbus.NewMemoryBus(tickbus.MemoryConfig{}, meter)

	rest := kraken.NewClient(kraken.Options{
		BaseURL:       appCfg.Feed.RESTURL,
		HTTPTimeout:   appCfg.Feed.RESTTimeout,
		RatePerSecond: appCfg.Feed.RESTRate,
		Burst:         appCfg.Feed.RESTBurst,
	})
	dir := directory.New(rest, directory.Options{Logger: zapLogger.Named("directory")})
	pipeline := pricing.New(writer, bus, pricing.Options{Logger: zapLogger.Named("pricing")})
	refresher := history.NewRefresher(dir, rest, writer, networkPool, history.Options{
		IntervalMinutes: appCfg.History.IntervalMinutes,
		Window:          appCfg.History.Window,
		StaleAfter:      appCfg.History.StaleAfter,
		MinInterval:     appCfg.History.MinInterval,
		Logger:          zapLogger.Named("history"),
	})

	var marketCache *market.Cache
	if appCfg.Market.Enabled {
		gecko := coingecko.NewClient(coingecko.Options{BaseURL: appCfg.Market.URL, HTTPTimeout: appCfg.Feed.RESTTimeout})
		marketCache = market.NewCache(gecko, networkPool, zapLogger.Named("market"))
	}

	session := stream.NewSession(stream.Options{
		URL:          appCfg.Feed.WebsocketURL,
		Channel:      appCfg.Feed.Channel,
		DialTimeout:  appCfg.Feed.DialTimeout,
		WriteTimeout: appCfg.Feed.WriteTimeout,
		PingInterval: appCfg.Feed.PingInterval,
		RetryDelay:   appCfg.Feed.RetryDelay,
		Prices:       pipeline,
		Logger:       zapLogger.Named("session"),
		Meter:        meter,
	})

	deps := service.Deps{
		Store:     store,
		Writer:    writer,
		Directory: dir,
		Session:   session,
		Prices:    pipeline,
		Quoter:    rest,
		History:   refresher,
		Pool:      networkPool,
	}
	if marketCache != nil {
		deps.Market = marketCache
	}
	svc := service.New(deps, service.Options{
		SweepInterval:  appCfg.History.SweepInterval,
		CatalogRefresh: appCfg.Feed.CatalogRefresh,
		MarketRefresh:  appCfg.Market.Refresh,
		Logger:         zapLogger.Named("service"),
	})

	if err := svc.Warm(ctx); err != nil {
		logger.Printf("warmup incomplete: %v", err)
	}
	if err := session.Start(ctx); err != nil {
		logger.Fatalf("start session: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := svc.Run(ctx); err != nil {
			logger.Printf("service loop: %v", err)
		}
	})

	apiServer := buildAPIServer(appCfg, svc, bus, zapLogger.Named("http"))
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("pricewatch started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		session:    session,
		pool:       networkPool,
		writer:     writer,
		store:      store,
		tickBus:    bus,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newBootLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Enabled
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = telemetryCfg.OTLPInsecure || cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// openStore opens the configured backend, running PostgreSQL migrations first
// when enabled.
func openStore(ctx context.Context, logger *log.Logger, cfg config.StoreConfig, storeLog observability.Logger) (watchlist.Store, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Print("watchlist store: memory (not persisted)")
		return watchlist.NewMemoryStore(), nil
	case config.StoreSQLite:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, cfg.SQLite.Path, storeLog)
		if err != nil {
			return nil, err
		}
		logger.Printf("watchlist store: sqlite at %s", cfg.SQLite.Path)
		return store, nil
	case config.StorePostgres:
		if cfg.Postgres.RunMigrations {
			if err := migrations.Apply(ctx, cfg.Postgres.DSN, cfg.Postgres.MigrationsPath, logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Open(ctx, cfg.Postgres.DSN, storeLog)
		if err != nil {
			return nil, err
		}
		logger.Print("watchlist store: postgres")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func buildAPIServer(cfg config.AppConfig, svc httpserver.Service, ticks httpserver.TickSource, logger observability.Logger) *http.Server {
	handler := httpserver.NewHandler(svc, ticks, httpserver.Options{
		Environment: cfg.Environment,
		Logger:      logger,
	})
	server := &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	server.RegisterOnShutdown(handler.CloseStreams)
	return server
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	session    *stream.Session
	pool       *async.Pool
	writer     *watchlist.Writer
	store      watchlist.Store
	tickBus    tickbus.Bus
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops producers before consumers: the API and session
// first, then the pool so in-flight REST results reach the writer, then the
// writer so queued writes reach the store.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.session != nil {
		shutdownStep("closing streaming session", sessionShutdownTimeout, cfg.session.Shutdown)
	}
	if cfg.pool != nil {
		shutdownStep("draining network pool", poolShutdownTimeout, cfg.pool.Shutdown)
	}
	if cfg.writer != nil {
		shutdownStep("draining store writer", writerShutdownTimeout, cfg.writer.Close)
	}
	if cfg.store != nil {
		shutdownStep("closing watchlist store", writerShutdownTimeout, func(context.Context) error {
			return cfg.store.Close()
		})
	}
	if cfg.tickBus != nil {
		shutdownStep("closing tick bus", tickBusShutdownTimeout, func(context.Context) error {
			cfg.tickBus.Close()
			return nil
		})
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
