// Package httpserver exposes the watchlist, session and tick stream over HTTP.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/app/directory"
	"github.com/coachpo/pricewatch/internal/app/history"
	"github.com/coachpo/pricewatch/internal/app/market"
	"github.com/coachpo/pricewatch/internal/app/stream"
	"github.com/coachpo/pricewatch/internal/config"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/infra/bus/tickbus"
	"github.com/coachpo/pricewatch/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath    = "/healthz"
	sessionPath   = "/api/session"
	marketsPath   = "/api/markets"
	watchlistPath = "/api/watchlist"
	sparklinePath = "/api/watchlist/sparkline"
	marketPath    = "/api/market"
	ticksPath     = "/api/ticks"

	defaultKeepAlive = 15 * time.Second
)

// Service is the application surface the handlers call. *service.Service satisfies it.
type Service interface {
	Favorites(ctx context.Context) ([]watchlist.Entry, error)
	AddFavorite(ctx context.Context, symbol string) (watchlist.Entry, error)
	RemoveFavorite(ctx context.Context, symbol string) (bool, error)
	Sparkline(ctx context.Context, symbol string, points int) (history.Sparkline, error)
	Markets(query string) []directory.Mapping
	SessionSnapshot(ctx context.Context) (stream.SessionSnapshot, error)
	MarketSnapshot() (market.Snapshot, error)
}

// TickSource streams tick events until ctx ends. *tickbus.MemoryBus satisfies it.
type TickSource interface {
	Subscribe(ctx context.Context) (tickbus.SubscriptionID, <-chan tickbus.TickEvent, error)
}

// Options configures the handler.
type Options struct {
	Environment config.Environment
	// KeepAlive is the idle interval between SSE ping events.
	KeepAlive time.Duration
	Logger    observability.Logger
}

type httpServer struct {
	svc       Service
	ticks     TickSource
	keepAlive time.Duration
	log       observability.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// Handler serves the control surface.
type Handler struct {
	http.Handler
	srv *httpServer
}

// CloseStreams ends every open tick stream and refuses new ones. Register it
// with http.Server.RegisterOnShutdown, since Shutdown does not cancel request
// contexts.
func (h *Handler) CloseStreams() {
	h.srv.closeOnce.Do(func() { close(h.srv.closing) })
}

type entryView struct {
	Symbol         string     `json:"symbol"`
	DisplayName    string     `json:"displayName"`
	LastPrice      *float64   `json:"lastPrice"`
	LastUpdated    *time.Time `json:"lastUpdated,omitempty"`
	Change         *float64   `json:"change"`
	Baseline       *float64   `json:"baseline"`
	HistoryPoints  int        `json:"historyPoints"`
	HistoryUpdated *time.Time `json:"historyUpdated,omitempty"`
}

type addPayload struct {
	Symbol string `json:"symbol"`
}

// NewHandler builds the gin engine serving the control surface.
func NewHandler(svc Service, ticks TickSource, opts Options) *Handler {
	if opts.Environment != config.EnvDev {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	server := &httpServer{
		svc:       svc,
		ticks:     ticks,
		keepAlive: opts.KeepAlive,
		log:       observability.OrNop(opts.Logger),
		closing:   make(chan struct{}),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), server.requestLog(), withCORS())

	engine.GET(healthPath, server.health)
	engine.GET(sessionPath, server.session)
	engine.GET(marketsPath, server.markets)
	engine.GET(watchlistPath, server.listWatchlist)
	engine.POST(watchlistPath, server.addFavorite)
	engine.DELETE(watchlistPath, server.removeFavorite)
	engine.GET(sparklinePath, server.sparkline)
	engine.GET(marketPath, server.marketSnapshot)
	engine.GET(ticksPath, server.streamTicks)
	return &Handler{Handler: engine, srv: server}
}

func (s *httpServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *httpServer) session(c *gin.Context) {
	snap, err := s.svc.SessionSnapshot(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *httpServer) markets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"markets": s.svc.Markets(c.Query("q"))})
}

func (s *httpServer) listWatchlist(c *gin.Context) {
	entries, err := s.svc.Favorites(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewOf(e))
	}
	c.JSON(http.StatusOK, gin.H{"watchlist": views})
}

func (s *httpServer) addFavorite(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBodyBytes)
	var payload addPayload
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
		writeDecodeError(c, err)
		return
	}
	entry, err := s.svc.AddFavorite(c.Request.Context(), payload.Symbol)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(entry))
}

func (s *httpServer) removeFavorite(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		writeError(c, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	removed, err := s.svc.RemoveFavorite(c.Request.Context(), symbol)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !removed {
		writeError(c, http.StatusNotFound, "symbol not tracked")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *httpServer) sparkline(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	if symbol == "" {
		writeError(c, http.StatusBadRequest, "symbol query parameter required")
		return
	}
	points := 0
	if raw := c.Query("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "points must be a positive integer")
			return
		}
		points = n
	}
	spark, err := s.svc.Sparkline(c.Request.Context(), symbol, points)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, spark)
}

func (s *httpServer) marketSnapshot(c *gin.Context) {
	snap, err := s.svc.MarketSnapshot()
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// streamTicks relays tick events as server-sent events until the client leaves.
// A slow client loses ticks on the bus rather than stalling publishers.
func (s *httpServer) streamTicks(c *gin.Context) {
	ctx := c.Request.Context()
	if s.ticks == nil || s.streamsClosed() {
		writeError(c, http.StatusServiceUnavailable, "tick stream unavailable")
		return
	}
	_, events, err := s.ticks.Subscribe(ctx)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("encode tick event", observability.Err(err))
				return true
			}
			c.SSEvent("tick", string(data))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", "{}")
			return true
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	})
}

func (s *httpServer) streamsClosed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *httpServer) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			observability.F("method", c.Request.Method),
			observability.F("path", c.FullPath()),
			observability.F("status", c.Writer.Status()),
			observability.F("latency", time.Since(start).String()),
		)
	}
}

func viewOf(e watchlist.Entry) entryView {
	return entryView{
		Symbol:         e.Symbol,
		DisplayName:    e.DisplayName,
		LastPrice:      e.LastPrice,
		LastUpdated:    timePtr(e.LastUpdated),
		Change:         e.Change,
		Baseline:       e.Baseline,
		HistoryPoints:  len(e.History),
		HistoryUpdated: timePtr(e.HistoryUpdated),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func statusFor(err error) int {
	var e *errs.E
	if !errors.As(err, &e) {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
	switch e.Code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeNetwork, errs.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(c *gin.Context, err error) {
	writeError(c, statusFor(err), err.Error())
}

func writeDecodeError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(c, http.StatusBadRequest, "invalid JSON body")
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "error": message})
}

func withCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
