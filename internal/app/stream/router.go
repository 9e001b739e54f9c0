package stream

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/internal/telemetry"
)

// PriceHandler consumes last-trade prices decoded from ticker frames.
type PriceHandler interface {
	OnPrice(ctx context.Context, symbol string, price float64) error
}

// PriceHandlerFunc adapts a function to PriceHandler.
type PriceHandlerFunc func(ctx context.Context, symbol string, price float64) error

func (f PriceHandlerFunc) OnPrice(ctx context.Context, symbol string, price float64) error {
	return f(ctx, symbol, price)
}

// Ack is a subscription status change for one pair.
type Ack struct {
	Symbol  string
	Status  kraken.AckStatus
	Message string
}

type router struct {
	channel string
	prices  PriceHandler
	logger  observability.Logger

	ticks   metric.Int64Counter
	dropped metric.Int64Counter
}

func newRouter(channel string, prices PriceHandler, logger observability.Logger, meter metric.Meter) *router {
	r := &router{
		channel: channel,
		prices:  prices,
		logger:  observability.OrNop(logger),
	}
	if meter != nil {
		r.ticks, _ = meter.Int64Counter("pricewatch.ticks.received",
			metric.WithDescription("Ticker frames routed to the price pipeline"),
			metric.WithUnit("{tick}"))
		r.dropped, _ = meter.Int64Counter("pricewatch.frames.dropped",
			metric.WithDescription("Inbound frames dropped by the router"),
			metric.WithUnit("{frame}"))
	}
	return r
}

// route decodes one frame and dispatches it. Acks go to onAck; malformed
// frames are dropped.
func (r *router) route(ctx context.Context, data []byte, onAck func(Ack)) {
	frame, err := kraken.DecodeFrame(data, r.channel)
	if err != nil {
		r.drop(ctx, kraken.FrameUnknown, "malformed")
		r.logger.Debug("frame dropped", observability.Err(err), observability.F("size", len(data)))
		return
	}
	switch frame.Kind {
	case kraken.FrameTicker:
		r.routeTicker(ctx, frame.Ticker)
	case kraken.FrameControl:
		r.routeControl(frame.Control, onAck)
	}
}

func (r *router) routeTicker(ctx context.Context, t kraken.Ticker) {
	if r.prices == nil {
		return
	}
	if r.ticks != nil {
		r.ticks.Add(ctx, 1, metric.WithAttributes(telemetry.AttrProvider.String(telemetry.ProviderKraken)))
	}
	if err := r.prices.OnPrice(ctx, t.Pair, t.Price.InexactFloat64()); err != nil {
		r.drop(ctx, kraken.FrameTicker, "pipeline")
		r.logger.Warn("price update rejected", observability.F("symbol", t.Pair), observability.Err(err))
	}
}

func (r *router) routeControl(c kraken.Control, onAck func(Ack)) {
	switch c.Event {
	case kraken.EventSubscriptionStatus:
		if onAck != nil {
			onAck(Ack{Symbol: c.Pair, Status: c.Status, Message: c.ErrorMessage})
		}
	case kraken.EventSystemStatus:
		r.logger.Debug("system status", observability.F("status", string(c.Status)))
	}
}

func (r *router) drop(ctx context.Context, kind kraken.FrameKind, reason string) {
	if r.dropped != nil {
		r.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.DropAttributes(kind.String(), reason)...))
	}
}
