package tickbus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/telemetry"
)

// MemoryBus is an in-memory Bus. A subscriber whose buffer is full misses the
// tick; publishers never block on slow observers.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once

	dropped metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan TickEvent

	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed tick bus. meter may be nil.
func NewMemoryBus(cfg MemoryConfig, meter metric.Meter) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[SubscriptionID]*subscriber)
	if meter != nil {
		bus.dropped, _ = meter.Int64Counter("pricewatch.tickbus.dropped",
			metric.WithDescription("Ticks not delivered because a subscriber buffer was full"),
			metric.WithUnit("{tick}"))
	}
	return bus
}

// Publish fans the tick out to all subscribers.
func (b *MemoryBus) Publish(ctx context.Context, evt TickEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Symbol == "" {
		return errs.New("tickbus/publish", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("tickbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	// Snapshot subscribers to avoid holding lock during delivery.
	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subscribers {
		if !sub.offer(evt) && b.dropped != nil {
			b.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.DropAttributes("tick", "subscriber_full")...))
		}
	}
	return nil
}

// Subscribe registers an observer. The channel closes when ctx ends, on
// Unsubscribe, or when the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context) (SubscriptionID, <-chan TickEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("tickbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan TickEvent, b.cfg.BufferSize)

	id := SubscriptionID(uuid.NewString())

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for id, sub := range b.subscribers {
			sub.close()
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
	})
}

// Subscribers reports the current subscriber count.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	sub.close()
}

func (s *subscriber) offer(evt TickEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}
