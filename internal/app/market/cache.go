// Package market serves the last good global market snapshot.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/pricewatch/internal/infra/adapters/coingecko"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/lib/async"
)

// Fetcher loads a fresh snapshot. *coingecko.Client satisfies it.
type Fetcher interface {
	Global(ctx context.Context) (coingecko.Global, error)
}

// Scheduler runs network tasks. *async.Pool satisfies it.
type Scheduler interface {
	Submit(ctx context.Context, name string, fn async.Task) error
}

// Snapshot is the cached value and when it was fetched.
type Snapshot struct {
	coingecko.Global
	FetchedAt time.Time `json:"fetchedAt"`
}

// Cache keeps the most recent successful snapshot. Failed refreshes keep the
// previous value.
type Cache struct {
	fetcher Fetcher
	pool    Scheduler
	now     func() time.Time
	log     observability.Logger

	mu   sync.RWMutex
	last *Snapshot
}

// NewCache constructs an empty cache.
func NewCache(fetcher Fetcher, pool Scheduler, logger observability.Logger) *Cache {
	return &Cache{
		fetcher: fetcher,
		pool:    pool,
		now:     time.Now,
		log:     observability.OrNop(logger),
	}
}

// Refresh fetches synchronously and stores the result on success.
func (c *Cache) Refresh(ctx context.Context) error {
	g, err := c.fetcher.Global(ctx)
	if err != nil {
		return err
	}
	snap := &Snapshot{Global: g, FetchedAt: c.now()}
	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
	return nil
}

// Schedule queues a refresh on the network pool.
func (c *Cache) Schedule(ctx context.Context) error {
	return c.pool.Submit(ctx, "market", func(taskCtx context.Context) error {
		if err := c.Refresh(taskCtx); err != nil {
			c.log.Warn("market snapshot refresh failed", observability.Err(err))
		}
		return nil
	})
}

// Latest returns the last good snapshot.
func (c *Cache) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Snapshot{}, false
	}
	return *c.last, true
}
