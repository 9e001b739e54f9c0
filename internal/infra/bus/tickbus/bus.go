// Package tickbus fans live price ticks out to in-process observers.
package tickbus

import (
	"context"
	"time"
)

// TickEvent is one accepted last-trade price.
type TickEvent struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Change     *float64  `json:"change,omitempty"`
	Seq        uint64    `json:"seq"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// SubscriptionID identifies a subscriber.
type SubscriptionID string

// Bus publishes ticks to every subscriber.
type Bus interface {
	Publish(ctx context.Context, evt TickEvent) error
	Subscribe(ctx context.Context) (SubscriptionID, <-chan TickEvent, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	return c
}
