package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 30 * time.Second
)

// newReconnectBackOff yields 2s, 4s, 8s, 16s, 30s, 30s ... with no jitter.
func newReconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = reconnectMaxDelay
	b.Reset()
	return b
}

func nextReconnectDelay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		return reconnectMaxDelay
	}
	return d
}
