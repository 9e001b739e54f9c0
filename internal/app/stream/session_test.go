package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
)

const waitTimeout = 2 * time.Second

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeClock struct {
	scheduled chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan *fakeTimer, 64)}
}

func (c *fakeClock) Now() time.Time { return time.Unix(1_700_000_000, 0) }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	c.scheduled <- t
	return t
}

func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case timer := <-c.scheduled:
		return timer
	case <-time.After(waitTimeout):
		t.Fatal("no timer scheduled")
		return nil
	}
}

type fakeConn struct {
	reads     chan []byte
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		writes: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.reads:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.writes <- data
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.writes:
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no frame written")
		return nil
	}
}

func (c *fakeConn) send(frame string) {
	c.reads <- []byte(frame)
}

type dialResult struct {
	conn kraken.Conn
	err  error
}

type fakeDialer struct {
	results chan dialResult
	calls   atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (kraken.Conn, error) {
	d.calls.Add(1)
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type sessionHarness struct {
	session     *Session
	dialer      *fakeDialer
	clock       *fakeClock
	transitions chan Transition
	prices      chan float64
}

func newHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		dialer:      newFakeDialer(),
		clock:       newFakeClock(),
		transitions: make(chan Transition, 64),
		prices:      make(chan float64, 16),
	}
	h.session = NewSession(Options{
		Dialer: h.dialer,
		Clock:  h.clock,
		Prices: PriceHandlerFunc(func(_ context.Context, _ string, price float64) error {
			h.prices <- price
			return nil
		}),
		Observers: []Observer{func(tr Transition) { h.transitions <- tr }},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.session.Shutdown(ctx)
	})
	return h
}

func (h *sessionHarness) waitFor(t *testing.T, state State) Transition {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case tr := <-h.transitions:
			if tr.To == state {
				return tr
			}
		case <-deadline:
			t.Fatalf("session never reached %s", state)
			return Transition{}
		}
	}
}

func (h *sessionHarness) open(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	h.waitFor(t, StateOpen)
	return conn
}

func pairsOf(msg map[string]any) []string {
	raw, _ := msg["pair"].([]any)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.(string))
	}
	return out
}

func subscribedAck(pair string) string {
	return `{"event":"subscriptionStatus","status":"subscribed","pair":"` + pair + `","channelName":"ticker"}`
}

func TestSessionResubscribesAllDesiredAfterReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	require.NoError(t, h.session.SetDesired([]string{"XBT/USD", "ETH/USD", "SOL/USD"}))

	first := h.open(t)
	// SetDesired may land before or after the open; either way the full set goes out once.
	msg := first.nextWrite(t)
	require.Equal(t, kraken.EventSubscribe, msg["event"])
	require.ElementsMatch(t, []string{"ETH/USD", "SOL/USD", "XBT/USD"}, pairsOf(msg))
	for _, p := range []string{"XBT/USD", "ETH/USD", "SOL/USD"} {
		first.send(subscribedAck(p))
	}

	require.NoError(t, first.Close("remote"))
	backoffTr := h.waitFor(t, StateBackoff)
	require.Equal(t, 2*time.Second, backoffTr.Delay)
	h.clock.next(t).fire()

	second := h.open(t)
	msg = second.nextWrite(t)
	require.Equal(t, kraken.EventSubscribe, msg["event"])
	require.Equal(t, []string{"ETH/USD", "SOL/USD", "XBT/USD"}, pairsOf(msg))
}

func TestSessionReconnectDelays(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))

	for attempt := 1; attempt <= 7; attempt++ {
		h.dialer.results <- dialResult{err: errors.New("refused")}
		tr := h.waitFor(t, StateBackoff)
		exp := attempt
		if exp > 5 {
			exp = 5
		}
		want := time.Duration(1<<exp) * time.Second
		if want > 30*time.Second {
			want = 30 * time.Second
		}
		require.Equal(t, want, tr.Delay, "attempt %d", attempt)
		require.Equal(t, attempt, tr.Attempt)

		timer := h.clock.next(t)
		require.Equal(t, want, timer.d)
		timer.fire()
	}

	conn := h.open(t)
	require.NoError(t, conn.Close("remote"))
	tr := h.waitFor(t, StateBackoff)
	require.Equal(t, 2*time.Second, tr.Delay, "open resets the attempt counter")
}

func TestSessionErrorAckRetriesAfterDelay(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SetDesired([]string{"FOO/BAR"}))
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.open(t)
	require.Equal(t, []string{"FOO/BAR"}, pairsOf(conn.nextWrite(t)))

	conn.send(`{"event":"subscriptionStatus","status":"error","pair":"FOO/BAR","errorMessage":"Currency pair not supported"}`)
	retry := h.clock.next(t)
	require.Equal(t, 2*time.Second, retry.d)
	retry.fire()

	msg := conn.nextWrite(t)
	require.Equal(t, kraken.EventSubscribe, msg["event"])
	require.Equal(t, []string{"FOO/BAR"}, pairsOf(msg))
}

func TestSessionRoutesTickerAndDropsMalformedFrames(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.open(t)

	conn.send(`[42,{"c":"oops"},"ticker","XBT/USD"]`)
	conn.send(`not json`)
	conn.send(`{"event":"heartbeat"}`)
	conn.send(`[42,{"c":["50000.1","0.01"]},"ticker","XBT/USD"]`)

	select {
	case price := <-h.prices:
		require.InDelta(t, 50000.1, price, 1e-9)
	case <-time.After(waitTimeout):
		t.Fatal("ticker not routed")
	}
	select {
	case price := <-h.prices:
		t.Fatalf("unexpected price %v", price)
	default:
	}
	require.Equal(t, StateOpen, h.session.State())
}

func TestSessionShutdownDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.open(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.Shutdown(ctx))

	require.True(t, conn.isClosed())
	require.Equal(t, StateDisconnected, h.session.State())
	require.Equal(t, int32(1), h.dialer.calls.Load())
	require.Empty(t, h.clock.scheduled, "no reconnect timer after shutdown")
	require.Error(t, h.session.SetDesired([]string{"XBT/USD"}))
}

func TestSessionShutdownLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t)
	require.NoError(t, h.session.SetDesired([]string{"XBT/USD"}))
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.open(t)
	conn.nextWrite(t)
	conn.send(subscribedAck("XBT/USD"))
	conn.send(`[42,{"c":["50000.1","0.01"]},"ticker","XBT/USD"]`)
	<-h.prices

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.Shutdown(ctx))
}

func TestSessionShutdownCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background()))
	h.dialer.results <- dialResult{err: errors.New("refused")}
	h.waitFor(t, StateBackoff)
	timer := h.clock.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.session.Shutdown(ctx))

	require.True(t, timer.isStopped())
	timer.fire()
	require.Equal(t, int32(1), h.dialer.calls.Load())
}

func TestSessionSnapshotReportsSubscriptions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.SetDesired([]string{"XBT/USD"}))
	require.NoError(t, h.session.Start(context.Background()))
	conn := h.open(t)
	conn.nextWrite(t)
	conn.send(subscribedAck("XBT/USD"))

	require.Eventually(t, func() bool {
		snap, err := h.session.Snapshot(context.Background())
		return err == nil && len(snap.Subscriptions.Active) == 1
	}, waitTimeout, 10*time.Millisecond)

	snap, err := h.session.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "open", snap.State)
	require.NotEmpty(t, snap.ConnectionID)
	require.Equal(t, []string{"XBT/USD"}, snap.Subscriptions.Desired)
}

func TestReconnectBackOffSequence(t *testing.T) {
	b := newReconnectBackOff()
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, nextReconnectDelay(b))
	}
	require.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	require.Equal(t, 2*time.Second, nextReconnectDelay(b))
}
