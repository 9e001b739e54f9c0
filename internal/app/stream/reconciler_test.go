package stream

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
)

type sentMessage struct {
	op    Op
	pairs []string
}

type recordingSender struct {
	sent []sentMessage
	err  error
}

func (r *recordingSender) Send(op Op, pairs []string) error {
	r.sent = append(r.sent, sentMessage{op: op, pairs: append([]string(nil), pairs...)})
	return r.err
}

func (r *recordingSender) reset() {
	r.sent = nil
}

func openReconciler(t *testing.T, desired ...string) (*Reconciler, *recordingSender, *[]string) {
	t.Helper()
	var retried []string
	rec := NewReconciler(func(symbol string) { retried = append(retried, symbol) })
	require.NoError(t, rec.SetDesired(desired))
	sender := &recordingSender{}
	require.NoError(t, rec.Open(sender))
	return rec, sender, &retried
}

func ackAll(t *testing.T, rec *Reconciler, status kraken.AckStatus, symbols ...string) {
	t.Helper()
	for _, s := range symbols {
		require.NoError(t, rec.OnAck(s, status))
	}
}

func TestSetDesiredSendsMinimalDiff(t *testing.T) {
	rec, sender, _ := openReconciler(t, "XBT/USD", "ETH/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD", "ETH/USD")
	sender.reset()

	require.NoError(t, rec.SetDesired([]string{"ETH/USD", "SOL/USD", "ADA/USD"}))

	require.Equal(t, []sentMessage{
		{op: OpUnsubscribe, pairs: []string{"XBT/USD"}},
		{op: OpSubscribe, pairs: []string{"ADA/USD", "SOL/USD"}},
	}, sender.sent)
	snap := rec.Snapshot()
	require.Equal(t, []string{"ETH/USD"}, snap.Active)
	require.Equal(t, []string{"ADA/USD", "SOL/USD"}, snap.Pending)
}

func TestSetDesiredWithNoChangeSendsNothing(t *testing.T) {
	rec, sender, _ := openReconciler(t, "XBT/USD")
	sender.reset()

	require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	require.Empty(t, sender.sent)

	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	require.Empty(t, sender.sent)
}

func TestSetDesiredWhileClosedOnlyRecordsDesired(t *testing.T) {
	rec := NewReconciler(nil)
	require.NoError(t, rec.SetDesired([]string{"XBT/USD", "", "ETH/USD"}))

	snap := rec.Snapshot()
	require.False(t, snap.Open)
	require.Equal(t, []string{"ETH/USD", "XBT/USD"}, snap.Desired)
	require.Empty(t, snap.Pending)
	require.Empty(t, snap.Active)
}

func TestOpenResubscribesWholeDesiredSetAfterFault(t *testing.T) {
	rec, first, _ := openReconciler(t, "XBT/USD", "ETH/USD", "SOL/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD", "ETH/USD", "SOL/USD")
	require.Len(t, rec.Snapshot().Active, 3)

	rec.Close()
	require.False(t, rec.IsOpen())
	require.Empty(t, rec.Snapshot().Active)

	second := &recordingSender{}
	require.NoError(t, rec.Open(second))
	require.Equal(t, []sentMessage{{op: OpSubscribe, pairs: []string{"ETH/USD", "SOL/USD", "XBT/USD"}}}, second.sent)
	require.Len(t, first.sent, 1)

	snap := rec.Snapshot()
	require.Equal(t, []string{"ETH/USD", "SOL/USD", "XBT/USD"}, snap.Pending)
	require.Empty(t, snap.Active)
}

func TestStrayUnsubscribedAckIsNoop(t *testing.T) {
	rec, sender, retried := openReconciler(t, "XBT/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	sender.reset()
	before := rec.Snapshot()

	require.NoError(t, rec.OnAck("DOGE/USD", kraken.AckUnsubscribed))

	require.Equal(t, before, rec.Snapshot())
	require.Empty(t, sender.sent)
	require.Empty(t, *retried)
}

func TestSubscribedAckForUnknownSymbolIsNotActivated(t *testing.T) {
	rec, _, _ := openReconciler(t, "XBT/USD")
	require.NoError(t, rec.OnAck("XBT/USD", kraken.AckSubscribed))
	require.NoError(t, rec.OnAck("XBT/USD", kraken.AckSubscribed))

	require.Equal(t, []string{"XBT/USD"}, rec.Snapshot().Active)
}

func TestRemovedWhilePendingThenSubscribedAck(t *testing.T) {
	rec, sender, _ := openReconciler(t)
	require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	require.NoError(t, rec.SetDesired(nil))
	require.Equal(t, []sentMessage{
		{op: OpSubscribe, pairs: []string{"XBT/USD"}},
		{op: OpUnsubscribe, pairs: []string{"XBT/USD"}},
	}, sender.sent)
	sender.reset()

	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	require.Empty(t, sender.sent, "unsubscribe already in flight")
	ackAll(t, rec, kraken.AckUnsubscribed, "XBT/USD")

	snap := rec.Snapshot()
	require.Empty(t, snap.Active)
	require.Empty(t, snap.Pending)
}

func TestSubscribedAckForUndesiredSymbolSendsUnsubscribe(t *testing.T) {
	rec, sender, _ := openReconciler(t)
	sender.reset()

	// An ack nobody is waiting for: the pair is live remotely but unwanted.
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	require.Equal(t, []sentMessage{{op: OpUnsubscribe, pairs: []string{"XBT/USD"}}}, sender.sent)
	require.Empty(t, rec.Snapshot().Active)

	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	require.Len(t, sender.sent, 1)
}

func TestRemovedAfterSubscribedAck(t *testing.T) {
	rec, sender, _ := openReconciler(t, "XBT/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	sender.reset()

	require.NoError(t, rec.SetDesired(nil))
	require.Equal(t, []sentMessage{{op: OpUnsubscribe, pairs: []string{"XBT/USD"}}}, sender.sent)
	require.Empty(t, rec.Snapshot().Active)

	ackAll(t, rec, kraken.AckUnsubscribed, "XBT/USD")
	require.Len(t, sender.sent, 1)
	require.Empty(t, rec.Snapshot().Active)
}

func TestReaddedWhileUnsubscribeInFlight(t *testing.T) {
	rec, sender, _ := openReconciler(t, "XBT/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	sender.reset()

	require.NoError(t, rec.SetDesired(nil))
	require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	require.Equal(t, []sentMessage{
		{op: OpUnsubscribe, pairs: []string{"XBT/USD"}},
		{op: OpSubscribe, pairs: []string{"XBT/USD"}},
	}, sender.sent)

	ackAll(t, rec, kraken.AckUnsubscribed, "XBT/USD")
	require.Equal(t, []string{"XBT/USD"}, rec.Snapshot().Pending)
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")

	snap := rec.Snapshot()
	require.Equal(t, []string{"XBT/USD"}, snap.Active)
	require.Empty(t, snap.Pending)
	require.Len(t, sender.sent, 2)
}

func TestRepeatedToggleWithInOrderAcksEndsActive(t *testing.T) {
	rec, sender, _ := openReconciler(t, "XBT/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	sender.reset()

	for i := 0; i < 2; i++ {
		require.NoError(t, rec.SetDesired(nil))
		require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	}
	require.Equal(t, []sentMessage{
		{op: OpUnsubscribe, pairs: []string{"XBT/USD"}},
		{op: OpSubscribe, pairs: []string{"XBT/USD"}},
		{op: OpUnsubscribe, pairs: []string{"XBT/USD"}},
		{op: OpSubscribe, pairs: []string{"XBT/USD"}},
	}, sender.sent)

	ackAll(t, rec, kraken.AckUnsubscribed, "XBT/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	ackAll(t, rec, kraken.AckUnsubscribed, "XBT/USD")
	require.Equal(t, []string{"XBT/USD"}, rec.Snapshot().Pending)
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")

	snap := rec.Snapshot()
	require.Equal(t, []string{"XBT/USD"}, snap.Active)
	require.Empty(t, snap.Pending)
	require.Len(t, sender.sent, 4)

	require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	require.Len(t, sender.sent, 4)
}

func TestDroppedUpstreamPairIsResubscribed(t *testing.T) {
	rec, sender, retried := openReconciler(t, "XBT/USD")
	ackAll(t, rec, kraken.AckSubscribed, "XBT/USD")
	sender.reset()

	ackAll(t, rec, kraken.AckUnsubscribed, "XBT/USD")
	require.Equal(t, []sentMessage{{op: OpSubscribe, pairs: []string{"XBT/USD"}}}, sender.sent)
	require.Equal(t, []string{"XBT/USD"}, rec.Snapshot().Pending)
	require.Empty(t, *retried)
}

// inOrderServer applies control messages one at a time and acks every pair in
// send order. It fails on a duplicate subscribe or an unsubscribe of a pair it
// does not hold.
type inOrderServer struct {
	t      *testing.T
	inbox  []sentMessage
	acks   []sentMessage
	active map[string]bool
}

func (s *inOrderServer) Send(op Op, pairs []string) error {
	s.inbox = append(s.inbox, sentMessage{op: op, pairs: append([]string(nil), pairs...)})
	return nil
}

func (s *inOrderServer) process() {
	msg := s.inbox[0]
	s.inbox = s.inbox[1:]
	for _, p := range msg.pairs {
		switch msg.op {
		case OpSubscribe:
			require.False(s.t, s.active[p], "duplicate subscribe for %s", p)
			s.active[p] = true
		case OpUnsubscribe:
			require.True(s.t, s.active[p], "unsubscribe for %s not held", p)
			delete(s.active, p)
		}
		s.acks = append(s.acks, sentMessage{op: msg.op, pairs: []string{p}})
	}
}

func (s *inOrderServer) deliver(rec *Reconciler) {
	ack := s.acks[0]
	s.acks = s.acks[1:]
	status := kraken.AckSubscribed
	if ack.op == OpUnsubscribe {
		status = kraken.AckUnsubscribed
	}
	require.NoError(s.t, rec.OnAck(ack.pairs[0], status))
}

func TestRandomEditsConvergeWithInOrderServer(t *testing.T) {
	universe := []string{"ADA/USD", "ETH/USD", "XBT/USD"}
	for seed := uint64(1); seed <= 200; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		server := &inOrderServer{t: t, active: map[string]bool{}}
		rec := NewReconciler(nil)
		require.NoError(t, rec.Open(server))

		var desired []string
		for step := 0; step < 60; step++ {
			switch rng.IntN(3) {
			case 0:
				desired = desired[:0]
				for _, s := range universe {
					if rng.IntN(2) == 0 {
						desired = append(desired, s)
					}
				}
				require.NoError(t, rec.SetDesired(desired))
			case 1:
				if len(server.inbox) > 0 {
					server.process()
				}
			case 2:
				if len(server.acks) > 0 {
					server.deliver(rec)
				}
			}
		}
		for len(server.inbox) > 0 || len(server.acks) > 0 {
			if len(server.inbox) > 0 {
				server.process()
				continue
			}
			server.deliver(rec)
		}

		held := make([]string, 0, len(server.active))
		for _, s := range universe {
			if server.active[s] {
				held = append(held, s)
			}
		}
		snap := rec.Snapshot()
		require.Equal(t, snap.Desired, held, "seed %d", seed)
		require.Equal(t, snap.Desired, snap.Active, "seed %d", seed)
		require.Empty(t, snap.Pending, "seed %d", seed)
	}
}

func TestErrorAckSchedulesRetryForDesiredSymbol(t *testing.T) {
	rec, sender, retried := openReconciler(t, "XBT/USD", "FOO/BAR")
	sender.reset()

	ackAll(t, rec, kraken.AckError, "FOO/BAR")
	require.Equal(t, []string{"FOO/BAR"}, *retried)
	require.Equal(t, []string{"XBT/USD"}, rec.Snapshot().Pending)

	require.NoError(t, rec.Retry("FOO/BAR"))
	require.Equal(t, []sentMessage{{op: OpSubscribe, pairs: []string{"FOO/BAR"}}}, sender.sent)
	require.Equal(t, []string{"FOO/BAR", "XBT/USD"}, rec.Snapshot().Pending)

	// Already pending: the retry is a no-op.
	require.NoError(t, rec.Retry("FOO/BAR"))
	require.Len(t, sender.sent, 1)
}

func TestErrorAckForUndesiredSymbolDoesNotRetry(t *testing.T) {
	rec, _, retried := openReconciler(t, "XBT/USD")
	require.NoError(t, rec.SetDesired(nil))

	ackAll(t, rec, kraken.AckError, "XBT/USD")
	require.Empty(t, *retried)
}

func TestRetryWhileClosedIsNoop(t *testing.T) {
	rec, sender, _ := openReconciler(t, "XBT/USD")
	ackAll(t, rec, kraken.AckError, "XBT/USD")
	rec.Close()
	sender.reset()

	require.NoError(t, rec.Retry("XBT/USD"))
	require.Empty(t, sender.sent)
	require.Empty(t, rec.Snapshot().Pending)
}

func TestSendFailureIsReturned(t *testing.T) {
	rec := NewReconciler(nil)
	require.NoError(t, rec.SetDesired([]string{"XBT/USD"}))
	boom := errors.New("write failed")

	err := rec.Open(&recordingSender{err: boom})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"XBT/USD"}, rec.Snapshot().Pending)
}
