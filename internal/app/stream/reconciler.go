package stream

import (
	"sort"

	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
)

// Op is a subscription control operation.
type Op string

const (
	OpSubscribe   Op = kraken.EventSubscribe
	OpUnsubscribe Op = kraken.EventUnsubscribe
)

// Sender transmits one batched control message on the open connection.
type Sender interface {
	Send(op Op, pairs []string) error
}

// SubscriptionSnapshot is a point-in-time copy of the reconciler sets.
type SubscriptionSnapshot struct {
	Open    bool     `json:"open"`
	Desired []string `json:"desired"`
	Pending []string `json:"pending"`
	Active  []string `json:"active"`
}

// Reconciler tracks desired, pending and active subscriptions and emits the
// minimal control messages to converge them. It is not safe for concurrent use;
// the session actor owns it.
//
// Acks for a pair arrive in the order its control messages were sent, so each
// pair keeps a queue of unacknowledged ops. Pending and active are derived from
// that queue and the last confirmed upstream state.
type Reconciler struct {
	desired set
	pairs   map[string]*pairState

	sender        Sender
	scheduleRetry func(symbol string)
}

type pairState struct {
	// subscribed is the upstream state confirmed by the most recent ack.
	subscribed bool
	// inflight holds ops sent and not yet acknowledged, oldest first.
	inflight []Op
}

// intended is the upstream state once every op in flight is acknowledged.
func (p *pairState) intended() bool {
	if n := len(p.inflight); n > 0 {
		return p.inflight[n-1] == OpSubscribe
	}
	return p.subscribed
}

func (p *pairState) settled() bool {
	return len(p.inflight) == 0
}

// NewReconciler constructs a closed reconciler. scheduleRetry is invoked when an
// error ack arrives for a still desired symbol.
func NewReconciler(scheduleRetry func(symbol string)) *Reconciler {
	return &Reconciler{
		desired:       set{},
		pairs:         make(map[string]*pairState),
		scheduleRetry: scheduleRetry,
	}
}

// Open attaches the sender of a freshly opened connection and resubscribes the
// whole desired set. Prior pending and active bookkeeping is discarded.
func (r *Reconciler) Open(sender Sender) error {
	r.sender = sender
	r.pairs = make(map[string]*pairState)
	toAdd := r.desired.sorted()
	if len(toAdd) == 0 {
		return nil
	}
	return r.send(OpSubscribe, toAdd)
}

// Close detaches the sender and clears connection bound bookkeeping.
func (r *Reconciler) Close() {
	r.sender = nil
	r.pairs = make(map[string]*pairState)
}

// IsOpen reports whether a sender is attached.
func (r *Reconciler) IsOpen() bool {
	return r.sender != nil
}

// SetDesired replaces the desired set and, when open, sends one unsubscribe for
// everything no longer wanted and one subscribe for everything missing.
func (r *Reconciler) SetDesired(symbols []string) error {
	next := set{}
	for _, s := range symbols {
		if s != "" {
			next[s] = struct{}{}
		}
	}
	r.desired = next
	if r.sender == nil {
		return nil
	}

	var toRemove []string
	for s, p := range r.pairs {
		if !r.desired.has(s) && p.intended() {
			toRemove = append(toRemove, s)
		}
	}
	var toAdd []string
	for s := range r.desired {
		if p, ok := r.pairs[s]; !ok || !p.intended() {
			toAdd = append(toAdd, s)
		}
	}

	var firstErr error
	if len(toRemove) > 0 {
		sort.Strings(toRemove)
		firstErr = r.send(OpUnsubscribe, toRemove)
	}
	if len(toAdd) > 0 {
		sort.Strings(toAdd)
		if err := r.send(OpSubscribe, toAdd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnAck applies a subscription acknowledgement to the oldest op in flight for
// symbol. Unsolicited acks only update the confirmed upstream state. Once a pair
// has nothing in flight it is converged: an unwanted live pair is unsubscribed,
// a wanted pair dropped upstream is resubscribed and a rejected one is retried
// later.
func (r *Reconciler) OnAck(symbol string, status kraken.AckStatus) error {
	p, ok := r.pairs[symbol]
	if !ok {
		p = &pairState{}
	}
	switch status {
	case kraken.AckSubscribed:
		p.ack(OpSubscribe)
		p.subscribed = true
	case kraken.AckUnsubscribed:
		p.ack(OpUnsubscribe)
		p.subscribed = false
	case kraken.AckError:
		if len(p.inflight) > 0 {
			p.inflight = p.inflight[1:]
		}
		p.subscribed = false
	default:
		return nil
	}
	r.pairs[symbol] = p

	if !p.settled() {
		return nil
	}
	wanted := r.desired.has(symbol)
	switch {
	case wanted && !p.subscribed:
		if status == kraken.AckError {
			if r.scheduleRetry != nil {
				r.scheduleRetry(symbol)
			}
			return nil
		}
		if r.sender != nil {
			return r.send(OpSubscribe, []string{symbol})
		}
	case !wanted && p.subscribed:
		if r.sender != nil {
			return r.send(OpUnsubscribe, []string{symbol})
		}
	case !wanted:
		delete(r.pairs, symbol)
	}
	return nil
}

// ack drops the oldest op in flight when it is the one being acknowledged.
func (p *pairState) ack(op Op) {
	if len(p.inflight) > 0 && p.inflight[0] == op {
		p.inflight = p.inflight[1:]
	}
}

// Retry resubscribes symbol if it is still desired and neither pending nor active.
func (r *Reconciler) Retry(symbol string) error {
	if r.sender == nil || !r.desired.has(symbol) {
		return nil
	}
	if p, ok := r.pairs[symbol]; ok && p.intended() {
		return nil
	}
	return r.send(OpSubscribe, []string{symbol})
}

// Snapshot copies the current sets.
func (r *Reconciler) Snapshot() SubscriptionSnapshot {
	pending, active := set{}, set{}
	for s, p := range r.pairs {
		if !r.desired.has(s) {
			continue
		}
		switch {
		case !p.settled() && p.intended():
			pending.add(s)
		case p.settled() && p.subscribed:
			active.add(s)
		}
	}
	return SubscriptionSnapshot{
		Open:    r.sender != nil,
		Desired: r.desired.sorted(),
		Pending: pending.sorted(),
		Active:  active.sorted(),
	}
}

// send records op as in flight for every pair before writing it. A failed write
// faults the connection, and Open rebuilds the bookkeeping.
func (r *Reconciler) send(op Op, pairs []string) error {
	for _, s := range pairs {
		p, ok := r.pairs[s]
		if !ok {
			p = &pairState{}
			r.pairs[s] = p
		}
		p.inflight = append(p.inflight, op)
	}
	return r.sender.Send(op, pairs)
}

type set map[string]struct{}

func (s set) has(v string) bool {
	_, ok := s[v]
	return ok
}

func (s set) add(v string) { s[v] = struct{}{} }

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
