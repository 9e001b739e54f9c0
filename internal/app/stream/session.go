// Package stream owns the Kraken streaming connection: the session actor, the
// subscription reconciler and the frame router.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
	"github.com/coachpo/pricewatch/internal/observability"
	"github.com/coachpo/pricewatch/internal/telemetry"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultRetryDelay   = 2 * time.Second
	commandQueueSize    = 256
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// Dialer opens a streaming connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (kraken.Conn, error)
}

// Transition describes one state change.
type Transition struct {
	From         State
	To           State
	ConnectionID string
	Attempt      int
	Delay        time.Duration
	Err          error
}

// Observer is notified of every transition on the session actor. It must not block.
type Observer func(Transition)

// Options configures a Session.
type Options struct {
	URL          string
	Channel      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	RetryDelay   time.Duration

	Dialer    Dialer
	Prices    PriceHandler
	Clock     Clock
	Logger    observability.Logger
	Meter     metric.Meter
	Observers []Observer
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = kraken.DefaultWebsocketURL
	}
	if o.Channel == "" {
		o.Channel = kraken.DefaultChannel
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.Dialer == nil {
		o.Dialer = kraken.WebsocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	o.Logger = observability.OrNop(o.Logger)
	return o
}

// SessionSnapshot is the externally visible session status.
type SessionSnapshot struct {
	State         string               `json:"state"`
	ConnectionID  string               `json:"connectionId,omitempty"`
	Attempt       int                  `json:"attempt"`
	Subscriptions SubscriptionSnapshot `json:"subscriptions"`
}

// Session maintains one streaming connection with automatic reconnect and
// drives the reconciler. All mutable state is owned by a single actor
// goroutine; every input arrives as a command on its queue.
type Session struct {
	opts   Options
	router *router

	cmds      chan func()
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	started   atomic.Bool
	stopOnce  sync.Once
	stateView atomic.Int32

	transitions metric.Int64Counter
	acks        metric.Int64Counter

	// actor-owned
	state       State
	gen         uint64
	conn        kraken.Conn
	connCancel  context.CancelFunc
	connID      string
	attempt     int
	back        *backoff.ExponentialBackOff
	reconnect   Timer
	ping        Timer
	retries     map[string]Timer
	reqID       int64
	intentional bool
	stopped     bool
	reconciler  *Reconciler
}

// NewSession constructs an idle session. Call Start to connect.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:    opts,
		cmds:    make(chan func(), commandQueueSize),
		done:    make(chan struct{}),
		back:    newReconnectBackOff(),
		retries: make(map[string]Timer),
	}
	s.reconciler = NewReconciler(s.scheduleRetry)
	s.router = newRouter(opts.Channel, opts.Prices, opts.Logger, opts.Meter)
	if opts.Meter != nil {
		s.transitions, _ = opts.Meter.Int64Counter("pricewatch.session.transitions",
			metric.WithDescription("Streaming connection state transitions"),
			metric.WithUnit("{transition}"))
		s.acks, _ = opts.Meter.Int64Counter("pricewatch.subscription.acks",
			metric.WithDescription("Subscription acknowledgements by status"),
			metric.WithUnit("{ack}"))
	}
	return s
}

// Start launches the actor and begins connecting.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errs.New("stream/session", errs.CodeInvalid, errs.WithMessage("session already started"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Go(s.loop)
	s.post(s.connect)
	return nil
}

// SetDesired replaces the set of symbols the session should be subscribed to.
func (s *Session) SetDesired(symbols []string) error {
	desired := append([]string(nil), symbols...)
	if !s.post(func() {
		if err := s.reconciler.SetDesired(desired); err != nil {
			s.opts.Logger.Warn("subscription update failed", observability.Err(err))
		}
	}) {
		return errs.New("stream/session", errs.CodeUnavailable, errs.WithMessage("session stopped"))
	}
	return nil
}

// State returns the last published state without touching the actor.
func (s *Session) State() State {
	return State(s.stateView.Load())
}

// Snapshot asks the actor for the current session status.
func (s *Session) Snapshot(ctx context.Context) (SessionSnapshot, error) {
	if !s.started.Load() {
		return SessionSnapshot{State: StateDisconnected.String()}, nil
	}
	reply := make(chan SessionSnapshot, 1)
	if !s.post(func() {
		reply <- SessionSnapshot{
			State:         s.state.String(),
			ConnectionID:  s.connID,
			Attempt:       s.attempt,
			Subscriptions: s.reconciler.Snapshot(),
		}
	}) {
		return SessionSnapshot{State: s.State().String()}, nil
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return SessionSnapshot{}, fmt.Errorf("session snapshot: %w", ctx.Err())
	case <-s.done:
		return SessionSnapshot{State: s.State().String()}, nil
	}
}

// Shutdown closes the connection normally, cancels every timer and waits for
// the session goroutines. No reconnect happens after it returns.
func (s *Session) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.stopOnce.Do(func() {
		s.post(s.stop)
		s.cancel()
	})
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) loop() {
	defer s.drain()
	for {
		select {
		case fn := <-s.cmds:
			fn()
			if s.stopped {
				return
			}
		case <-s.ctx.Done():
			s.stop()
			return
		}
	}
}

// drain runs commands queued after stop so late dial results release their
// connections. Every command is a no-op once the session is intentional.
func (s *Session) drain() {
	close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		default:
			return
		}
	}
}

func (s *Session) stop() {
	if s.stopped {
		return
	}
	s.intentional = true
	stopTimer(s.reconnect)
	s.reconnect = nil
	s.stopRetries()
	if s.conn != nil {
		s.setState(StateClosing, nil)
		conn := s.detachConn()
		if err := conn.Close("shutdown"); err != nil {
			s.opts.Logger.Debug("close on shutdown", observability.Err(err))
		}
	}
	s.reconciler.Close()
	s.setState(StateDisconnected, nil)
	s.stopped = true
}

func (s *Session) connect() {
	if s.intentional {
		return
	}
	s.reconnect = nil
	s.gen++
	gen := s.gen
	s.setState(StateConnecting, nil)

	parent := s.ctx
	s.wg.Go(func() {
		dialCtx, cancel := context.WithTimeout(parent, s.opts.DialTimeout)
		conn, err := s.opts.Dialer.Dial(dialCtx, s.opts.URL)
		cancel()
		if !s.post(func() { s.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close("session stopped")
		}
	})
}

func (s *Session) onDialed(gen uint64, conn kraken.Conn, err error) {
	if gen != s.gen || s.intentional {
		if conn != nil {
			_ = conn.Close("stale connection")
		}
		return
	}
	if err != nil {
		s.fault(fmt.Errorf("dial %s: %w", s.opts.URL, err))
		return
	}

	readCtx, cancel := context.WithCancel(s.ctx)
	s.conn = conn
	s.connCancel = cancel
	s.connID = uuid.NewString()
	s.attempt = 0
	s.back.Reset()
	s.setState(StateOpen, nil)

	s.wg.Go(func() { s.readLoop(readCtx, gen, conn) })
	if err := s.reconciler.Open(sessionSender{s}); err != nil {
		s.opts.Logger.Warn("resubscribe failed", observability.F("connection_id", s.connID), observability.Err(err))
	}
	s.schedulePing(gen)
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn kraken.Conn) {
	onAck := func(a Ack) {
		s.post(func() { s.onAck(gen, a) })
	}
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.post(func() { s.onConnLost(gen, err) })
			return
		}
		s.router.route(ctx, data, onAck)
	}
}

func (s *Session) onConnLost(gen uint64, err error) {
	if gen != s.gen || s.conn == nil {
		return
	}
	conn := s.detachConn()
	_ = conn.Close("read failed")
	if s.intentional {
		return
	}
	s.fault(fmt.Errorf("connection lost: %w", err))
}

func (s *Session) fault(err error) {
	s.setState(StateFaulted, err)
	s.reconciler.Close()
	s.stopRetries()

	s.attempt++
	delay := nextReconnectDelay(s.back)
	s.setStateWithDelay(StateBackoff, delay)
	s.reconnect = s.opts.Clock.AfterFunc(delay, func() {
		s.post(s.connect)
	})
}

func (s *Session) detachConn() kraken.Conn {
	conn := s.conn
	s.conn = nil
	s.connID = ""
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	stopTimer(s.ping)
	s.ping = nil
	return conn
}

func (s *Session) onAck(gen uint64, a Ack) {
	if gen != s.gen {
		return
	}
	if s.acks != nil {
		s.acks.Add(s.ctx, 1, metric.WithAttributes(telemetry.AckAttributes(string(a.Status))...))
	}
	if a.Status == kraken.AckError {
		s.opts.Logger.Warn("subscription rejected",
			observability.F("symbol", a.Symbol),
			observability.F("reason", a.Message))
	}
	if err := s.reconciler.OnAck(a.Symbol, a.Status); err != nil {
		s.opts.Logger.Warn("ack follow-up failed", observability.F("symbol", a.Symbol), observability.Err(err))
	}
}

// scheduleRetry runs on the actor from inside the reconciler.
func (s *Session) scheduleRetry(symbol string) {
	if s.intentional {
		return
	}
	stopTimer(s.retries[symbol])
	s.retries[symbol] = s.opts.Clock.AfterFunc(s.opts.RetryDelay, func() {
		s.post(func() {
			delete(s.retries, symbol)
			if err := s.reconciler.Retry(symbol); err != nil {
				s.opts.Logger.Warn("subscription retry failed", observability.F("symbol", symbol), observability.Err(err))
			}
		})
	})
}

func (s *Session) stopRetries() {
	for symbol, t := range s.retries {
		stopTimer(t)
		delete(s.retries, symbol)
	}
}

func (s *Session) schedulePing(gen uint64) {
	if s.opts.PingInterval <= 0 {
		return
	}
	s.ping = s.opts.Clock.AfterFunc(s.opts.PingInterval, func() {
		s.post(func() {
			if gen != s.gen || s.conn == nil {
				return
			}
			s.reqID++
			data, err := kraken.EncodePing(s.reqID)
			if err == nil {
				err = s.write(data)
			}
			if err != nil {
				s.opts.Logger.Debug("ping failed", observability.Err(err))
				return
			}
			s.schedulePing(gen)
		})
	})
}

func (s *Session) write(data []byte) error {
	if s.conn == nil {
		return errs.New("stream/session", errs.CodeUnavailable, errs.WithMessage("connection not open"))
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, data); err != nil {
		// The read loop observes the close and reports the fault.
		_ = s.conn.Close("write failed")
		return errs.New("stream/session", errs.CodeNetwork, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (s *Session) setState(to State, err error) {
	s.transition(Transition{From: s.state, To: to, ConnectionID: s.connID, Attempt: s.attempt, Err: err})
}

func (s *Session) setStateWithDelay(to State, delay time.Duration) {
	s.transition(Transition{From: s.state, To: to, Attempt: s.attempt, Delay: delay})
}

func (s *Session) transition(t Transition) {
	s.state = t.To
	s.stateView.Store(int32(t.To))
	s.logTransition(t)
	if s.transitions != nil {
		s.transitions.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.ConnectionAttributes(telemetry.ProviderKraken, t.To.String())...))
	}
	for _, obs := range s.opts.Observers {
		if obs != nil {
			obs(t)
		}
	}
}

func (s *Session) logTransition(t Transition) {
	log := s.opts.Logger
	switch t.To {
	case StateOpen:
		log.Info("feed connected", observability.F("url", s.opts.URL), observability.F("connection_id", t.ConnectionID))
	case StateFaulted:
		log.Warn("feed faulted", observability.F("attempt", t.Attempt), observability.Err(t.Err))
	case StateBackoff:
		log.Info("feed reconnect scheduled", observability.F("attempt", t.Attempt), observability.F("delay", t.Delay.String()))
	default:
		log.Debug("feed state", observability.F("from", t.From.String()), observability.F("to", t.To.String()))
	}
}

type sessionSender struct {
	s *Session
}

func (ss sessionSender) Send(op Op, pairs []string) error {
	var (
		data []byte
		err  error
	)
	switch op {
	case OpSubscribe:
		data, err = kraken.EncodeSubscribe(ss.s.opts.Channel, pairs)
	case OpUnsubscribe:
		data, err = kraken.EncodeUnsubscribe(ss.s.opts.Channel, pairs)
	default:
		return errs.New("stream/session", errs.CodeInvalid, errs.WithMessage("unknown op "+string(op)))
	}
	if err != nil {
		return err
	}
	return ss.s.write(data)
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
