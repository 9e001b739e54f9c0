package watchlist

// Notifier is a coalescing change signal with a single consumer. Several rapid
// notifications collapse into one pending signal; none is lost while the
// consumer is busy.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier constructs a notifier holding at most one pending signal.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify records a change without blocking.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the signal channel.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}
