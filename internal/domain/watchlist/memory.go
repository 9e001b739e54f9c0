package watchlist

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/pricewatch/errs"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	notifier *Notifier
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]Entry),
		notifier: NewNotifier(),
	}
}

// List returns entries ordered by symbol.
func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Get returns the entry for symbol.
func (s *MemoryStore) Get(_ context.Context, symbol string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[symbol]
	if !ok {
		return Entry{}, false, nil
	}
	return e.Clone(), true, nil
}

// Add inserts the symbol or refreshes its display name.
func (s *MemoryStore) Add(_ context.Context, symbol, displayName string) (Entry, error) {
	if err := ValidateSymbol("watchlist/memory", symbol); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	e, existed := s.entries[symbol]
	e.Symbol = symbol
	e.DisplayName = displayName
	s.entries[symbol] = e
	s.mu.Unlock()
	if !existed {
		s.notifier.Notify()
	}
	return e.Clone(), nil
}

// Remove deletes the entry, reporting whether it existed.
func (s *MemoryStore) Remove(_ context.Context, symbol string) (bool, error) {
	s.mu.Lock()
	_, ok := s.entries[symbol]
	delete(s.entries, symbol)
	s.mu.Unlock()
	if ok {
		s.notifier.Notify()
	}
	return ok, nil
}

// UpdatePrice writes price, timestamp and change together. Unknown symbols are ignored.
func (s *MemoryStore) UpdatePrice(_ context.Context, u PriceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[u.Symbol]
	if !ok {
		return nil
	}
	e.LastPrice = Float(u.Price)
	e.LastUpdated = u.At
	e.Change = cloneFloat(u.Change)
	s.entries[u.Symbol] = e
	return nil
}

// UpdateHistory writes history, history timestamp, baseline and change together.
func (s *MemoryStore) UpdateHistory(_ context.Context, u HistoryUpdate) error {
	if len(u.History) == 0 {
		return errs.New("watchlist/memory", errs.CodeInvalid, errs.WithSymbol(u.Symbol), errs.WithMessage("empty history"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[u.Symbol]
	if !ok {
		return nil
	}
	e.History = append([]Point(nil), u.History...)
	e.HistoryUpdated = u.At
	e.Baseline = cloneFloat(u.Baseline)
	e.Change = cloneFloat(u.Change)
	s.entries[u.Symbol] = e
	return nil
}

// Changes returns the membership change signal.
func (s *MemoryStore) Changes() <-chan struct{} {
	return s.notifier.C()
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
