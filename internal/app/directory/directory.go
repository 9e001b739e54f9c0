// Package directory maps streaming wire identifiers to REST query identifiers
// and display labels, backed by the cached exchange symbol catalog.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/infra/adapters/kraken"
	"github.com/coachpo/pricewatch/internal/observability"
)

const (
	refreshKey = "catalog"
	// DefaultMissCooldown bounds how often a lookup miss may force a catalog refresh.
	DefaultMissCooldown = 30 * time.Second
)

// Mapping relates the identifiers and label of one tradable pair.
type Mapping struct {
	WireID  string `json:"wireId"`
	QueryID string `json:"queryId"`
	Label   string `json:"label"`
	Base    string `json:"base"`
	Quote   string `json:"quote"`
}

// CatalogFetcher retrieves the exchange symbol catalog.
type CatalogFetcher interface {
	AssetPairs(ctx context.Context) ([]kraken.AssetPair, error)
}

// Options customises a Directory.
type Options struct {
	MissCooldown time.Duration
	Clock        func() time.Time
	Logger       observability.Logger
}

// Directory caches the symbol catalog. The table is replaced wholesale on refresh.
type Directory struct {
	fetcher      CatalogFetcher
	log          observability.Logger
	now          func() time.Time
	missCooldown time.Duration

	mu        sync.RWMutex
	byWire    map[string]Mapping
	sorted    []Mapping
	fetchedAt time.Time

	group singleflight.Group
}

// New constructs an empty directory.
func New(fetcher CatalogFetcher, opts Options) *Directory {
	if opts.MissCooldown <= 0 {
		opts.MissCooldown = DefaultMissCooldown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Directory{
		fetcher:      fetcher,
		log:          observability.OrNop(opts.Logger),
		now:          opts.Clock,
		missCooldown: opts.MissCooldown,
		byWire:       make(map[string]Mapping),
	}
}

// Refresh fetches the catalog and swaps the table. Concurrent callers share one
// fetch. A failed or empty fetch keeps the previous table.
func (d *Directory) Refresh(ctx context.Context) (int, error) {
	ch := d.group.DoChan(refreshKey, func() (any, error) {
		return d.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, fmt.Errorf("catalog refresh: %w", ctx.Err())
	}
}

func (d *Directory) refresh(ctx context.Context) (int, error) {
	pairs, err := d.fetcher.AssetPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch catalog: %w", err)
	}
	byWire := make(map[string]Mapping, len(pairs))
	for _, pair := range pairs {
		m := newMapping(pair)
		if m.WireID == "" || m.QueryID == "" {
			continue
		}
		byWire[m.WireID] = m
	}
	if len(byWire) == 0 {
		return 0, errs.New("directory", errs.CodeUpstream, errs.WithMessage("catalog returned no usable pairs"))
	}
	sorted := make([]Mapping, 0, len(byWire))
	for _, m := range byWire {
		sorted = append(sorted, m)
	}
	sortMappings(sorted)

	d.mu.Lock()
	d.byWire = byWire
	d.sorted = sorted
	d.fetchedAt = d.now()
	d.mu.Unlock()

	d.log.Info("symbol catalog refreshed", observability.F("pairs", len(sorted)))
	return len(sorted), nil
}

// Lookup returns the cached mapping without fetching.
func (d *Directory) Lookup(wireID string) (Mapping, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byWire[wireID]
	return m, ok
}

// Resolve returns the mapping for wireID, refreshing the catalog at most once on a miss.
func (d *Directory) Resolve(ctx context.Context, wireID string) (Mapping, error) {
	if m, ok := d.Lookup(wireID); ok {
		return m, nil
	}
	if d.recentlyFetched() {
		return Mapping{}, notFound(wireID)
	}
	if _, err := d.Refresh(ctx); err != nil {
		return Mapping{}, fmt.Errorf("resolve %s: %w", wireID, err)
	}
	if m, ok := d.Lookup(wireID); ok {
		return m, nil
	}
	return Mapping{}, notFound(wireID)
}

// Markets lists mappings sorted by quote then base, optionally filtered by a
// case-insensitive substring of the label or wire identifier.
func (d *Directory) Markets(query string) []Mapping {
	q := strings.ToLower(strings.TrimSpace(query))
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Mapping, 0, len(d.sorted))
	for _, m := range d.sorted {
		if q != "" && !strings.Contains(strings.ToLower(m.Label), q) && !strings.Contains(strings.ToLower(m.WireID), q) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// FetchedAt reports when the table was last replaced.
func (d *Directory) FetchedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetchedAt
}

func (d *Directory) recentlyFetched() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byWire) > 0 && d.now().Sub(d.fetchedAt) < d.missCooldown
}

func sortMappings(ms []Mapping) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Quote != ms[j].Quote {
			return ms[i].Quote < ms[j].Quote
		}
		if ms[i].Base != ms[j].Base {
			return ms[i].Base < ms[j].Base
		}
		return ms[i].WireID < ms[j].WireID
	})
}

func notFound(wireID string) error {
	return errs.New("directory", errs.CodeNotFound, errs.WithSymbol(wireID), errs.WithMessage("no catalog mapping"))
}
