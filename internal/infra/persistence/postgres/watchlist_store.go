// Package postgres persists the watchlist in PostgreSQL and turns the
// favorites trigger notifications into the store change feed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/observability"
)

// ChangeChannel is the NOTIFY channel raised by the favorites trigger.
const ChangeChannel = "watchlist_changed"

const (
	selectColumns = `symbol, display_name, last_price, last_updated, history, history_updated, change_pct, baseline`

	listSQL = `SELECT ` + selectColumns + ` FROM favorites ORDER BY symbol;`
	getSQL  = `SELECT ` + selectColumns + ` FROM favorites WHERE symbol = $1;`
	addSQL  = `
INSERT INTO favorites (symbol, display_name)
VALUES ($1, $2)
ON CONFLICT (symbol) DO UPDATE SET
    display_name = EXCLUDED.display_name
RETURNING ` + selectColumns + `;
`
	removeSQL = `DELETE FROM favorites WHERE symbol = $1;`
	priceSQL  = `
UPDATE favorites SET
    last_price = $2,
    last_updated = $3,
    change_pct = $4
WHERE symbol = $1;
`
	historySQL = `
UPDATE favorites SET
    history = $2::jsonb,
    history_updated = $3,
    baseline = $4,
    change_pct = $5
WHERE symbol = $1;
`
)

// WatchlistStore is a watchlist.Store on PostgreSQL.
type WatchlistStore struct {
	pool     *pgxpool.Pool
	notifier *watchlist.Notifier
	log      observability.Logger

	ownsPool bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewWatchlistStore wraps an existing pool. The change feed is idle until Listen.
func NewWatchlistStore(pool *pgxpool.Pool, logger observability.Logger) *WatchlistStore {
	return &WatchlistStore{
		pool:     pool,
		notifier: watchlist.NewNotifier(),
		log:      observability.OrNop(logger),
	}
}

// Open connects to dsn, registers pool gauges and starts the change listener.
func Open(ctx context.Context, dsn string, logger observability.Logger) (*WatchlistStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	ObservePoolMetrics(pool, "watchlist")
	s := NewWatchlistStore(pool, logger)
	s.ownsPool = true
	if err := s.Listen(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Listen registers LISTEN on one pooled connection before returning, then
// signals Changes for every notification from a background goroutine. After a
// reconnect it signals once, since notifications raised while disconnected are
// lost.
func (s *WatchlistStore) Listen(ctx context.Context) error {
	if s.pool == nil {
		return errNoPool()
	}
	if s.cancel != nil {
		return nil
	}
	conn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listenLoop(listenCtx, conn)
	}()
	return nil
}

func (s *WatchlistStore) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	return conn, nil
}

func (s *WatchlistStore) listenLoop(ctx context.Context, conn *pgxpool.Conn) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	for {
		if conn != nil {
			err := s.wait(ctx, conn)
			conn.Release()
			conn = nil
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("watchlist listener lost connection", observability.Err(err))
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = b.MaxInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		next, err := s.listen(ctx)
		if err != nil {
			s.log.Warn("watchlist listener reconnect failed", observability.F("delay", delay.String()), observability.Err(err))
			continue
		}
		b.Reset()
		conn = next
		s.notifier.Notify()
	}
}

func (s *WatchlistStore) wait(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		s.log.Debug("watchlist changed", observability.F("symbol", n.Payload))
		s.notifier.Notify()
	}
}

// List returns entries ordered by symbol.
func (s *WatchlistStore) List(ctx context.Context) ([]watchlist.Entry, error) {
	if s.pool == nil {
		return nil, errNoPool()
	}
	rows, err := s.pool.Query(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()
	var out []watchlist.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate favorites: %w", err)
	}
	return out, nil
}

// Get returns the entry for symbol.
func (s *WatchlistStore) Get(ctx context.Context, symbol string) (watchlist.Entry, bool, error) {
	if s.pool == nil {
		return watchlist.Entry{}, false, errNoPool()
	}
	e, err := scanEntry(s.pool.QueryRow(ctx, getSQL, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return watchlist.Entry{}, false, nil
	}
	if err != nil {
		return watchlist.Entry{}, false, err
	}
	return e, true, nil
}

// Add upserts the row. Only a real insert fires the membership trigger.
func (s *WatchlistStore) Add(ctx context.Context, symbol, displayName string) (watchlist.Entry, error) {
	if err := watchlist.ValidateSymbol("watchlist/postgres", symbol); err != nil {
		return watchlist.Entry{}, err
	}
	if s.pool == nil {
		return watchlist.Entry{}, errNoPool()
	}
	e, err := scanEntry(s.pool.QueryRow(ctx, addSQL, symbol, displayName))
	if err != nil {
		return watchlist.Entry{}, fmt.Errorf("add favorite %s: %w", symbol, err)
	}
	return e, nil
}

// Remove hard-deletes the row, reporting whether it existed.
func (s *WatchlistStore) Remove(ctx context.Context, symbol string) (bool, error) {
	if s.pool == nil {
		return false, errNoPool()
	}
	tag, err := s.pool.Exec(ctx, removeSQL, symbol)
	if err != nil {
		return false, fmt.Errorf("remove favorite %s: %w", symbol, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdatePrice writes price, timestamp and change in one statement.
func (s *WatchlistStore) UpdatePrice(ctx context.Context, u watchlist.PriceUpdate) error {
	if s.pool == nil {
		return errNoPool()
	}
	if _, err := s.pool.Exec(ctx, priceSQL, u.Symbol, u.Price, nullTime(u.At), u.Change); err != nil {
		return fmt.Errorf("update price %s: %w", u.Symbol, err)
	}
	return nil
}

// UpdateHistory writes history, timestamp, baseline and change in one statement.
func (s *WatchlistStore) UpdateHistory(ctx context.Context, u watchlist.HistoryUpdate) error {
	if len(u.History) == 0 {
		return errs.New("watchlist/postgres", errs.CodeInvalid, errs.WithSymbol(u.Symbol), errs.WithMessage("empty history"))
	}
	if s.pool == nil {
		return errNoPool()
	}
	raw, err := watchlist.EncodeHistory(u.History)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", u.Symbol, err)
	}
	if _, err := s.pool.Exec(ctx, historySQL, u.Symbol, string(raw), nullTime(u.At), u.Baseline, u.Change); err != nil {
		return fmt.Errorf("update history %s: %w", u.Symbol, err)
	}
	return nil
}

// Changes returns the membership change signal.
func (s *WatchlistStore) Changes() <-chan struct{} {
	return s.notifier.C()
}

// Close stops the listener and, when Open created it, closes the pool.
func (s *WatchlistStore) Close() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		if s.ownsPool && s.pool != nil {
			s.pool.Close()
		}
	})
	return nil
}

func scanEntry(row pgx.Row) (watchlist.Entry, error) {
	var (
		e              watchlist.Entry
		lastUpdated    *time.Time
		history        []byte
		historyUpdated *time.Time
	)
	if err := row.Scan(&e.Symbol, &e.DisplayName, &e.LastPrice, &lastUpdated, &history, &historyUpdated, &e.Change, &e.Baseline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan favorite: %w", err)
	}
	if lastUpdated != nil {
		e.LastUpdated = lastUpdated.UTC()
	}
	if historyUpdated != nil {
		e.HistoryUpdated = historyUpdated.UTC()
	}
	points, err := watchlist.DecodeHistory(history)
	if err != nil {
		return e, fmt.Errorf("decode history %s: %w", e.Symbol, err)
	}
	e.History = points
	return e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func errNoPool() error {
	return errs.New("watchlist/postgres", errs.CodeUnavailable, errs.WithMessage("postgres pool not configured"))
}
