// Package sqlite persists the watchlist in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/watchlist"
	"github.com/coachpo/pricewatch/internal/observability"
)

const (
	// MemoryPath opens a private in-memory database.
	MemoryPath = ":memory:"

	schemaSQL = `
CREATE TABLE IF NOT EXISTS favorites (
    symbol          TEXT PRIMARY KEY,
    display_name    TEXT NOT NULL,
    last_price      REAL,
    last_updated    INTEGER,
    history         TEXT,
    history_updated INTEGER,
    change_pct      REAL,
    baseline        REAL,
    created_at      INTEGER NOT NULL
);
`
	selectColumns = `symbol, display_name, last_price, last_updated, history, history_updated, change_pct, baseline`

	listSQL   = `SELECT ` + selectColumns + ` FROM favorites ORDER BY symbol;`
	getSQL    = `SELECT ` + selectColumns + ` FROM favorites WHERE symbol = ?;`
	existsSQL = `SELECT 1 FROM favorites WHERE symbol = ?;`
	insertSQL = `INSERT INTO favorites (symbol, display_name, created_at) VALUES (?, ?, ?);`
	renameSQL = `UPDATE favorites SET display_name = ? WHERE symbol = ?;`
	deleteSQL = `DELETE FROM favorites WHERE symbol = ?;`
	priceSQL  = `UPDATE favorites SET last_price = ?, last_updated = ?, change_pct = ? WHERE symbol = ?;`
	histSQL   = `UPDATE favorites SET history = ?, history_updated = ?, baseline = ?, change_pct = ? WHERE symbol = ?;`
)

// Store is a watchlist.Store on SQLite. Membership changes signal the
// in-process notifier after commit.
type Store struct {
	db       *sql.DB
	notifier *watchlist.Notifier
	log      observability.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, logger observability.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errs.New("watchlist/sqlite", errs.CodeInvalid, errs.WithMessage("database path required"))
	}
	log := observability.OrNop(logger)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: the writer is sequential and :memory: is per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if path != MemoryPath {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			log.Warn("sqlite WAL mode unavailable", observability.Err(err))
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
			log.Warn("sqlite synchronous mode unavailable", observability.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		log.Warn("sqlite busy timeout unavailable", observability.Err(err))
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, notifier: watchlist.NewNotifier(), log: log}, nil
}

// List returns entries ordered by symbol.
func (s *Store) List(ctx context.Context) ([]watchlist.Entry, error) {
	rows, err := s.db.QueryContext(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
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
func (s *Store) Get(ctx context.Context, symbol string) (watchlist.Entry, bool, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, getSQL, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return watchlist.Entry{}, false, nil
	}
	if err != nil {
		return watchlist.Entry{}, false, err
	}
	return e, true, nil
}

// Add inserts symbol or refreshes its display name, keeping cached fields.
func (s *Store) Add(ctx context.Context, symbol, displayName string) (watchlist.Entry, error) {
	if err := watchlist.ValidateSymbol("watchlist/sqlite", symbol); err != nil {
		return watchlist.Entry{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return watchlist.Entry{}, fmt.Errorf("begin add: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var one int
	err = tx.QueryRowContext(ctx, existsSQL, symbol).Scan(&one)
	inserted := errors.Is(err, sql.ErrNoRows)
	switch {
	case inserted:
		_, err = tx.ExecContext(ctx, insertSQL, symbol, displayName, time.Now().UnixMilli())
	case err == nil:
		_, err = tx.ExecContext(ctx, renameSQL, displayName, symbol)
	}
	if err != nil {
		return watchlist.Entry{}, fmt.Errorf("add favorite %s: %w", symbol, err)
	}
	e, err := scanEntry(tx.QueryRowContext(ctx, getSQL, symbol))
	if err != nil {
		return watchlist.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return watchlist.Entry{}, fmt.Errorf("commit add: %w", err)
	}
	if inserted {
		s.notifier.Notify()
	}
	return e, nil
}

// Remove deletes the row, reporting whether it existed.
func (s *Store) Remove(ctx context.Context, symbol string) (bool, error) {
	res, err := s.db.ExecContext(ctx, deleteSQL, symbol)
	if err != nil {
		return false, fmt.Errorf("remove favorite %s: %w", symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove favorite %s: %w", symbol, err)
	}
	if n > 0 {
		s.notifier.Notify()
	}
	return n > 0, nil
}

// UpdatePrice writes price, timestamp and change in one statement.
func (s *Store) UpdatePrice(ctx context.Context, u watchlist.PriceUpdate) error {
	if _, err := s.db.ExecContext(ctx, priceSQL, u.Price, unixMilli(u.At), nullFloat(u.Change), u.Symbol); err != nil {
		return fmt.Errorf("update price %s: %w", u.Symbol, err)
	}
	return nil
}

// UpdateHistory writes history, timestamp, baseline and change in one statement.
func (s *Store) UpdateHistory(ctx context.Context, u watchlist.HistoryUpdate) error {
	if len(u.History) == 0 {
		return errs.New("watchlist/sqlite", errs.CodeInvalid, errs.WithSymbol(u.Symbol), errs.WithMessage("empty history"))
	}
	raw, err := watchlist.EncodeHistory(u.History)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", u.Symbol, err)
	}
	if _, err := s.db.ExecContext(ctx, histSQL, string(raw), unixMilli(u.At), nullFloat(u.Baseline), nullFloat(u.Change), u.Symbol); err != nil {
		return fmt.Errorf("update history %s: %w", u.Symbol, err)
	}
	return nil
}

// Changes returns the membership change signal.
func (s *Store) Changes() <-chan struct{} {
	return s.notifier.C()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (watchlist.Entry, error) {
	var (
		e              watchlist.Entry
		lastPrice      sql.NullFloat64
		lastUpdated    sql.NullInt64
		history        sql.NullString
		historyUpdated sql.NullInt64
		change         sql.NullFloat64
		baseline       sql.NullFloat64
	)
	if err := row.Scan(&e.Symbol, &e.DisplayName, &lastPrice, &lastUpdated, &history, &historyUpdated, &change, &baseline); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan favorite: %w", err)
	}
	e.LastPrice = floatPtr(lastPrice)
	e.LastUpdated = fromMilli(lastUpdated)
	e.HistoryUpdated = fromMilli(historyUpdated)
	e.Change = floatPtr(change)
	e.Baseline = floatPtr(baseline)
	if history.Valid {
		points, err := watchlist.DecodeHistory([]byte(history.String))
		if err != nil {
			return e, fmt.Errorf("decode history %s: %w", e.Symbol, err)
		}
		e.History = points
	}
	return e, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return watchlist.Float(v.Float64)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func unixMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
