// Package watchlist defines the persistence contract for favourited symbols and the
// sequential writer that serialises every mutation to it.
package watchlist

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
)

// Point is one compact history sample: candle open time in epoch seconds and close price.
type Point struct {
	Time  int64
	Close float64
}

// MarshalJSON encodes the point as a two element array.
func (p Point) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = append(buf, '[')
	buf = strconv.AppendInt(buf, p.Time, 10)
	buf = append(buf, ',')
	buf = strconv.AppendFloat(buf, p.Close, 'f', -1, 64)
	buf = append(buf, ']')
	return buf, nil
}

// UnmarshalJSON decodes the two element array form.
func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	ts, err := pair[0].Int64()
	if err != nil {
		if f, ferr := pair[0].Float64(); ferr == nil {
			ts = int64(f)
		} else {
			return err
		}
	}
	closePrice, err := pair[1].Float64()
	if err != nil {
		return err
	}
	p.Time = ts
	p.Close = closePrice
	return nil
}

// EncodeHistory renders history for storage. Nil history encodes as nil.
func EncodeHistory(points []Point) ([]byte, error) {
	if points == nil {
		return nil, nil
	}
	return json.Marshal(points)
}

// DecodeHistory parses stored history. Empty input yields nil.
func DecodeHistory(raw []byte) ([]Point, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var points []Point
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// Entry is one favourited symbol with its cached derived fields.
type Entry struct {
	Symbol         string
	DisplayName    string
	LastPrice      *float64
	LastUpdated    time.Time
	History        []Point
	HistoryUpdated time.Time
	Change         *float64
	Baseline       *float64
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	out.LastPrice = cloneFloat(e.LastPrice)
	out.Change = cloneFloat(e.Change)
	out.Baseline = cloneFloat(e.Baseline)
	if e.History != nil {
		out.History = append([]Point(nil), e.History...)
	}
	return out
}

// PriceUpdate is the field set written by the price pipeline.
type PriceUpdate struct {
	Symbol string
	Price  float64
	At     time.Time
	Change *float64
}

// HistoryUpdate is the field set written by the history refresher.
type HistoryUpdate struct {
	Symbol   string
	History  []Point
	At       time.Time
	Baseline *float64
	Change   *float64
}

// Store persists watchlist entries. Each method is atomic across its own field set.
//
// Changes delivers a coalesced signal after every membership change (insert or delete).
// Price and history writes do not signal.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, symbol string) (Entry, bool, error)
	// Add inserts the symbol or refreshes its display name, keeping cached fields.
	Add(ctx context.Context, symbol, displayName string) (Entry, error)
	Remove(ctx context.Context, symbol string) (bool, error)
	UpdatePrice(ctx context.Context, update PriceUpdate) error
	UpdateHistory(ctx context.Context, update HistoryUpdate) error
	Changes() <-chan struct{}
	Close() error
}

// ValidateSymbol rejects blank wire identifiers.
func ValidateSymbol(component, symbol string) error {
	if symbol == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	return nil
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
