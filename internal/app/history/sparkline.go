package history

import (
	"math"

	"github.com/coachpo/pricewatch/internal/domain/watchlist"
)

// DefaultSparklinePoints is the series length served to the UI.
const DefaultSparklinePoints = 150

// Sparkline is a reduced close series with the range of the full series.
type Sparkline struct {
	Points []watchlist.Point `json:"points"`
	Min    float64           `json:"min"`
	Max    float64           `json:"max"`
}

// Downsample reduces points to at most limit evenly spaced samples. The first
// and last points are always kept.
func Downsample(points []watchlist.Point, limit int) Sparkline {
	if len(points) == 0 {
		return Sparkline{Points: []watchlist.Point{}}
	}
	if limit <= 0 {
		limit = DefaultSparklinePoints
	}
	var out []watchlist.Point
	switch {
	case len(points) <= limit:
		out = append([]watchlist.Point(nil), points...)
	case limit == 1:
		out = []watchlist.Point{points[len(points)-1]}
	default:
		out = make([]watchlist.Point, limit)
		step := float64(len(points)-1) / float64(limit-1)
		for i := range out {
			out[i] = points[int(math.Round(float64(i)*step))]
		}
		out[limit-1] = points[len(points)-1]
	}
	s := Sparkline{Points: out, Min: points[0].Close, Max: points[0].Close}
	for _, p := range points[1:] {
		s.Min = math.Min(s.Min, p.Close)
		s.Max = math.Max(s.Max, p.Close)
	}
	return s
}
