package analytics

import "github.com/alanyoungcy/orderflow/internal/domain"

// CumulativeDelta returns the running sum of TotalDelta over bars. The result
// has the same length as bars.
func CumulativeDelta(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	var run float64
	for i, b := range bars {
		run += b.TotalDelta
		out[i] = run
	}
	return out
}

// Summary aggregates a window of bars.
type Summary struct {
	Bars        int     `json:"bars"`
	Trades      int     `json:"trades"`
	TotalVolume float64 `json:"totalVolume"`
	BuyVolume   float64 `json:"buyVolume"`
	SellVolume  float64 `json:"sellVolume"`
	TotalDelta  float64 `json:"totalDelta"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
}

// Summarize totals the bars. Buy volume is aggressor-buy (ask) volume.
func Summarize(bars []domain.Bar) Summary {
	s := Summary{Bars: len(bars)}
	for i, b := range bars {
		s.Trades += b.TradeCount
		for _, l := range b.Levels {
			s.BuyVolume += l.AskVolume
			s.SellVolume += l.BidVolume
		}
		s.TotalVolume += b.TotalVolume
		s.TotalDelta += b.TotalDelta
		if i == 0 || b.High > s.High {
			s.High = b.High
		}
		if i == 0 || b.Low < s.Low {
			s.Low = b.Low
		}
	}
	return s
}
