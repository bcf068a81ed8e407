package domain

import "time"

// PriceLevel is the bid/ask breakdown at one quantized price within a bar.
// Delta is AskVolume - BidVolume.
type PriceLevel struct {
	Price        float64 `json:"price"`
	BidVolume    float64 `json:"bidVolume"`
	AskVolume    float64 `json:"askVolume"`
	Delta        float64 `json:"delta"`
	TotalVolume  float64 `json:"totalVolume"`
	AskImbalance bool    `json:"askImbalance"`
	BidImbalance bool    `json:"bidImbalance"`
}

// Bar is a footprint candle. Levels are sorted by descending price. Once
// IsFinished is set the bar is never mutated again.
type Bar struct {
	ID              string       `json:"id"`
	Instrument      string       `json:"instrument"`
	Timeframe       string       `json:"timeframe"`
	OpenTime        time.Time    `json:"openTime"`
	CloseTime       time.Time    `json:"closeTime"`
	Open            float64      `json:"open"`
	High            float64      `json:"high"`
	Low             float64      `json:"low"`
	Close           float64      `json:"close"`
	Levels          []PriceLevel `json:"levels"`
	TotalVolume     float64      `json:"totalVolume"`
	TotalDelta      float64      `json:"totalDelta"`
	CumulativeDelta float64      `json:"cumulativeDelta"`
	PointOfControl  float64      `json:"pointOfControl"`
	TradeCount      int          `json:"tradeCount"`
	IsFinished      bool         `json:"isFinished"`
}

// Clone returns a deep copy of b.
func (b Bar) Clone() Bar {
	out := b
	out.Levels = append([]PriceLevel(nil), b.Levels...)
	return out
}

// VolumeLevelProfile is one row of a volume profile computed over a window
// of bars. It is derived on demand and never persisted.
type VolumeLevelProfile struct {
	Price             float64 `json:"price"`
	BidVolume         float64 `json:"bidVolume"`
	AskVolume         float64 `json:"askVolume"`
	TotalVolume       float64 `json:"totalVolume"`
	// PercentageOfTotal is a fraction in (0, 1], not a percent.
	PercentageOfTotal float64 `json:"percentageOfTotal"`
	IsPointOfControl  bool    `json:"isPointOfControl"`
	IsInValueArea     bool    `json:"isInValueArea"`
}
