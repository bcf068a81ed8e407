package footprint

import "github.com/shopspring/decimal"

// Quantize rounds price to the nearest multiple of tick. A non-positive tick
// leaves the price unchanged. Rounding goes through decimal arithmetic so
// that two prices on the same tick always produce the identical float.
func Quantize(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	q := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t)
	f, _ := q.Float64()
	return f
}
