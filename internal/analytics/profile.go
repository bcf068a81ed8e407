// Package analytics derives volume profiles and delta series from finished
// footprint bars. Every function here is pure.
package analytics

import (
	"sort"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/footprint"
)

// ValueAreaShare is the fraction of total volume the value area must cover.
const ValueAreaShare = 0.70

// VolumeProfile merges the levels of bars into one profile keyed by price
// re-quantized to tick. Rows come back sorted by descending price with the
// point of control and value area marked. A window with no volume yields nil.
func VolumeProfile(bars []domain.Bar, tick float64) []domain.VolumeLevelProfile {
	byPrice := make(map[float64]*domain.VolumeLevelProfile)
	var total float64
	for _, b := range bars {
		for _, l := range b.Levels {
			price := footprint.Quantize(l.Price, tick)
			row, ok := byPrice[price]
			if !ok {
				row = &domain.VolumeLevelProfile{Price: price}
				byPrice[price] = row
			}
			row.BidVolume += l.BidVolume
			row.AskVolume += l.AskVolume
			row.TotalVolume += l.BidVolume + l.AskVolume
			total += l.BidVolume + l.AskVolume
		}
	}
	if len(byPrice) == 0 || total <= 0 {
		return nil
	}

	rows := make([]domain.VolumeLevelProfile, 0, len(byPrice))
	for _, r := range byPrice {
		r.PercentageOfTotal = r.TotalVolume / total
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Price > rows[j].Price })

	poc := 0
	for i := range rows {
		if rows[i].TotalVolume > rows[poc].TotalVolume {
			poc = i
		}
	}
	rows[poc].IsPointOfControl = true

	markValueArea(rows, total)
	return rows
}

// markValueArea flags the smallest set of highest-volume rows whose volume
// reaches ValueAreaShare of total. The level that crosses the target is
// included in full. rows must be in price-descending order; ties in volume
// are taken from the higher price first.
func markValueArea(rows []domain.VolumeLevelProfile, total float64) {
	order := make([]int, len(rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rows[order[a]].TotalVolume > rows[order[b]].TotalVolume
	})

	target := total * ValueAreaShare
	var acc float64
	for _, i := range order {
		if acc >= target {
			break
		}
		rows[i].IsInValueArea = true
		acc += rows[i].TotalVolume
	}
}

// ValueAreaBounds returns the lowest and highest prices inside the value
// area. ok is false when profile has no value area.
func ValueAreaBounds(profile []domain.VolumeLevelProfile) (low, high float64, ok bool) {
	for _, r := range profile {
		if !r.IsInValueArea {
			continue
		}
		if !ok {
			low, high, ok = r.Price, r.Price, true
			continue
		}
		if r.Price < low {
			low = r.Price
		}
		if r.Price > high {
			high = r.Price
		}
	}
	return low, high, ok
}

// PointOfControl returns the POC row of profile.
func PointOfControl(profile []domain.VolumeLevelProfile) (domain.VolumeLevelProfile, bool) {
	for _, r := range profile {
		if r.IsPointOfControl {
			return r, true
		}
	}
	return domain.VolumeLevelProfile{}, false
}
