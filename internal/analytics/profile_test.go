package analytics

import (
	"math"
	"testing"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func barWith(levels ...domain.PriceLevel) domain.Bar {
	b := domain.Bar{Levels: levels, IsFinished: true}
	for _, l := range levels {
		b.TotalVolume += l.TotalVolume
		b.TotalDelta += l.Delta
	}
	return b
}

func lvl(price, bid, ask float64) domain.PriceLevel {
	return domain.PriceLevel{Price: price, BidVolume: bid, AskVolume: ask, Delta: ask - bid, TotalVolume: ask + bid}
}

func TestVolumeProfileValueArea(t *testing.T) {
	bars := []domain.Bar{barWith(
		lvl(100, 5, 0),
		lvl(101, 10, 5),
		lvl(102, 20, 10),
		lvl(103, 25, 25),
	)}

	prof := VolumeProfile(bars, 1)
	if len(prof) != 4 {
		t.Fatalf("rows = %d, want 4", len(prof))
	}
	wantVA := map[float64]bool{103: true, 102: true, 101: false, 100: false}
	for i, r := range prof {
		if i > 0 && prof[i-1].Price <= r.Price {
			t.Fatalf("rows not price-descending at %d", i)
		}
		if r.IsInValueArea != wantVA[r.Price] {
			t.Errorf("price %v in value area = %v, want %v", r.Price, r.IsInValueArea, wantVA[r.Price])
		}
		if r.IsPointOfControl != (r.Price == 103) {
			t.Errorf("price %v poc = %v", r.Price, r.IsPointOfControl)
		}
	}
	if prof[0].PercentageOfTotal != 0.5 {
		t.Errorf("poc share = %v, want 0.5", prof[0].PercentageOfTotal)
	}

	low, high, ok := ValueAreaBounds(prof)
	if !ok || low != 102 || high != 103 {
		t.Errorf("bounds = %v..%v (%v), want 102..103", low, high, ok)
	}
}

func TestVolumeProfileValueAreaIsMinimal(t *testing.T) {
	bars := []domain.Bar{
		barWith(lvl(10, 3, 4), lvl(11, 8, 1), lvl(12, 2, 2)),
		barWith(lvl(10, 1, 0), lvl(13, 6, 6), lvl(9, 0.5, 0.5)),
	}
	prof := VolumeProfile(bars, 1)

	var total, inVA, smallest float64
	smallest = -1
	for _, r := range prof {
		total += r.TotalVolume
		if r.IsInValueArea {
			inVA += r.TotalVolume
			if smallest < 0 || r.TotalVolume < smallest {
				smallest = r.TotalVolume
			}
		}
	}
	if inVA < total*ValueAreaShare {
		t.Fatalf("value area covers %v of %v, below target", inVA, total)
	}
	if inVA-smallest >= total*ValueAreaShare {
		t.Errorf("value area not minimal: dropping %v still reaches target", smallest)
	}
}

func TestVolumeProfileMergesAndRequantizes(t *testing.T) {
	bars := []domain.Bar{
		barWith(lvl(100.25, 1, 2)),
		barWith(lvl(100.5, 3, 0), lvl(100.0, 0, 1)),
	}
	prof := VolumeProfile(bars, 1)
	if len(prof) != 2 {
		t.Fatalf("rows = %+v, want 2", prof)
	}
	// 100.5 rounds half away from zero.
	if prof[0].Price != 101 || prof[0].BidVolume != 3 {
		t.Errorf("row 0 = %+v", prof[0])
	}
	if prof[1].Price != 100 || prof[1].TotalVolume != 4 {
		t.Errorf("row 1 = %+v", prof[1])
	}
	if poc, ok := PointOfControl(prof); !ok || poc.Price != 100 {
		t.Errorf("poc = %+v", poc)
	}
}

func TestVolumeProfileSharesSumToOne(t *testing.T) {
	bars := []domain.Bar{
		barWith(lvl(10, 3, 1), lvl(11, 2, 2)),
		barWith(lvl(12, 0, 4), lvl(10, 1, 1)),
	}
	var sum float64
	for _, r := range VolumeProfile(bars, 1) {
		if r.PercentageOfTotal <= 0 || r.PercentageOfTotal > 1 {
			t.Errorf("price %v share = %v, want a fraction in (0, 1]", r.Price, r.PercentageOfTotal)
		}
		sum += r.PercentageOfTotal
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("shares sum to %v, want 1", sum)
	}
}

func TestVolumeProfileEmpty(t *testing.T) {
	if got := VolumeProfile(nil, 1); got != nil {
		t.Errorf("empty window = %+v, want nil", got)
	}
	if _, _, ok := ValueAreaBounds(nil); ok {
		t.Error("bounds of empty profile reported ok")
	}
}

func TestCumulativeDelta(t *testing.T) {
	if got := CumulativeDelta(nil); len(got) != 0 {
		t.Errorf("empty = %v", got)
	}

	bars := []domain.Bar{{TotalDelta: 5}, {TotalDelta: -2}, {TotalDelta: -4}, {TotalDelta: 1}}
	got := CumulativeDelta(bars)
	want := []float64{5, 3, -1, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cum[%d] = %v, want %v", i, got[i], want[i])
		}
		if i > 0 && got[i]-got[i-1] != bars[i].TotalDelta {
			t.Errorf("step %d does not match bar delta", i)
		}
	}
}

func TestSummarize(t *testing.T) {
	b1 := barWith(lvl(100, 2, 5))
	b1.High, b1.Low, b1.TradeCount = 101, 99, 3
	b2 := barWith(lvl(102, 4, 1))
	b2.High, b2.Low, b2.TradeCount = 103, 100, 2

	s := Summarize([]domain.Bar{b1, b2})
	if s.Bars != 2 || s.Trades != 5 {
		t.Errorf("counts = %+v", s)
	}
	if s.BuyVolume != 6 || s.SellVolume != 6 || s.TotalVolume != 12 || s.TotalDelta != 0 {
		t.Errorf("volumes = %+v", s)
	}
	if s.High != 103 || s.Low != 99 {
		t.Errorf("range = %v..%v", s.Low, s.High)
	}
}
