package footprint

import (
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// Boundary selects how bars are closed.
type Boundary string

const (
	BoundaryTime   Boundary = "time"
	BoundaryVolume Boundary = "volume"
)

// Timeframe describes one selectable bar size. Volume bars use Threshold;
// time bars use Duration.
type Timeframe struct {
	Name      string
	Duration  time.Duration
	Threshold float64
}

var timeframes = map[string]Timeframe{
	"5s":  {Name: "5s", Duration: 5 * time.Second, Threshold: 50},
	"15s": {Name: "15s", Duration: 15 * time.Second, Threshold: 150},
	"30s": {Name: "30s", Duration: 30 * time.Second, Threshold: 300},
	"1m":  {Name: "1m", Duration: time.Minute, Threshold: 500},
	"5m":  {Name: "5m", Duration: 5 * time.Minute, Threshold: 2500},
	"15m": {Name: "15m", Duration: 15 * time.Minute, Threshold: 7500},
	"30m": {Name: "30m", Duration: 30 * time.Minute, Threshold: 15000},
	"1h":  {Name: "1h", Duration: time.Hour, Threshold: 30000},
}

// LookupTimeframe returns the named timeframe or ErrUnknownTimeframe.
func LookupTimeframe(name string) (Timeframe, error) {
	tf, ok := timeframes[name]
	if !ok {
		return Timeframe{}, fmt.Errorf("footprint: %w: %q", domain.ErrUnknownTimeframe, name)
	}
	return tf, nil
}

// Timeframes lists the known timeframe names, shortest first.
func Timeframes() []string {
	out := make([]string, 0, len(timeframes))
	for name := range timeframes {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return timeframes[out[i]].Duration < timeframes[out[j]].Duration
	})
	return out
}

// Policy is the active bar-closing rule.
type Policy struct {
	Boundary  Boundary
	Timeframe Timeframe
}

// NewPolicy resolves a timeframe name and boundary kind. A positive
// volumeOverride replaces the timeframe's default volume threshold. An empty
// boundary means time bars.
func NewPolicy(timeframe string, boundary Boundary, volumeOverride float64) (Policy, error) {
	tf, err := LookupTimeframe(timeframe)
	if err != nil {
		return Policy{}, err
	}
	if boundary == "" {
		boundary = BoundaryTime
	}
	switch boundary {
	case BoundaryTime:
	case BoundaryVolume:
		if volumeOverride > 0 {
			tf.Threshold = volumeOverride
		}
	default:
		return Policy{}, fmt.Errorf("footprint: %w: boundary %q", domain.ErrInvalidConfig, boundary)
	}
	return Policy{Boundary: boundary, Timeframe: tf}, nil
}
