package redis

import (
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func TestKeySchema(t *testing.T) {
	tests := []struct {
		name, got, want string
	}{
		{"bar list", BarListKey("es", "1m"), "orderflow:bars:ES:1m"},
		{"book", BookKey("Nq"), "orderflow:book:NQ"},
		{"bar channel", busName(domain.Topic(domain.TopicBar, "es")), "orderflow:bar:ES"},
		{"already prefixed", busName("orderflow:status:ES"), "orderflow:status:ES"},
		{"stream", busName(domain.BarStream), "orderflow:stream:bars"},
		{"lock", lockKey("archive"), "orderflow:lock:archive"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestRateLimitKeyWindows(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := rateLimitKey("api:1.2.3.4", time.Minute, base)
	b := rateLimitKey("api:1.2.3.4", time.Minute, base.Add(59*time.Second))
	c := rateLimitKey("api:1.2.3.4", time.Minute, base.Add(time.Minute))
	if a != b {
		t.Errorf("same window produced %q and %q", a, b)
	}
	if a == c {
		t.Errorf("next window reused key %q", a)
	}
}

func TestHasPattern(t *testing.T) {
	if !hasPattern(domain.Topic(domain.TopicBar, "*")) {
		t.Error("wildcard channel not detected")
	}
	if hasPattern(domain.Topic(domain.TopicBar, "ES")) {
		t.Error("plain channel treated as pattern")
	}
}
