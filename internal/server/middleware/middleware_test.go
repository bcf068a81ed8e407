package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func TestAuth(t *testing.T) {
	h := Auth("k1")(ok)
	cases := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer k1", http.StatusOK},
		{"bearer lower", "Authorization", "bearer k1", http.StatusOK},
		{"api key header", "X-API-Key", "k1", http.StatusOK},
		{"wrong", "X-API-Key", "k2", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic k1", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", "/", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}

	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled auth = %d", rec.Code)
	}
}

type countingLimiter struct {
	keys []string
	err  error
}

func (c *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	c.keys = append(c.keys, key)
	return len(c.keys) <= limit, c.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lim := &countingLimiter{}
	h := RateLimit(lim, 1, time.Minute, logger)(ok)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
	}
	if lim.keys[0] != "control:ip:10.0.0.7" {
		t.Errorf("key = %q", lim.keys[0])
	}

	failing := &countingLimiter{err: errors.New("redis down")}
	rec := httptest.NewRecorder()
	RateLimit(failing, 0, time.Minute, logger)(ok).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusOK || len(failing.keys) != 0 {
		t.Error("zero limit should bypass the limiter")
	}
	rec = httptest.NewRecorder()
	RateLimit(failing, 1, time.Minute, logger)(ok).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("limiter error should fail open, got %d", rec.Code)
	}
}

func TestClientKeyPrefersToken(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-API-Key", "abcdefghijkl")
	req.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")
	if got := clientKey(req); got != "control:key:abcdefgh" {
		t.Errorf("clientKey = %q", got)
	}
	req.Header.Del("X-API-Key")
	if got := clientKey(req); got != "control:ip:1.2.3.4" {
		t.Errorf("clientKey = %q", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin echoed")
	}
}

func TestLoggingRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/instruments/ZZ/state", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("request id = %q", got)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v", err)
	}
	if line["level"] != "WARN" || line["request_id"] != "abc-123" || line["status"] != float64(404) {
		t.Errorf("log = %v", line)
	}
	if line["bytes"].(float64) == 0 {
		t.Error("body size not recorded")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("no request id generated")
	}
}
