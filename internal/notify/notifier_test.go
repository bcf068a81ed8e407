package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, []string{EventConnectionFailed}, discardLogger())

	ctx := context.Background()
	if err := n.ConnectionFailed(ctx, "ES", errors.New("reconnect attempts exhausted")); err != nil {
		t.Fatal(err)
	}
	if err := n.ConnectionRestored(ctx, "ES"); err != nil {
		t.Fatal(err)
	}
	if len(rec.titles) != 1 || rec.titles[0] != "ES feed disconnected" {
		t.Errorf("titles = %v", rec.titles)
	}
}

func TestNotifyEmptyEventListAllowsAll(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, nil, discardLogger())
	_ = n.ArchiveFailed(context.Background(), errors.New("bucket gone"))
	_ = n.ConnectionRestored(context.Background(), "NQ")
	if len(rec.titles) != 2 {
		t.Errorf("titles = %v", rec.titles)
	}
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "x", "title", "msg")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Errorf("err = %v", err)
	}
	if len(good.titles) != 1 {
		t.Error("second sender skipped")
	}
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	if n.Enabled() {
		t.Error("nil notifier enabled")
	}
	if err := n.ConnectionFailed(context.Background(), "ES", nil); err != nil {
		t.Error(err)
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.apiBase = srv.URL
	if err := s.Send(context.Background(), "ES feed disconnected", "dial: <nil> & gave up"); err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("path = %q", path)
	}
	want := "🔴 <b>ES feed disconnected</b>\ndial: &lt;nil&gt; &amp; gave up"
	if got["chat_id"] != "42" || got["text"] != want || got["parse_mode"] != "HTML" {
		t.Errorf("payload = %v", got)
	}
}

func TestDiscordSenderEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier([]Sender{NewDiscordSender(srv.URL)}, nil, discardLogger())
	if err := n.ConnectionRestored(context.Background(), "ES"); err != nil {
		t.Fatal(err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	e := got.Embeds[0]
	if e.Title != "ES feed connected" || e.Color != discordGreen || e.Timestamp == "" {
		t.Errorf("embed = %+v", e)
	}
}

func TestDiscordSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "discord: unexpected status 404") {
		t.Errorf("err = %v", err)
	}
}
