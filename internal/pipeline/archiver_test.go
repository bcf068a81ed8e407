package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 7, 30, 0, time.UTC) // Monday
	cases := []struct {
		expr string
		want time.Time
	}{
		{"30 3 * * *", time.Date(2026, 3, 3, 3, 30, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 3, 2, 14, 15, 0, 0, time.UTC)},
		{"0 9-17 * * *", time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 6 * * 0", time.Date(2026, 3, 8, 6, 0, 0, 0, time.UTC)},
		{"10,50 14 * * *", time.Date(2026, 3, 2, 14, 10, 0, 0, time.UTC)},
		{"5/20 * * * *", time.Date(2026, 3, 2, 14, 25, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := nextCronTime(tc.expr, base)
		if err != nil {
			t.Errorf("%q: %v", tc.expr, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("%q: next = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestParseCronRejectsBadInput(t *testing.T) {
	for _, expr := range []string{
		"* * * *",
		"60 * * * *",
		"* 5-2 * * *",
		"*/0 * * * *",
		"x * * * *",
		"* * 0 * *",
	} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("%q accepted", expr)
		}
	}
}

type stubBlobArchiver struct {
	n       int64
	err     error
	cutoffs []time.Time
}

func (s *stubBlobArchiver) ArchiveBars(_ context.Context, before time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, before)
	return s.n, s.err
}

type stubPurger struct{ calls []time.Time }

func (p *stubPurger) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	p.calls = append(p.calls, before)
	return 7, nil
}

type stubLock struct {
	held     bool
	released int
}

func (l *stubLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() { l.released++ }, nil
}

type stubArchiveAlerts struct{ causes []error }

func (s *stubArchiveAlerts) ArchiveFailed(_ context.Context, cause error) error {
	s.causes = append(s.causes, cause)
	return nil
}

func newTestArchiver(blob *stubBlobArchiver, purge *stubPurger, lock *stubLock, alerts *stubArchiveAlerts) *Archiver {
	deps := ArchiverDeps{Blob: blob, Bars: purge, Logger: quietLogger()}
	if lock != nil {
		deps.Lock = lock
	}
	if alerts != nil {
		deps.Alerts = alerts
	}
	a := NewArchiver(deps, 30)
	a.now = func() time.Time { return time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC) }
	return a
}

func TestArchiverRunDeletesAfterUpload(t *testing.T) {
	blob := &stubBlobArchiver{n: 7}
	purge := &stubPurger{}
	lock := &stubLock{}
	a := newTestArchiver(blob, purge, lock, &stubArchiveAlerts{})

	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if len(blob.cutoffs) != 1 || !blob.cutoffs[0].Equal(want) {
		t.Errorf("archive cutoff = %v, want %v", blob.cutoffs, want)
	}
	if len(purge.calls) != 1 || !purge.calls[0].Equal(want) {
		t.Errorf("delete cutoff = %v", purge.calls)
	}
	if lock.released != 1 {
		t.Errorf("lock released %d times", lock.released)
	}
}

func TestArchiverKeepsRowsWhenUploadFails(t *testing.T) {
	blob := &stubBlobArchiver{err: errors.New("bucket gone")}
	purge := &stubPurger{}
	alerts := &stubArchiveAlerts{}
	a := newTestArchiver(blob, purge, &stubLock{}, alerts)

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(purge.calls) != 0 {
		t.Error("rows deleted after a failed upload")
	}
	if len(alerts.causes) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts.causes))
	}
}

func TestArchiverSkipsWhenLockHeld(t *testing.T) {
	blob := &stubBlobArchiver{n: 3}
	a := newTestArchiver(blob, &stubPurger{}, &stubLock{held: true}, nil)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(blob.cutoffs) != 0 {
		t.Error("archived without the lock")
	}
}

func TestArchiverNothingToDelete(t *testing.T) {
	purge := &stubPurger{}
	a := newTestArchiver(&stubBlobArchiver{}, purge, nil, nil)
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(purge.calls) != 0 {
		t.Error("delete issued with nothing archived")
	}
}
