package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/instrumentation"
)

const archiveLockKey = "archive:bars"

// BarPurger deletes archived rows.
type BarPurger interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveAlerter is told when an archive run fails.
type ArchiveAlerter interface {
	ArchiveFailed(ctx context.Context, cause error) error
}

// ArchiverDeps wires an Archiver. Lock, Alerts and Metrics are optional.
type ArchiverDeps struct {
	Blob    domain.Archiver
	Bars    BarPurger
	Lock    domain.LockManager
	Alerts  ArchiveAlerter
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Archiver moves finished bars older than the retention window from the
// database to object storage.
type Archiver struct {
	deps          ArchiverDeps
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(deps ArchiverDeps, retentionDays int) *Archiver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		deps:          deps,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run executes a single archive run. Rows are deleted only after every
// object was uploaded. When another process holds the archive lock the run
// is skipped.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	if a.deps.Lock != nil {
		unlock, err := a.deps.Lock.Acquire(ctx, archiveLockKey, time.Hour)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("archive run skipped, lock held elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive lock: %w", err)
		}
		defer unlock()
	}

	archived, err := a.deps.Blob.ArchiveBars(ctx, cutoff)
	if err != nil {
		return a.fail(ctx, fmt.Errorf("archiving bars before %v: %w", cutoff, err))
	}
	if archived == 0 {
		a.logger.Info("archive run complete, nothing to archive")
		return nil
	}

	deleted, err := a.deps.Bars.DeleteBefore(ctx, cutoff)
	if err != nil {
		return a.fail(ctx, fmt.Errorf("deleting bars before %v: %w", cutoff, err))
	}
	a.deps.Metrics.RecordArchived(archived)

	a.logger.Info("archive run complete",
		slog.Int64("bars_archived", archived),
		slog.Int64("rows_deleted", deleted),
	)
	return nil
}

func (a *Archiver) fail(ctx context.Context, err error) error {
	a.deps.Metrics.RecordError("archiver", "run")
	if a.deps.Alerts != nil {
		if aerr := a.deps.Alerts.ArchiveFailed(ctx, err); aerr != nil {
			a.logger.Warn("archive alert failed", slog.String("error", aerr.Error()))
		}
	}
	return err
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "30 3 * * *" runs at 3:30 AM every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   map[int]bool
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	return f.wildcard || f.values[val]
}

// parseCronField parses a single cron field. Lists, ranges and steps are
// accepted: "*", "5", "1,15", "9-17", "*/15", "0-30/10".
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	values := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid cron step %q", part)
			}
			part, step = base, n
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil || from > to {
				return cronField{}, fmt.Errorf("invalid cron range %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid cron field value %q: %w", part, err)
			}
			from, to = v, v
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi {
			return cronField{}, fmt.Errorf("cron value %q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			values[v] = true
		}
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var c parsedCron
	specs := []struct {
		name   string
		lo, hi int
		dst    *cronField
	}{
		{"minute", 0, 59, &c.minute},
		{"hour", 0, 23, &c.hour},
		{"day-of-month", 1, 31, &c.dayOfMonth},
		{"month", 1, 12, &c.month},
		{"day-of-week", 0, 6, &c.dayOfWeek},
	}
	for i, s := range specs {
		f, err := parseCronField(fields[i], s.lo, s.hi)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", s.name, err)
		}
		*s.dst = f
	}
	return c, nil
}

// next calculates the next time after 'after' that matches. It searches
// minute-by-minute up to one year ahead.
func (c parsedCron) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errors.New("no matching time within one year")
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	c, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return c.next(after)
}
