// Package notify alerts operators about feed failures and archive runs.
// Notifications are dispatched to every registered sender (Telegram,
// Discord) and filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event types accepted in the notify.events configuration list.
const (
	EventConnectionFailed   = "connection_failed"
	EventConnectionRestored = "connection_restored"
	EventArchiveFailed      = "archive_failed"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Only event
// types in the allowed set are forwarded; an empty set allows everything.
// A nil *Notifier drops every notification.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends a notification to all senders if the event type is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if n == nil {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// ConnectionFailed reports that the feed of an instrument gave up
// reconnecting.
func (n *Notifier) ConnectionFailed(ctx context.Context, instrument string, cause error) error {
	msg := "feed stopped reconnecting"
	if cause != nil {
		msg = cause.Error()
	}
	return n.Notify(ctx, EventConnectionFailed,
		fmt.Sprintf("%s feed disconnected", instrument), msg)
}

// ConnectionRestored reports that a feed is streaming again after an
// outage.
func (n *Notifier) ConnectionRestored(ctx context.Context, instrument string) error {
	return n.Notify(ctx, EventConnectionRestored, instrument+restoredSuffix, "streaming resumed")
}

const restoredSuffix = " feed connected"

// isRecovery tells senders to style a title as good news.
func isRecovery(title string) bool {
	return strings.HasSuffix(title, restoredSuffix)
}

// ArchiveFailed reports a failed archive run.
func (n *Notifier) ArchiveFailed(ctx context.Context, cause error) error {
	return n.Notify(ctx, EventArchiveFailed, "bar archive failed", cause.Error())
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the others; failures are combined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
