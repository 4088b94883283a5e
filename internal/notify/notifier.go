// Package notify delivers keeper alerts to operators. Notifications go to
// every registered sender (Telegram, Discord) and are filtered by event type
// so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify forwards
// only allowed event types and drops an alert whose event and title were
// already sent within the repeat window.
type Notifier struct {
	senders     []Sender
	events      map[string]bool
	repeatAfter time.Duration
	now         func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time

	logger *slog.Logger
}

// NewNotifier creates a Notifier for the given senders. An empty events list
// allows all events. repeatAfter <= 0 disables repeat suppression.
func NewNotifier(senders []Sender, events []string, repeatAfter time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:     senders,
		events:      allowed,
		repeatAfter: repeatAfter,
		now:         time.Now,
		sent:        make(map[string]time.Time),
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends a notification to all senders if the event type is allowed
// and the same alert was not sent recently.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.claim(event + "\x00" + title) {
		n.logger.DebugContext(ctx, "repeat suppressed",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type or
// recent history.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// claim records key as sent and reports whether it may go out now.
func (n *Notifier) claim(key string) bool {
	if n.repeatAfter <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, at := range n.sent {
		if now.Sub(at) >= n.repeatAfter {
			delete(n.sent, k)
		}
	}
	if _, ok := n.sent[key]; ok {
		return false
	}
	n.sent[key] = now
	return true
}

// dispatch sends to every sender; one sender failing does not stop delivery
// to the rest. Errors are combined.
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
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
