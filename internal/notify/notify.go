// Package notify surfaces user-visible alerts. Every notifier is best effort:
// callers log failures and never let them change the outcome of an operation.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Notification is a user-visible alert.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	// Tag groups notifications so a newer one replaces an older one with the same tag.
	Tag string `json:"tag"`
	// Link is an optional deep link into the client, e.g. "/hydration".
	Link string `json:"link,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, n Notification) error

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Multi fans a notification out to every notifier. All notifiers are tried;
// the returned error joins the individual failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async delivers notifications on a separate goroutine so slow backends never
// hold up the caller. Failures are logged at debug level.
type Async struct {
	next    Notifier
	timeout time.Duration
}

// NewAsync wraps next. timeout bounds each delivery (default 10s).
func NewAsync(next Notifier, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, timeout: timeout}
}

// Notify returns immediately.
func (a *Async) Notify(_ context.Context, n Notification) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, n); err != nil {
			slog.Debug("[NOTIFY] delivery failed", "title", n.Title, "tag", n.Tag, "error", err)
		}
	}()
	return nil
}

// Send delivers n through nt and swallows any failure.
func Send(ctx context.Context, nt Notifier, n Notification) {
	if nt == nil {
		return
	}
	if err := nt.Notify(ctx, n); err != nil {
		slog.Debug("[NOTIFY] notification failed", "title", n.Title, "tag", n.Tag, "error", err)
	}
}

// Compile-time interface checks.
var (
	_ Notifier = Nop{}
	_ Notifier = Multi(nil)
	_ Notifier = Func(nil)
	_ Notifier = (*Async)(nil)
)
