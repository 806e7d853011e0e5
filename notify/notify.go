// Package notify carries claim lifecycle messages to claimants and
// maintainers. Delivery is best-effort: callers commit claim state first and
// treat any DeliveryError as non-fatal.
package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// Message is a notification about a claim addressed to one principal.
type Message struct {
	RecipientID string
	Subject     string
	Body        string
}

// Notifier dispatches a message to a principal. Implementations must return
// a *DeliveryError for delivery problems so callers can keep them non-fatal.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// DeliveryError reports a failed dispatch. It never reverses the claim
// state change that triggered the notification.
type DeliveryError struct {
	RecipientID string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify: delivery to %s failed: %v", e.RecipientID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// LogNotifier writes notifications to the structured log instead of an
// external channel. Used in development and as a safe default.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification",
		"recipient", msg.RecipientID,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}
