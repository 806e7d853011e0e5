package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	defaultAttempts     = 3
	defaultInitialDelay = 500 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
)

// Retrying decorates a Notifier with exponential backoff and jitter for
// transient channel failures. The final failure is still a DeliveryError.
type Retrying struct {
	next     Notifier
	attempts uint
	logger   *slog.Logger
}

func NewRetrying(next Notifier, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, attempts: defaultAttempts, logger: logger}
}

func (r *Retrying) Notify(ctx context.Context, msg Message) error {
	err := retry.Do(
		func() error { return r.next.Notify(ctx, msg) },
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(defaultInitialDelay),
		retry.MaxDelay(defaultMaxDelay),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("notification retry",
				"recipient", msg.RecipientID,
				"attempt", n+1,
				"error", err,
			)
		}),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return &DeliveryError{RecipientID: msg.RecipientID, Err: err}
}
