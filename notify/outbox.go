package notify

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox persists notifications as pending rows in the notifications table
// for an external sender process to deliver. The insert is independent of
// the claim write that triggered it; a failed insert is reported as a
// DeliveryError and the claim state stands.
type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

func (o *Outbox) Notify(ctx context.Context, msg Message) error {
	const insertSQL = `
		INSERT INTO notifications (recipient_id, subject, body, status)
		VALUES ($1, $2, $3, 'pending')
	`

	if _, err := o.pool.Exec(ctx, insertSQL, msg.RecipientID, msg.Subject, msg.Body); err != nil {
		return &DeliveryError{RecipientID: msg.RecipientID, Err: err}
	}
	return nil
}
