package supabase

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// LogActivity inserts into activity_logs.
func (c *Client) LogActivity(ctx context.Context, entry domain.ActivityEntry) error {
	ctx, span := tracer.Start(ctx, "Supabase.LogActivity")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	return c.call(ctx, "supabase/activity", func() error {
		_, err := c.doPost(ctx, "activity_logs", entry)
		return err
	})
}

// SendPaymentConfirmation queues a confirmation in the notifications
// outbox. A mail worker outside this service drains it.
func (c *Client) SendPaymentConfirmation(ctx context.Context, n domain.PaymentConfirmation) error {
	ctx, span := tracer.Start(ctx, "Supabase.SendPaymentConfirmation")
	defer span.End()

	row := map[string]any{
		"id":       uuid.NewString(),
		"user_id":  n.UserID,
		"channel":  "email",
		"template": "payment_confirmation",
		"payload": map[string]any{
			"email":  n.Email,
			"name":   n.Name,
			"plan":   n.Plan,
			"amount": n.Amount,
		},
		"created_at": c.now().Format(time.RFC3339Nano),
	}
	return c.call(ctx, "supabase/notifications", func() error {
		_, err := c.doPost(ctx, "notifications", row)
		return err
	})
}
