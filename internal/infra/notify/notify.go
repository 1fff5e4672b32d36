// Package notify delivers payment confirmations.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// LogNotifier writes confirmations to the log. It stands in for the mail
// transport outside Supabase deployments.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs through logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendPaymentConfirmation logs c at info level.
func (n *LogNotifier) SendPaymentConfirmation(_ context.Context, c domain.PaymentConfirmation) error {
	n.logger.Info("payment confirmation",
		zap.String("user_id", c.UserID),
		zap.String("email", c.Email),
		zap.String("plan", string(c.Plan)),
		zap.Int64("amount", c.Amount),
	)
	return nil
}
