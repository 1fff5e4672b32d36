package domain

import "time"

// Activity event types written by the billing core.
const (
	EventSubscriptionInitiated = "subscription_initiated"
	EventSubscriptionActivated = "subscription_activated"
	EventCarReactivated        = "car_reactivated"
)

// ActivityEntry is a user activity log record.
type ActivityEntry struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Action    string         `json:"action"`
	TargetID  string         `json:"target_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Device    string         `json:"device,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// PaymentConfirmation is sent to the payer after activation.
type PaymentConfirmation struct {
	UserID string
	Email  string
	Name   string
	Plan   Plan
	Amount int64
}
