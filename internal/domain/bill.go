package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================
// Bills
// ============================================================

// BillStatus is the payment lifecycle state of a bill.
type BillStatus string

const (
	BillPending   BillStatus = "pending"
	BillInitiated BillStatus = "initiated"
	BillCompleted BillStatus = "completed"
	BillFailed    BillStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s BillStatus) Terminal() bool {
	return s == BillCompleted || s == BillFailed
}

// Valid reports whether s is a known status.
func (s BillStatus) Valid() bool {
	switch s {
	case BillPending, BillInitiated, BillCompleted, BillFailed:
		return true
	}
	return false
}

// OpenStatuses are the statuses a bill may still transition out of.
var OpenStatuses = []BillStatus{BillPending, BillInitiated}

// ActivationState tracks whether the subscription side effects of a
// completed bill were persisted. It is independent of the payment status.
type ActivationState string

const (
	ActivationNone     ActivationState = "none"
	ActivationPending  ActivationState = "pending"
	ActivationApplied  ActivationState = "applied"
	ActivationOrphaned ActivationState = "orphaned"
)

// Bill is the durable record of a single payment attempt.
type Bill struct {
	ID               string          `json:"id"`
	ExternalRef      string          `json:"external_ref"`
	UserID           string          `json:"user_id"`
	PayerPhone       string          `json:"payer_phone,omitempty"`
	Amount           int64           `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentMethod    MethodKind      `json:"payment_method"`
	Status           BillStatus      `json:"status"`
	Done             bool            `json:"is_done"`
	Version          int64           `json:"version"`
	Activation       ActivationState `json:"activation"`
	RequestSnapshot  json.RawMessage `json:"request_snapshot,omitempty"`
	CallbackSnapshot json.RawMessage `json:"callback_snapshot,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BillTransition is a conditional status write. It applies only when the
// stored bill still has status FromStatus and version FromVersion.
type BillTransition struct {
	ExternalRef      string
	FromStatus       BillStatus
	FromVersion      int64
	ToStatus         BillStatus
	Activation       ActivationState
	RequestSnapshot  json.RawMessage
	CallbackSnapshot json.RawMessage
	// ReleasePending clears the payer's pending payment for ExternalRef in
	// the same unit as the status write.
	ReleasePending bool
}

// Apply returns a copy of b with the transition applied.
func (t BillTransition) Apply(b Bill, now time.Time) Bill {
	b.Status = t.ToStatus
	b.Done = t.ToStatus.Terminal()
	b.Version++
	if t.Activation != "" {
		b.Activation = t.Activation
	}
	if t.RequestSnapshot != nil {
		b.RequestSnapshot = t.RequestSnapshot
	}
	if t.CallbackSnapshot != nil {
		b.CallbackSnapshot = t.CallbackSnapshot
	}
	b.UpdatedAt = now
	return b
}

// RevenueTotal is the sum of all completed bills.
type RevenueTotal struct {
	Currency    string `json:"currency"`
	TotalAmount int64  `json:"total_amount"`
	BillCount   int64  `json:"bill_count"`
}

// NewExternalRef returns a provider transaction reference of the form
// BILL-<unix millis>-<short id>.
func NewExternalRef(now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return fmt.Sprintf("BILL-%d-%s", now.UnixMilli(), short)
}

// SweepReport summarizes one poll sweep run.
type SweepReport struct {
	Skipped            bool          `json:"skipped"`
	Checked            int           `json:"checked"`
	Resolved           int           `json:"resolved"`
	Activated          int           `json:"activated"`
	Absent             int           `json:"absent"`
	ActivationsRetried int           `json:"activations_retried"`
	Duration           time.Duration `json:"duration"`
}
