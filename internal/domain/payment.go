package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// ============================================================
// Gateway outcomes
// ============================================================

// Outcome is the normalized result of a provider query.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeAmbiguous Outcome = "ambiguous"
)

// OutcomeFromProviderStatus maps a raw provider status string. Anything that
// is not clearly successful or failed is ambiguous.
func OutcomeFromProviderStatus(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "successful", "success", "succeeded", "completed":
		return OutcomeSuccess
	case "failed", "failure", "cancelled", "canceled":
		return OutcomeFailure
	default:
		return OutcomeAmbiguous
	}
}

// Verification is one provider answer about a transaction.
type Verification struct {
	Ref            string          `json:"ref"`
	Outcome        Outcome         `json:"outcome"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency,omitempty"`
	ProviderStatus string          `json:"provider_status,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// Ambiguous returns an ambiguous verification for ref.
func Ambiguous(ref string) Verification {
	return Verification{Ref: ref, Outcome: OutcomeAmbiguous}
}

// Resolution is what the reconciler returns for one apply.
type Resolution struct {
	Activated bool  `json:"activated"`
	Bill      *Bill `json:"bill"`
}

// ============================================================
// Payment methods
// ============================================================

// MethodKind tags a payment method variant.
type MethodKind string

const (
	MethodMobileMoney MethodKind = "mobile_money"
	MethodCard        MethodKind = "card"
)

// ParseMethodKind accepts the canonical names and the short "momo" alias.
func ParseMethodKind(s string) (MethodKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mobile_money", "momo":
		return MethodMobileMoney, true
	case "card":
		return MethodCard, true
	}
	return "", false
}

// ChargeDetails is the provider-neutral part of a charge.
type ChargeDetails struct {
	ExternalRef string
	Amount      int64
	Currency    string
	Email       string
	Name        string
	Phone       string
	RedirectURL string
}

// ProviderResponse is the provider's answer to a charge request.
type ProviderResponse struct {
	ExternalRef string          `json:"external_ref"`
	Accepted    bool            `json:"accepted"`
	Link        string          `json:"link,omitempty"`
	Message     string          `json:"message,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Charger is the set of provider operations a payment method can dispatch to.
type Charger interface {
	ChargeMobileMoney(ctx context.Context, d ChargeDetails, phone string) (*ProviderResponse, error)
	ChargeCard(ctx context.Context, d ChargeDetails, card CardDetails) (*ProviderResponse, error)
	HostedCheckout(ctx context.Context, d ChargeDetails) (*ProviderResponse, error)
}

// PaymentMethod is a tagged payment method variant.
type PaymentMethod interface {
	Kind() MethodKind
	Charge(ctx context.Context, c Charger, d ChargeDetails) (*ProviderResponse, error)
}

// MobileMoney charges a mobile money wallet.
type MobileMoney struct {
	Phone string
}

func (MobileMoney) Kind() MethodKind { return MethodMobileMoney }

func (m MobileMoney) Charge(ctx context.Context, c Charger, d ChargeDetails) (*ProviderResponse, error) {
	return c.ChargeMobileMoney(ctx, d, m.Phone)
}

// CardDetails are raw card fields for a direct charge.
type CardDetails struct {
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CVV         string
}

// Card charges a card directly when details are present, otherwise through
// the provider's hosted checkout.
type Card struct {
	Details *CardDetails
}

func (Card) Kind() MethodKind { return MethodCard }

func (c Card) Charge(ctx context.Context, ch Charger, d ChargeDetails) (*ProviderResponse, error) {
	if c.Details == nil || c.Details.Number == "" {
		return ch.HostedCheckout(ctx, d)
	}
	return ch.ChargeCard(ctx, d, *c.Details)
}

// ============================================================
// Provider callbacks
// ============================================================

// CallbackPayload is a provider webhook reduced to the fields the billing
// core reads. Raw keeps the original body for the bill's callback snapshot.
type CallbackPayload struct {
	EventID     string          `json:"event_id"`
	Event       string          `json:"event"`
	ExternalRef string          `json:"external_ref"`
	Status      string          `json:"status"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ============================================================
// Initiation
// ============================================================

// SubscriptionRequest asks to start or upgrade a user's plan.
type SubscriptionRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	Plan          string `json:"plan" validate:"required,oneof=basic pro"`
	PaymentMethod string `json:"payment_method" validate:"required_if=Plan pro,omitempty,oneof=mobile_money card"`
	Phone         string `json:"phone" validate:"required_if=PaymentMethod mobile_money,omitempty,numeric,len=12"`
	CardNumber    string `json:"card_number,omitempty" validate:"required_with=ExpiryDate CVV,omitempty,numeric,min=12,max=19"`
	ExpiryDate    string `json:"expiry_date,omitempty" validate:"required_with=CardNumber,omitempty,len=5"`
	CVV           string `json:"cvv,omitempty" validate:"required_with=CardNumber,omitempty,numeric,min=3,max=4"`
	Device        string `json:"device,omitempty"`
}

// Method returns the tagged payment method the request describes.
func (r SubscriptionRequest) Method() PaymentMethod {
	if r.PaymentMethod == string(MethodMobileMoney) {
		return MobileMoney{Phone: r.Phone}
	}
	if r.CardNumber == "" {
		return Card{}
	}
	month, year, _ := strings.Cut(r.ExpiryDate, "/")
	return Card{Details: &CardDetails{Number: r.CardNumber, ExpiryMonth: month, ExpiryYear: year, CVV: r.CVV}}
}

// SubscriptionResult is returned by a subscription request.
type SubscriptionResult struct {
	Activated bool   `json:"activated"`
	Bill      *Bill  `json:"bill,omitempty"`
	Link      string `json:"link,omitempty"`
	Message   string `json:"message"`
}
