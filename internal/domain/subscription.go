package domain

import "time"

// ============================================================
// Users, subscriptions & listing boosts
// ============================================================

// Plan is a subscription tier.
type Plan string

const (
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanBasic || p == PlanPro
}

// SubscriptionStatus is the state of a user's subscription.
type SubscriptionStatus string

const (
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

const (
	SubscriptionPeriod = 30 * 24 * time.Hour
	BoostPeriod        = 90 * 24 * time.Hour
)

// PendingPayment links a user to the bill that will activate their plan.
type PendingPayment struct {
	ExternalRef   string     `json:"external_ref"`
	Amount        int64      `json:"amount"`
	Plan          Plan       `json:"plan"`
	PaymentMethod MethodKind `json:"payment_method,omitempty"`
}

// Subscription is embedded in every user.
type Subscription struct {
	Plan            Plan               `json:"plan"`
	Status          SubscriptionStatus `json:"status"`
	StartDate       *time.Time         `json:"start_date,omitempty"`
	EndDate         *time.Time         `json:"end_date,omitempty"`
	PaymentMethodID string             `json:"payment_method_id,omitempty"`
	PendingPayment  *PendingPayment    `json:"pending_payment,omitempty"`
}

// Role holds the platform roles of a user.
type Role struct {
	IsRenter   bool   `json:"is_renter"`
	IsOwner    bool   `json:"is_owner"`
	AdminLevel string `json:"admin_level"`
}

// User is the subset of the platform user the billing core reads and writes.
type User struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone"`
	Role         Role         `json:"role"`
	Subscription Subscription `json:"subscription"`
}

// BoostWindow is the period a listing stays boosted.
type BoostWindow struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"expiry_date"`
}

// ListingBoost is the visibility state of a listing.
type ListingBoost struct {
	Active   bool        `json:"is_active"`
	Featured bool        `json:"is_featured"`
	Ranking  int         `json:"ranking"`
	Window   BoostWindow `json:"subscription_boost"`
}

// Listing is a car owned by a user.
type Listing struct {
	ID      string       `json:"id"`
	OwnerID string       `json:"owner_id"`
	Deleted bool         `json:"is_deleted"`
	Boost   ListingBoost `json:"boost"`
}

// BoostFor returns the listing boost granted by plan, starting at now.
func BoostFor(plan Plan, now time.Time) ListingBoost {
	b := ListingBoost{
		Active:  true,
		Ranking: 50,
		Window:  BoostWindow{Start: now, End: now.Add(BoostPeriod)},
	}
	if plan == PlanPro {
		b.Featured = true
		b.Ranking = 100
	}
	return b
}

// ActiveSubscription returns the subscription granted by plan, starting at now.
func ActiveSubscription(plan Plan, paymentMethodID string, now time.Time) Subscription {
	end := now.Add(SubscriptionPeriod)
	return Subscription{
		Plan:            plan,
		Status:          SubscriptionActive,
		StartDate:       &now,
		EndDate:         &end,
		PaymentMethodID: paymentMethodID,
	}
}

// Activation is the full set of writes that activate a subscription. Stores
// apply it atomically.
type Activation struct {
	UserID       string
	BillID       string
	ExternalRef  string // empty for plans activated without payment
	Subscription Subscription
	Boost        ListingBoost
}

// ActivationResult reports what an activation changed.
type ActivationResult struct {
	PreviousPlan Plan
	ListingIDs   []string
}
