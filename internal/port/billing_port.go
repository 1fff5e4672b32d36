package port

import (
	"context"
	"time"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// BillStore is the durable record of payment attempts. Status writes are
// conditional: TransitionBill returns *domain.ErrRaceLost when the stored
// bill no longer matches the transition's expected status and version.
type BillStore interface {
	CreateBill(ctx context.Context, bill *domain.Bill) error
	GetBill(ctx context.Context, id string) (*domain.Bill, error)
	GetBillByRef(ctx context.Context, externalRef string) (*domain.Bill, error)
	TransitionBill(ctx context.Context, t domain.BillTransition) (*domain.Bill, error)
	SetActivation(ctx context.Context, externalRef string, from, to domain.ActivationState) error

	// ListUnresolved returns bills with doneFlag=false, oldest first.
	ListUnresolved(ctx context.Context, limit int) ([]domain.Bill, error)
	// ListPendingActivation returns completed bills whose activation has not
	// been applied and that were last updated before olderThan.
	ListPendingActivation(ctx context.Context, olderThan time.Time, limit int) ([]domain.Bill, error)

	ListBills(ctx context.Context, page, pageSize int) ([]domain.Bill, error)
	DeleteBill(ctx context.Context, id string) error
	RevenueTotal(ctx context.Context) (*domain.RevenueTotal, error)
}

// AccountStore reads and writes the user side of billing: pending payments,
// subscriptions and listing boosts.
type AccountStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	FindUserByPendingRef(ctx context.Context, externalRef string) (*domain.User, error)
	SetPendingPayment(ctx context.Context, userID string, p *domain.PendingPayment) error

	// ApplyActivation atomically writes the subscription, boosts every
	// non-deleted listing of the user and marks the bill's activation as
	// applied. When a.ExternalRef is set, it only applies while the user still
	// holds that pending payment and returns *domain.ErrNoPendingPayment
	// otherwise.
	ApplyActivation(ctx context.Context, a domain.Activation) (*domain.ActivationResult, error)
}

// ActivityLogger records user activity entries.
type ActivityLogger interface {
	LogActivity(ctx context.Context, entry domain.ActivityEntry) error
}

// Notifier delivers payment confirmations to users.
type Notifier interface {
	SendPaymentConfirmation(ctx context.Context, c domain.PaymentConfirmation) error
}

// GatewayClient talks to the payment provider.
type GatewayClient interface {
	domain.Charger

	// Verify queries the provider for every ref. Refs the provider has no
	// record of are absent from the result. Transport failures are returned
	// as *domain.ErrExternalService.
	Verify(ctx context.Context, refs []string) ([]domain.Verification, error)
}

// SweepLock is a cross-instance lease guarding the poll sweep.
type SweepLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}
