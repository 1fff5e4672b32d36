package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/cache"
	"github.com/rushago/billing-reconciler/internal/infra/memstore"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/service"
)

// --- Mocks ---

type fakeGateway struct {
	mu          sync.Mutex
	results     map[string]domain.Verification
	err         error
	verifyCalls [][]string
	gate        chan struct{}

	chargeResp *domain.ProviderResponse
	chargeErr  error
	charges    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{results: map[string]domain.Verification{}}
}

func (g *fakeGateway) set(ref string, outcome domain.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[ref] = domain.Verification{Ref: ref, Outcome: outcome, Amount: 10000, Currency: "RWF", ProviderStatus: string(outcome)}
}

func (g *fakeGateway) Verify(ctx context.Context, refs []string) ([]domain.Verification, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls = append(g.verifyCalls, append([]string(nil), refs...))
	if g.err != nil {
		return nil, g.err
	}
	var out []domain.Verification
	for _, r := range refs {
		if v, ok := g.results[r]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.verifyCalls)
}

func (g *fakeGateway) record(kind string, d domain.ChargeDetails) (*domain.ProviderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, kind)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	if g.chargeResp != nil {
		resp := *g.chargeResp
		resp.ExternalRef = d.ExternalRef
		return &resp, nil
	}
	return &domain.ProviderResponse{ExternalRef: d.ExternalRef, Accepted: true, Message: "Charge initiated"}, nil
}

func (g *fakeGateway) ChargeMobileMoney(_ context.Context, d domain.ChargeDetails, _ string) (*domain.ProviderResponse, error) {
	return g.record("mobile_money", d)
}

func (g *fakeGateway) ChargeCard(_ context.Context, d domain.ChargeDetails, _ domain.CardDetails) (*domain.ProviderResponse, error) {
	return g.record("card", d)
}

func (g *fakeGateway) HostedCheckout(_ context.Context, d domain.ChargeDetails) (*domain.ProviderResponse, error) {
	resp, err := g.record("hosted", d)
	if resp != nil {
		resp.Link = "https://checkout.example/" + d.ExternalRef
	}
	return resp, err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.PaymentConfirmation
	err  error
}

func (n *fakeNotifier) SendPaymentConfirmation(_ context.Context, c domain.PaymentConfirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// --- Harness ---

type harness struct {
	store      *memstore.Store
	gateway    *fakeGateway
	notifier   *fakeNotifier
	metrics    *observability.Metrics
	activator  *service.Activator
	reconciler *service.Reconciler
}

func newHarness(t *testing.T, opts service.ReconcilerOptions) *harness {
	t.Helper()
	h := &harness{
		store:    memstore.New(),
		gateway:  newFakeGateway(),
		notifier: &fakeNotifier{},
		metrics:  observability.NewMetrics(),
	}
	logger := zap.NewNop()
	seen := cache.New[bool](time.Hour)
	t.Cleanup(seen.Close)

	h.activator = service.NewActivator(h.store, h.store, h.notifier, h.metrics, logger)
	h.reconciler = service.NewReconciler(h.store, h.store, h.gateway, h.activator, seen, opts, h.metrics, logger)
	return h
}

// seedPending creates an open bill for ref and a user holding its pending
// payment, plus one live and one deleted listing.
func (h *harness) seedPending(t *testing.T, userID, ref string, status domain.BillStatus, plan domain.Plan) {
	t.Helper()
	ctx := context.Background()
	h.store.PutUser(domain.User{
		ID:    userID,
		Name:  "Renter " + userID,
		Email: userID + "@rushago.rw",
		Role:  domain.Role{IsRenter: true},
		Subscription: domain.Subscription{
			Plan:           domain.PlanBasic,
			Status:         domain.SubscriptionInactive,
			PendingPayment: &domain.PendingPayment{ExternalRef: ref, Amount: 10000, Plan: plan},
		},
	})
	h.store.PutListing(domain.Listing{ID: userID + "-car", OwnerID: userID})
	h.store.PutListing(domain.Listing{ID: userID + "-old", OwnerID: userID, Deleted: true})

	bill := &domain.Bill{
		ExternalRef:   ref,
		UserID:        userID,
		Amount:        10000,
		Currency:      "RWF",
		PaymentMethod: domain.MethodMobileMoney,
		Status:        domain.BillPending,
	}
	if err := h.store.CreateBill(ctx, bill); err != nil {
		t.Fatalf("seed bill: %v", err)
	}
	if status == domain.BillInitiated {
		if _, err := h.store.TransitionBill(ctx, domain.BillTransition{
			ExternalRef: ref, FromStatus: domain.BillPending, FromVersion: 0, ToStatus: domain.BillInitiated,
		}); err != nil {
			t.Fatalf("seed initiated: %v", err)
		}
	}
}

func (h *harness) bill(t *testing.T, ref string) *domain.Bill {
	t.Helper()
	b, err := h.store.GetBillByRef(context.Background(), ref)
	if err != nil {
		t.Fatalf("get bill %s: %v", ref, err)
	}
	return b
}

func (h *harness) user(t *testing.T, id string) *domain.User {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("get user %s: %v", id, err)
	}
	return u
}

func success(ref string) domain.Verification {
	return domain.Verification{Ref: ref, Outcome: domain.OutcomeSuccess, Amount: 10000, Currency: "RWF", ProviderStatus: "successful"}
}

func failure(ref string) domain.Verification {
	return domain.Verification{Ref: ref, Outcome: domain.OutcomeFailure, ProviderStatus: "failed"}
}
