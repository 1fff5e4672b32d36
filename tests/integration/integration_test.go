package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/handler"
	"github.com/rushago/billing-reconciler/internal/infra/cache"
	"github.com/rushago/billing-reconciler/internal/infra/flutterwave"
	"github.com/rushago/billing-reconciler/internal/infra/memstore"
	"github.com/rushago/billing-reconciler/internal/infra/notify"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
	"github.com/rushago/billing-reconciler/internal/service"
)

const (
	jwtSecret     = "integration-secret"
	webhookHash   = "integration-hash"
	encryptionKey = "FLWSECK_TEST0123456789ab"
)

// mockFlutterwave answers charges with "pending" and verifications from
// the statuses set by the test.
type mockFlutterwave struct {
	mu       sync.Mutex
	statuses map[string]string
	charges  int
	verifies int
}

func (m *mockFlutterwave) setStatus(ref, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[ref] = status
}

func (m *mockFlutterwave) verifyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifies
}

func (m *mockFlutterwave) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/charges":
		m.charges++
		fmt.Fprint(w, `{"status":"success","message":"Charge initiated","data":{"id":1,"status":"pending"},"meta":{"authorization":{"mode":"callback"}}}`)
	case r.Method == http.MethodGet && r.URL.Path == "/transactions/verify_by_reference":
		m.verifies++
		ref := r.URL.Query().Get("tx_ref")
		status, ok := m.statuses[ref]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"status":"error","message":"No transaction was found for this id","data":null}`)
			return
		}
		fmt.Fprintf(w, `{"status":"success","data":{"id":7,"tx_ref":%q,"amount":10000,"currency":"RWF","status":%q}}`, ref, status)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type stack struct {
	router    http.Handler
	store     *memstore.Store
	provider  *mockFlutterwave
	activator *service.Activator
	sweeper   *service.PollSweeper
}

func newStack(t *testing.T) *stack {
	t.Helper()
	provider := &mockFlutterwave{statuses: map[string]string{}}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	cfg := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 4}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	gateway := flutterwave.NewClient(httpClient, flutterwave.Options{
		BaseURL: srv.URL, SecretKey: "sk_test", EncryptionKey: encryptionKey,
	}, resilience.NewCircuitBreaker("integration"), cfg, logger)

	store := memstore.New()
	seen := cache.New[bool](time.Hour)
	t.Cleanup(seen.Close)

	activator := service.NewActivator(store, store, notify.NewLogNotifier(logger), metrics, logger)
	rec := service.NewReconciler(store, store, gateway, activator, seen,
		service.ReconcilerOptions{CallbackReverify: true}, metrics, logger)
	sweeper := service.NewPollSweeper(store, gateway, rec, nil,
		service.SweeperConfig{Interval: time.Minute, BatchSize: 10}, metrics, logger)
	payments := service.NewPaymentService(store, store, gateway, activator, store, service.PaymentConfig{
		Currency: "RWF", RedirectURL: "http://localhost/redirect", ProPlanAmount: 10000,
	}, metrics, logger)

	router := handler.NewRouter(handler.Deps{
		Payments:    payments,
		Reconciler:  rec,
		Sweeper:     sweeper,
		Tokens:      service.NewTokenValidator(jwtSecret),
		WebhookHash: webhookHash,
		Metrics:     metrics,
		Logger:      logger,
	})

	store.PutUser(domain.User{
		ID: "owner-1", Name: "Aline", Email: "aline@rushago.rw", Phone: "250788123456",
		Subscription: domain.Subscription{Plan: domain.PlanBasic, Status: domain.SubscriptionInactive},
	})
	store.PutListing(domain.Listing{ID: "car-1", OwnerID: "owner-1"})

	return &stack{router: router, store: store, provider: provider, activator: activator, sweeper: sweeper}
}

func (s *stack) subscribe(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, service.Claims{
		Sub:              "owner-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	body, _ := json.Marshal(map[string]string{"plan": "pro", "payment_method": "mobile_money", "phone": "250788123456"})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/subscription", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d. Body: %s", rec.Code, rec.Body.String())
	}
	var res domain.SubscriptionResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if res.Bill == nil || res.Bill.Status != domain.BillInitiated {
		t.Fatalf("expected an initiated bill, got %+v", res.Bill)
	}
	return res.Bill.ExternalRef
}

func (s *stack) webhook(t *testing.T, ref, status string) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"event": "charge.completed",
		"data":  map[string]any{"id": 7, "tx_ref": ref, "status": status, "amount": 10000, "currency": "RWF"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/callback", bytes.NewReader(body))
	req.Header.Set(flutterwave.HashHeader, webhookHash)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *stack) assertActivated(t *testing.T, ref string) {
	t.Helper()
	s.activator.Wait()
	ctx := context.Background()

	bill, err := s.store.GetBillByRef(ctx, ref)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if bill.Status != domain.BillCompleted || !bill.Done || bill.Activation != domain.ActivationApplied {
		t.Errorf("expected completed+applied bill, got status=%s done=%t activation=%s", bill.Status, bill.Done, bill.Activation)
	}

	user, err := s.store.GetUser(ctx, "owner-1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Subscription.Plan != domain.PlanPro || user.Subscription.Status != domain.SubscriptionActive {
		t.Errorf("expected active pro subscription, got %+v", user.Subscription)
	}
	if user.Subscription.PendingPayment != nil {
		t.Error("expected pending payment to be cleared")
	}
	if got := len(s.store.Activities(domain.EventSubscriptionActivated)); got != 1 {
		t.Errorf("expected exactly one subscription_activated entry, got %d", got)
	}
	if car, ok := s.store.Listing("car-1"); !ok || !car.Boost.Featured || car.Boost.Ranking != 100 {
		t.Errorf("expected car-1 to be featured, got %+v", car.Boost)
	}
}

// TestIntegration_WebhookFlow initiates a subscription, lets the provider
// confirm it by webhook, then replays the webhook.
func TestIntegration_WebhookFlow(t *testing.T) {
	s := newStack(t)
	ref := s.subscribe(t)
	s.provider.setStatus(ref, "successful")

	if rec := s.webhook(t, ref, "successful"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d. Body: %s", rec.Code, rec.Body.String())
	}
	if rec := s.webhook(t, ref, "successful"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}

	s.assertActivated(t, ref)
	if n := s.provider.verifyCount(); n != 1 {
		t.Errorf("expected the replay to skip verification, got %d lookups", n)
	}
}

// TestIntegration_ForgedSuccessWebhook claims success for a payment the
// provider still reports as pending.
func TestIntegration_ForgedSuccessWebhook(t *testing.T) {
	s := newStack(t)
	ref := s.subscribe(t)
	s.provider.setStatus(ref, "pending")

	if rec := s.webhook(t, ref, "successful"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	bill, err := s.store.GetBillByRef(context.Background(), ref)
	if err != nil {
		t.Fatalf("get bill: %v", err)
	}
	if bill.Status != domain.BillInitiated || bill.Done {
		t.Errorf("expected bill to stay open, got %s", bill.Status)
	}
}

// TestIntegration_SweepRecoversMissedWebhook never delivers the webhook;
// the poll sweep finds the payment.
func TestIntegration_SweepRecoversMissedWebhook(t *testing.T) {
	s := newStack(t)
	ref := s.subscribe(t)

	report, err := s.sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Checked != 1 || report.Absent != 1 || report.Resolved != 0 {
		t.Errorf("expected one absent bill, got %+v", report)
	}

	s.provider.setStatus(ref, "successful")
	report, err = s.sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Resolved != 1 || report.Activated != 1 {
		t.Errorf("expected one resolved and activated bill, got %+v", report)
	}

	s.assertActivated(t, ref)
}
