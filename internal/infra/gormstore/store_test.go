package gormstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
)

func TestBillRow_RoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := &domain.Bill{
		ID: "b1", ExternalRef: "BILL-1", UserID: "u1", Amount: 10000, Currency: "RWF",
		PaymentMethod: domain.MethodCard, Status: domain.BillCompleted, Version: 3,
		Activation: domain.ActivationPending, CallbackSnapshot: []byte(`{"status":"successful"}`),
		CreatedAt: now, UpdatedAt: now,
	}

	row := billRowFrom(b)
	assert.True(t, row.IsDone)
	assert.Equal(t, "", row.RequestSnapshot)

	got := row.toDomain()
	assert.Equal(t, b.ExternalRef, got.ExternalRef)
	assert.Equal(t, domain.BillCompleted, got.Status)
	assert.True(t, got.Done)
	assert.Nil(t, got.RequestSnapshot)
	assert.JSONEq(t, `{"status":"successful"}`, string(got.CallbackSnapshot))
}

func TestUserRow_PendingPayment(t *testing.T) {
	ref := "BILL-9"
	u := userRow{ID: "u1", Plan: "basic", PendingRef: &ref, PendingAmount: 10000, PendingPlan: "pro", PendingMethod: "mobile_money"}.toDomain()
	require.NotNil(t, u.Subscription.PendingPayment)
	assert.Equal(t, domain.PlanPro, u.Subscription.PendingPayment.Plan)

	u = userRow{ID: "u2"}.toDomain()
	assert.Nil(t, u.Subscription.PendingPayment)
}

// The tests below need a MySQL server, e.g.
// MYSQL_TEST_DSN="root:root@tcp(127.0.0.1:3306)/billing_test?parseTime=true".
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := Open(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMySQL_TransitionAndActivation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	userID, ref := "u-"+suffix, "BILL-"+suffix

	require.NoError(t, s.db.Create(&userRow{ID: userID, Plan: "basic", SubscriptionStatus: "inactive"}).Error)
	require.NoError(t, s.db.Create(&listingRow{ID: "car-" + suffix, OwnerID: userID}).Error)
	require.NoError(t, s.CreateBill(ctx, &domain.Bill{
		ExternalRef: ref, UserID: userID, Amount: 10000, Currency: "RWF",
		PaymentMethod: domain.MethodMobileMoney, Status: domain.BillPending,
	}))
	require.NoError(t, s.SetPendingPayment(ctx, userID, &domain.PendingPayment{ExternalRef: ref, Amount: 10000, Plan: domain.PlanPro}))

	b, err := s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: ref, FromStatus: domain.BillPending, FromVersion: 0,
		ToStatus: domain.BillCompleted, Activation: domain.ActivationPending,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Version)

	_, err = s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: ref, FromStatus: domain.BillPending, FromVersion: 0, ToStatus: domain.BillFailed,
	})
	var race *domain.ErrRaceLost
	require.ErrorAs(t, err, &race)

	now := time.Now().UTC()
	act := domain.Activation{
		UserID: userID, ExternalRef: ref,
		Subscription: domain.ActiveSubscription(domain.PlanPro, ref, now),
		Boost:        domain.BoostFor(domain.PlanPro, now),
	}
	res, err := s.ApplyActivation(ctx, act)
	require.NoError(t, err)
	assert.Equal(t, []string{"car-" + suffix}, res.ListingIDs)

	_, err = s.ApplyActivation(ctx, act)
	var none *domain.ErrNoPendingPayment
	require.ErrorAs(t, err, &none)

	b, err = s.GetBillByRef(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationApplied, b.Activation)
}

func TestMySQL_FailedTransitionReleasesPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	userID, ref := "u-"+suffix, "BILL-"+suffix

	require.NoError(t, s.db.Create(&userRow{ID: userID, Plan: "basic", SubscriptionStatus: "inactive"}).Error)
	require.NoError(t, s.CreateBill(ctx, &domain.Bill{
		ExternalRef: ref, UserID: userID, Amount: 10000, Currency: "RWF",
		PaymentMethod: domain.MethodMobileMoney, Status: domain.BillPending,
	}))
	require.NoError(t, s.SetPendingPayment(ctx, userID, &domain.PendingPayment{ExternalRef: ref, Amount: 10000, Plan: domain.PlanPro}))

	b, err := s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: ref, FromStatus: domain.BillPending, FromVersion: 0,
		ToStatus: domain.BillFailed, ReleasePending: true,
	})
	require.NoError(t, err)
	assert.True(t, b.Done)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, u.Subscription.PendingPayment)
}
