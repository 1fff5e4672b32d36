package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/memstore"
)

func newBill(ref string) *domain.Bill {
	return &domain.Bill{ExternalRef: ref, UserID: "u1", Amount: 10000, Currency: "RWF", Status: domain.BillPending}
}

func TestTransitionBill_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateBill(ctx, newBill("BILL-1")))

	b, err := s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: "BILL-1", FromStatus: domain.BillPending, FromVersion: 0, ToStatus: domain.BillCompleted,
	})
	require.NoError(t, err)
	assert.True(t, b.Done)
	assert.Equal(t, int64(1), b.Version)

	_, err = s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: "BILL-1", FromStatus: domain.BillPending, FromVersion: 0, ToStatus: domain.BillFailed,
	})
	var race *domain.ErrRaceLost
	assert.True(t, errors.As(err, &race))
}

func TestCreateBill_DuplicateRef(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateBill(ctx, newBill("BILL-1")))

	var dup *domain.ErrDuplicate
	assert.ErrorAs(t, s.CreateBill(ctx, newBill("BILL-1")), &dup)
}

func TestListUnresolved_OldestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ref := range []string{"BILL-a", "BILL-b", "BILL-c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.SetClock(func() time.Time { return at })
		require.NoError(t, s.CreateBill(ctx, newBill(ref)))
	}

	got, err := s.ListUnresolved(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BILL-a", got[0].ExternalRef)
	assert.Equal(t, "BILL-b", got[1].ExternalRef)
}

func TestApplyActivation_RequiresPendingPayment(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	s.PutUser(domain.User{ID: "u1"})
	s.PutListing(domain.Listing{ID: "car-1", OwnerID: "u1"})
	s.PutListing(domain.Listing{ID: "car-2", OwnerID: "u1", Deleted: true})
	require.NoError(t, s.CreateBill(ctx, newBill("BILL-1")))
	require.NoError(t, s.SetPendingPayment(ctx, "u1", &domain.PendingPayment{ExternalRef: "BILL-1", Plan: domain.PlanPro}))

	now := time.Now()
	act := domain.Activation{
		UserID: "u1", ExternalRef: "BILL-1",
		Subscription: domain.ActiveSubscription(domain.PlanPro, "BILL-1", now),
		Boost:        domain.BoostFor(domain.PlanPro, now),
	}

	res, err := s.ApplyActivation(ctx, act)
	require.NoError(t, err)
	assert.Equal(t, []string{"car-1"}, res.ListingIDs)

	car, _ := s.Listing("car-1")
	assert.True(t, car.Boost.Featured)
	assert.Equal(t, 100, car.Boost.Ranking)
	deleted, _ := s.Listing("car-2")
	assert.False(t, deleted.Boost.Active)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, u.Subscription.PendingPayment)
	assert.True(t, u.Role.IsOwner)

	b, _ := s.GetBillByRef(ctx, "BILL-1")
	assert.Equal(t, domain.ActivationApplied, b.Activation)

	_, err = s.ApplyActivation(ctx, act)
	var none *domain.ErrNoPendingPayment
	assert.ErrorAs(t, err, &none)
}

func TestRevenueTotal_CountsCompletedOnly(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.CreateBill(ctx, newBill("BILL-1")))
	require.NoError(t, s.CreateBill(ctx, newBill("BILL-2")))
	_, err := s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: "BILL-1", FromStatus: domain.BillPending, ToStatus: domain.BillCompleted,
	})
	require.NoError(t, err)

	total, err := s.RevenueTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), total.TotalAmount)
	assert.Equal(t, int64(1), total.BillCount)
}

func TestTransitionBill_ReleasePending(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	s.PutUser(domain.User{ID: "u1", Subscription: domain.Subscription{
		PendingPayment: &domain.PendingPayment{ExternalRef: "BILL-1", Amount: 10000, Plan: domain.PlanPro},
	}})
	require.NoError(t, s.CreateBill(ctx, newBill("BILL-1")))

	s.FailTransitions(errors.New("connection reset"))
	_, err := s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: "BILL-1", FromStatus: domain.BillPending, ToStatus: domain.BillFailed, ReleasePending: true,
	})
	require.Error(t, err)
	b, _ := s.GetBillByRef(ctx, "BILL-1")
	assert.Equal(t, domain.BillPending, b.Status)
	u, _ := s.GetUser(ctx, "u1")
	assert.NotNil(t, u.Subscription.PendingPayment, "a failed write releases nothing")

	b, err = s.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: "BILL-1", FromStatus: domain.BillPending, ToStatus: domain.BillFailed, ReleasePending: true,
	})
	require.NoError(t, err)
	assert.True(t, b.Done)
	u, _ = s.GetUser(ctx, "u1")
	assert.Nil(t, u.Subscription.PendingPayment)
}
