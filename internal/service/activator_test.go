package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/service"
)

func TestActivator_AlreadyAppliedIsNoop(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.seedPending(t, "u1", "TX1", domain.BillPending, domain.PlanPro)
	ctx := context.Background()

	user := h.user(t, "u1")
	bill := h.bill(t, "TX1")

	ok, err := h.activator.Apply(ctx, user, bill)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same stale user snapshot: the store no longer holds the pending payment.
	ok, err = h.activator.Apply(ctx, user, bill)
	require.NoError(t, err)
	assert.False(t, ok)

	h.activator.Wait()
	assert.Equal(t, 1, h.notifier.count())
}

func TestActivator_NotificationFailureDoesNotFailActivation(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.notifier.err = errors.New("smtp unavailable")
	h.seedPending(t, "u1", "TX1", domain.BillInitiated, domain.PlanPro)

	res, err := h.reconciler.Apply(context.Background(), "TX1", success("TX1"))
	require.NoError(t, err)
	h.activator.Wait()

	assert.True(t, res.Activated)
	assert.Equal(t, domain.PlanPro, h.user(t, "u1").Subscription.Plan)
}

func TestActivator_ActivateFree(t *testing.T) {
	h := newHarness(t, service.ReconcilerOptions{})
	h.store.PutUser(domain.User{ID: "u9"})
	h.store.PutListing(domain.Listing{ID: "car-9", OwnerID: "u9"})

	res, err := h.activator.ActivateFree(context.Background(), h.user(t, "u9"), domain.PlanBasic)
	require.NoError(t, err)
	h.activator.Wait()

	assert.Equal(t, []string{"car-9"}, res.ListingIDs)
	u := h.user(t, "u9")
	assert.Equal(t, domain.PlanBasic, u.Subscription.Plan)
	assert.Equal(t, domain.SubscriptionActive, u.Subscription.Status)

	car, _ := h.store.Listing("car-9")
	assert.Equal(t, 50, car.Boost.Ranking)
	assert.False(t, car.Boost.Featured)
	assert.Equal(t, 0, h.notifier.count(), "free plans send no payment confirmation")
}
