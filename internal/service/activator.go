package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/port"
)

var billingTracer = otel.Tracer("service/billing")

// sideEffectTimeout bounds each asynchronous notification or activity write.
const sideEffectTimeout = 10 * time.Second

// Activator applies the subscription and listing effects of a paid bill.
type Activator struct {
	accounts port.AccountStore
	activity port.ActivityLogger
	notifier port.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewActivator creates the activator with all dependencies injected.
func NewActivator(
	accounts port.AccountStore,
	activity port.ActivityLogger,
	notifier port.Notifier,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Activator {
	return &Activator{
		accounts: accounts,
		activity: activity,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply activates the plan held in user's pending payment for bill. It
// returns false without error when the pending payment is already gone,
// which means another caller applied it. A persistence failure is returned
// as *domain.ErrActivationFailure and leaves everything retryable.
func (a *Activator) Apply(ctx context.Context, user *domain.User, bill *domain.Bill) (bool, error) {
	ctx, span := billingTracer.Start(ctx, "Activator.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("bill.external_ref", bill.ExternalRef),
		attribute.String("user.id", user.ID),
	)

	pp := user.Subscription.PendingPayment
	if pp == nil || pp.ExternalRef != bill.ExternalRef {
		a.metrics.IncrActivation(observability.ActivationAlreadyApplied)
		return false, nil
	}

	now := a.now()
	res, err := a.accounts.ApplyActivation(ctx, domain.Activation{
		UserID:       user.ID,
		BillID:       bill.ID,
		ExternalRef:  bill.ExternalRef,
		Subscription: domain.ActiveSubscription(pp.Plan, bill.ExternalRef, now),
		Boost:        domain.BoostFor(pp.Plan, now),
	})
	if err != nil {
		var none *domain.ErrNoPendingPayment
		if errors.As(err, &none) {
			a.metrics.IncrActivation(observability.ActivationAlreadyApplied)
			a.logger.Info("activation already applied",
				zap.String("external_ref", bill.ExternalRef),
				zap.String("user_id", user.ID),
			)
			return false, nil
		}
		a.metrics.IncrActivation(observability.ActivationFailed)
		span.RecordError(err)
		return false, &domain.ErrActivationFailure{ExternalRef: bill.ExternalRef, Err: err}
	}

	a.metrics.IncrActivation(observability.ActivationApplied)
	a.logger.Info("subscription activated",
		zap.String("external_ref", bill.ExternalRef),
		zap.String("user_id", user.ID),
		zap.String("plan", string(pp.Plan)),
		zap.Int("listings", len(res.ListingIDs)),
	)

	a.dispatch(ctx, user, pp.Plan, bill.Amount, bill.ExternalRef, res)
	return true, nil
}

// ActivateFree activates plan without a payment.
func (a *Activator) ActivateFree(ctx context.Context, user *domain.User, plan domain.Plan) (*domain.ActivationResult, error) {
	ctx, span := billingTracer.Start(ctx, "Activator.ActivateFree")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", user.ID))

	now := a.now()
	res, err := a.accounts.ApplyActivation(ctx, domain.Activation{
		UserID:       user.ID,
		Subscription: domain.ActiveSubscription(plan, "", now),
		Boost:        domain.BoostFor(plan, now),
	})
	if err != nil {
		a.metrics.IncrActivation(observability.ActivationFailed)
		return nil, &domain.ErrActivationFailure{ExternalRef: "free:" + user.ID, Err: err}
	}

	a.metrics.IncrActivation(observability.ActivationApplied)
	a.logger.Info("free plan activated",
		zap.String("user_id", user.ID),
		zap.String("plan", string(plan)),
	)
	a.dispatch(ctx, user, plan, 0, "", res)
	return res, nil
}

// Wait blocks until every dispatched notification and activity write ends.
func (a *Activator) Wait() {
	a.wg.Wait()
}

// dispatch sends the confirmation and writes activity entries in the
// background. Failures are logged and never retried.
func (a *Activator) dispatch(ctx context.Context, user *domain.User, plan domain.Plan, amount int64, ref string, res *domain.ActivationResult) {
	base := context.WithoutCancel(ctx)
	now := a.now()

	entries := []domain.ActivityEntry{{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		EventType: domain.EventSubscriptionActivated,
		Action:    "Subscribed to " + string(plan) + " plan",
		TargetID:  ref,
		Metadata:  map[string]any{"plan": plan, "amount": amount, "previous_plan": res.PreviousPlan},
		CreatedAt: now,
	}}
	for _, id := range res.ListingIDs {
		entries = append(entries, domain.ActivityEntry{
			ID:        uuid.NewString(),
			UserID:    user.ID,
			EventType: domain.EventCarReactivated,
			Action:    "Listing boosted by " + string(plan) + " plan",
			TargetID:  id,
			CreatedAt: now,
		})
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for _, e := range entries {
			ctx, cancel := context.WithTimeout(base, sideEffectTimeout)
			if err := a.activity.LogActivity(ctx, e); err != nil {
				a.logger.Warn("activity log failed",
					zap.String("user_id", e.UserID),
					zap.String("event_type", e.EventType),
					zap.Error(err),
				)
			}
			cancel()
		}
	}()

	if ref == "" {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(base, sideEffectTimeout)
		defer cancel()
		err := a.notifier.SendPaymentConfirmation(ctx, domain.PaymentConfirmation{
			UserID: user.ID,
			Email:  user.Email,
			Name:   user.Name,
			Plan:   plan,
			Amount: amount,
		})
		if err != nil {
			a.logger.Warn("payment confirmation failed",
				zap.String("user_id", user.ID),
				zap.String("external_ref", ref),
				zap.Error(err),
			)
		}
	}()
}
