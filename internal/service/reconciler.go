package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/port"
)

// Entry point names recorded by IncrEntryPoint.
const (
	SourceCallback = "callback"
	SourceRedirect = "redirect"
	SourceSweep    = "sweep"
	SourceManual   = "manual"
)

// ReconcilerOptions tunes the entry points.
type ReconcilerOptions struct {
	// CallbackReverify re-queries the gateway before trusting a success
	// claim carried by a webhook.
	CallbackReverify bool
	// VerifyTimeout bounds a manual lookup shared by concurrent callers.
	// Defaults to 30s.
	VerifyTimeout time.Duration
}

// Reconciler folds provider answers into bills. Every entry point ends in
// Apply, and the conditional bill write inside Apply decides the single
// caller that activates a subscription.
type Reconciler struct {
	bills     port.BillStore
	accounts  port.AccountStore
	gateway   port.GatewayClient
	activator *Activator
	seen      port.Cache[bool]
	opts      ReconcilerOptions
	metrics   *observability.Metrics
	logger    *zap.Logger

	verifyGroup singleflight.Group
}

// NewReconciler creates the reconciler with all dependencies injected.
// seen deduplicates webhook deliveries by provider event id.
func NewReconciler(
	bills port.BillStore,
	accounts port.AccountStore,
	gateway port.GatewayClient,
	activator *Activator,
	seen port.Cache[bool],
	opts ReconcilerOptions,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Reconciler {
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = 30 * time.Second
	}
	return &Reconciler{
		bills:     bills,
		accounts:  accounts,
		gateway:   gateway,
		activator: activator,
		seen:      seen,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}
}

// Apply moves the bill for externalRef to the outcome in v. Terminal bills
// and ambiguous outcomes are returned unchanged. Losing the conditional
// write to a concurrent caller is a successful no-op.
func (r *Reconciler) Apply(ctx context.Context, externalRef string, v domain.Verification) (*domain.Resolution, error) {
	ctx, span := billingTracer.Start(ctx, "Reconciler.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("bill.external_ref", externalRef),
		attribute.String("outcome", string(v.Outcome)),
	)

	bill, err := r.bills.GetBillByRef(ctx, externalRef)
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			r.metrics.IncrReconcile(observability.ReconcileNotFound)
		}
		return nil, err
	}

	if bill.Status.Terminal() {
		r.metrics.IncrReconcile(observability.ReconcileReplay)
		r.logger.Debug("bill already resolved", observability.BillFields(bill)...)
		return &domain.Resolution{Bill: bill}, nil
	}

	t := domain.BillTransition{
		ExternalRef:      externalRef,
		FromStatus:       bill.Status,
		FromVersion:      bill.Version,
		CallbackSnapshot: v.Raw,
	}
	switch v.Outcome {
	case domain.OutcomeSuccess:
		t.ToStatus = domain.BillCompleted
		t.Activation = domain.ActivationPending
	case domain.OutcomeFailure:
		t.ToStatus = domain.BillFailed
		t.ReleasePending = true
	default:
		r.metrics.IncrReconcile(observability.ReconcileAmbiguous)
		r.logger.Debug("ambiguous outcome, bill left open",
			zap.String("external_ref", externalRef),
			zap.String("provider_status", v.ProviderStatus),
		)
		return &domain.Resolution{Bill: bill}, nil
	}

	updated, err := r.bills.TransitionBill(ctx, t)
	if err != nil {
		var race *domain.ErrRaceLost
		if !errors.As(err, &race) {
			return nil, fmt.Errorf("transition bill %s: %w", externalRef, err)
		}
		r.metrics.IncrReconcile(observability.ReconcileRaceLost)
		r.logger.Info("bill transition lost race", zap.String("external_ref", externalRef))
		current, err := r.bills.GetBillByRef(ctx, externalRef)
		if err != nil {
			return nil, err
		}
		return &domain.Resolution{Bill: current}, nil
	}

	if updated.Status == domain.BillFailed {
		r.metrics.IncrReconcile(observability.ReconcileFailed)
		r.logger.Info("bill failed", observability.BillFields(updated)...)
		return &domain.Resolution{Bill: updated}, nil
	}

	r.metrics.IncrReconcile(observability.ReconcileCompleted)
	r.logger.Info("bill completed", observability.BillFields(updated)...)

	activated, err := r.activate(ctx, updated)
	if err != nil {
		r.logger.Error("activation failed, will retry",
			zap.String("external_ref", externalRef),
			zap.Error(err),
		)
	}
	return &domain.Resolution{Activated: activated, Bill: updated}, nil
}

// RetryActivation re-runs activation for a completed bill whose activation
// is still pending. Anything else is a no-op.
func (r *Reconciler) RetryActivation(ctx context.Context, externalRef string) (bool, error) {
	ctx, span := billingTracer.Start(ctx, "Reconciler.RetryActivation")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", externalRef))

	bill, err := r.bills.GetBillByRef(ctx, externalRef)
	if err != nil {
		return false, err
	}
	if bill.Status != domain.BillCompleted || bill.Activation != domain.ActivationPending {
		return false, nil
	}
	return r.activate(ctx, bill)
}

// activate finds the user holding the bill's pending payment and runs the
// activator. A bill nobody is waiting for is marked orphaned.
func (r *Reconciler) activate(ctx context.Context, bill *domain.Bill) (bool, error) {
	user, err := r.accounts.FindUserByPendingRef(ctx, bill.ExternalRef)
	if err != nil {
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			r.metrics.IncrActivation(observability.ActivationFailed)
			return false, &domain.ErrActivationFailure{ExternalRef: bill.ExternalRef, Err: err}
		}
		r.orphan(ctx, bill)
		return false, nil
	}

	ok, err := r.activator.Apply(ctx, user, bill)
	if err != nil {
		return false, err
	}
	if ok {
		bill.Activation = domain.ActivationApplied
	}
	return ok, nil
}

func (r *Reconciler) orphan(ctx context.Context, bill *domain.Bill) {
	err := r.bills.SetActivation(ctx, bill.ExternalRef, domain.ActivationPending, domain.ActivationOrphaned)
	var race *domain.ErrRaceLost
	switch {
	case err == nil:
		bill.Activation = domain.ActivationOrphaned
		r.metrics.IncrActivation(observability.ActivationOrphaned)
		r.logger.Warn("payment confirmed but no user holds the pending payment",
			observability.BillFields(bill)...,
		)
	case errors.As(err, &race):
		r.logger.Debug("activation state changed concurrently", zap.String("external_ref", bill.ExternalRef))
	default:
		r.logger.Error("mark bill orphaned failed",
			zap.String("external_ref", bill.ExternalRef),
			zap.Error(err),
		)
	}
}

// ============================================================
// Entry points
// ============================================================

// HandleCallback processes a provider webhook. Deliveries already seen
// within the dedupe window return a nil resolution. When success claims
// are re-verified, the gateway's answer replaces the claim.
func (r *Reconciler) HandleCallback(ctx context.Context, p domain.CallbackPayload) (*domain.Resolution, error) {
	ctx, span := billingTracer.Start(ctx, "Reconciler.HandleCallback")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", p.ExternalRef))

	r.metrics.IncrEntryPoint(SourceCallback)

	if p.ExternalRef == "" {
		r.metrics.IncrReconcile(observability.ReconcileAmbiguous)
		r.logger.Warn("callback without transaction reference, treated as ambiguous",
			zap.String("event", p.Event),
			zap.Error(&domain.ErrValidation{Field: "tx_ref", Message: "missing transaction reference"}),
		)
		return &domain.Resolution{}, nil
	}

	if p.EventID != "" {
		if !r.seen.SetIfAbsent(p.EventID, true) {
			r.metrics.IncrCacheHit("webhook")
			r.logger.Debug("duplicate callback ignored", zap.String("event_id", p.EventID))
			return nil, nil
		}
		r.metrics.IncrCacheMiss("webhook")
	}

	res, err := r.handleCallback(ctx, p)
	if err != nil && p.EventID != "" {
		r.seen.Delete(p.EventID)
	}
	return res, err
}

func (r *Reconciler) handleCallback(ctx context.Context, p domain.CallbackPayload) (*domain.Resolution, error) {
	v := domain.Verification{
		Ref:            p.ExternalRef,
		Outcome:        domain.OutcomeFromProviderStatus(p.Status),
		Amount:         p.Amount,
		Currency:       p.Currency,
		ProviderStatus: p.Status,
		Raw:            p.Raw,
	}
	if p.Status == "" {
		r.logger.Warn("callback without status, treated as ambiguous",
			zap.String("external_ref", p.ExternalRef),
			zap.Error(&domain.ErrValidation{Field: "status", Message: "missing"}),
		)
	}

	if v.Outcome == domain.OutcomeSuccess && r.opts.CallbackReverify {
		verified, err := r.verifyOne(ctx, p.ExternalRef)
		if err != nil {
			return nil, err
		}
		if verified.Outcome != domain.OutcomeSuccess {
			r.logger.Warn("callback success claim not confirmed by gateway",
				zap.String("external_ref", p.ExternalRef),
				zap.String("gateway_outcome", string(verified.Outcome)),
			)
		}
		if verified.Raw == nil {
			verified.Raw = p.Raw
		}
		v = verified
	}

	return r.Apply(ctx, p.ExternalRef, v)
}

// HandleRedirect processes the browser return from the provider. The
// status in the redirect is only logged; the gateway decides.
func (r *Reconciler) HandleRedirect(ctx context.Context, externalRef, advisoryStatus string) (*domain.Resolution, error) {
	ctx, span := billingTracer.Start(ctx, "Reconciler.HandleRedirect")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", externalRef))

	r.metrics.IncrEntryPoint(SourceRedirect)
	r.logger.Info("payment redirect",
		zap.String("external_ref", externalRef),
		zap.String("advisory_status", advisoryStatus),
	)

	if externalRef == "" {
		return nil, &domain.ErrValidation{Field: "tx_ref", Message: "missing transaction reference"}
	}

	v, err := r.verifyOne(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, externalRef, v)
}

// VerifyPayment synchronously verifies one bill with the gateway and
// applies the answer. Concurrent calls for the same ref share one lookup.
func (r *Reconciler) VerifyPayment(ctx context.Context, externalRef string) (*domain.Resolution, error) {
	ctx, span := billingTracer.Start(ctx, "Reconciler.VerifyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", externalRef))

	r.metrics.IncrEntryPoint(SourceManual)

	// The shared lookup outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := r.verifyGroup.DoChan(externalRef, func() (any, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.VerifyTimeout)
		defer cancel()
		v, err := r.verifyOne(sharedCtx, externalRef)
		if err != nil {
			return nil, err
		}
		return r.Apply(sharedCtx, externalRef, v)
	})

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.Shared {
		span.SetAttributes(attribute.Bool("shared", true))
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Val.(*domain.Resolution), nil
}

// QueryStatus returns the gateway's view of a transaction without touching
// the bill.
func (r *Reconciler) QueryStatus(ctx context.Context, externalRef string) (*domain.Verification, error) {
	ctx, span := billingTracer.Start(ctx, "Reconciler.QueryStatus")
	defer span.End()

	vs, err := r.gateway.Verify(ctx, []string{externalRef})
	if err != nil {
		r.metrics.IncrExternalError("gateway")
		return nil, err
	}
	for i := range vs {
		if vs[i].Ref == externalRef {
			return &vs[i], nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "transaction", ID: externalRef}
}

// verifyOne asks the gateway about one ref. A ref the gateway does not know
// is ambiguous.
func (r *Reconciler) verifyOne(ctx context.Context, externalRef string) (domain.Verification, error) {
	vs, err := r.gateway.Verify(ctx, []string{externalRef})
	if err != nil {
		r.metrics.IncrExternalError("gateway")
		return domain.Ambiguous(externalRef), err
	}
	for _, v := range vs {
		if v.Ref == externalRef {
			return v, nil
		}
	}
	return domain.Ambiguous(externalRef), nil
}
