package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/observability"
	"github.com/rushago/billing-reconciler/internal/port"
)

// PaymentConfig holds pricing and provider settings for new bills.
type PaymentConfig struct {
	Currency        string
	RedirectURL     string
	ProPlanAmount   int64
	BasicPlanAmount int64
}

// PaymentService starts subscription payments and serves bill admin reads.
type PaymentService struct {
	bills     port.BillStore
	accounts  port.AccountStore
	gateway   port.GatewayClient
	activator *Activator
	activity  port.ActivityLogger
	cfg       PaymentConfig
	validate  *validator.Validate
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewPaymentService creates the payment service with all dependencies injected.
func NewPaymentService(
	bills port.BillStore,
	accounts port.AccountStore,
	gateway port.GatewayClient,
	activator *Activator,
	activity port.ActivityLogger,
	cfg PaymentConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *PaymentService {
	if cfg.Currency == "" {
		cfg.Currency = "RWF"
	}
	return &PaymentService{
		bills:     bills,
		accounts:  accounts,
		gateway:   gateway,
		activator: activator,
		activity:  activity,
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// InitiateSubscription validates req and either activates a free plan or
// opens a bill and asks the provider to charge it.
func (s *PaymentService) InitiateSubscription(ctx context.Context, req domain.SubscriptionRequest) (*domain.SubscriptionResult, error) {
	ctx, span := billingTracer.Start(ctx, "PaymentService.InitiateSubscription")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", req.UserID),
		attribute.String("plan", req.Plan),
	)

	if req.PaymentMethod != "" {
		kind, ok := domain.ParseMethodKind(req.PaymentMethod)
		if !ok {
			return nil, &domain.ErrValidation{Field: "payment_method", Message: "must be mobile_money or card"}
		}
		req.PaymentMethod = string(kind)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	user, err := s.accounts.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	plan := domain.Plan(req.Plan)
	amount := s.cfg.BasicPlanAmount
	if plan == domain.PlanPro {
		amount = s.cfg.ProPlanAmount
	}
	if req.PaymentMethod == "" || amount <= 0 {
		if _, err := s.activator.ActivateFree(ctx, user, plan); err != nil {
			return nil, err
		}
		return &domain.SubscriptionResult{Activated: true, Message: "Subscription activated"}, nil
	}

	now := s.now()
	ref := domain.NewExternalRef(now)
	method := req.Method()

	snapshot, _ := json.Marshal(map[string]any{
		"plan":           req.Plan,
		"payment_method": method.Kind(),
		"phone":          req.Phone,
		"amount":         amount,
		"currency":       s.cfg.Currency,
	})
	bill := &domain.Bill{
		ID:              uuid.NewString(),
		ExternalRef:     ref,
		UserID:          user.ID,
		PayerPhone:      req.Phone,
		Amount:          amount,
		Currency:        s.cfg.Currency,
		PaymentMethod:   method.Kind(),
		Status:          domain.BillPending,
		Activation:      domain.ActivationNone,
		RequestSnapshot: snapshot,
	}
	if err := s.bills.CreateBill(ctx, bill); err != nil {
		return nil, fmt.Errorf("create bill: %w", err)
	}

	if err := s.accounts.SetPendingPayment(ctx, user.ID, &domain.PendingPayment{
		ExternalRef:   ref,
		Amount:        amount,
		Plan:          plan,
		PaymentMethod: method.Kind(),
	}); err != nil {
		s.failBill(ctx, bill, nil)
		return nil, fmt.Errorf("set pending payment: %w", err)
	}

	phone := req.Phone
	if phone == "" {
		phone = user.Phone
	}
	resp, err := method.Charge(ctx, s.gateway, domain.ChargeDetails{
		ExternalRef: ref,
		Amount:      amount,
		Currency:    s.cfg.Currency,
		Email:       user.Email,
		Name:        user.Name,
		Phone:       phone,
		RedirectURL: s.cfg.RedirectURL,
	})
	if err != nil {
		// The charge may have reached the provider; the sweeper settles it.
		s.metrics.IncrExternalError("gateway")
		s.logger.Warn("charge outcome unknown, bill left pending",
			zap.String("external_ref", ref),
			zap.Error(err),
		)
		return nil, err
	}

	if !resp.Accepted {
		s.failBill(ctx, bill, resp.Raw)
		return nil, &domain.ErrPaymentRejected{ExternalRef: ref, Message: resp.Message}
	}

	updated, err := s.bills.TransitionBill(ctx, domain.BillTransition{
		ExternalRef: ref,
		FromStatus:  domain.BillPending,
		FromVersion: bill.Version,
		ToStatus:    domain.BillInitiated,
	})
	if err != nil {
		var race *domain.ErrRaceLost
		if !errors.As(err, &race) {
			return nil, fmt.Errorf("mark bill initiated: %w", err)
		}
		if updated, err = s.bills.GetBillByRef(ctx, ref); err != nil {
			return nil, err
		}
	}

	s.logActivity(ctx, domain.ActivityEntry{
		UserID:    user.ID,
		EventType: domain.EventSubscriptionInitiated,
		Action:    "Initiated " + req.Plan + " subscription payment",
		TargetID:  ref,
		Metadata:  map[string]any{"plan": req.Plan, "amount": amount, "payment_method": method.Kind()},
		Device:    req.Device,
	})
	s.logger.Info("subscription payment initiated", observability.BillFields(updated)...)

	msg := resp.Message
	if msg == "" {
		msg = "Payment initiated"
	}
	return &domain.SubscriptionResult{Bill: updated, Link: resp.Link, Message: msg}, nil
}

// failBill moves a freshly created bill to failed and releases the user's
// pending payment in the same write. If the write fails the bill stays
// pending with the payment held, and the sweep resolves both once the
// provider reports the reference.
func (s *PaymentService) failBill(ctx context.Context, bill *domain.Bill, raw json.RawMessage) {
	_, err := s.bills.TransitionBill(ctx, domain.BillTransition{
		ExternalRef:      bill.ExternalRef,
		FromStatus:       domain.BillPending,
		FromVersion:      bill.Version,
		ToStatus:         domain.BillFailed,
		CallbackSnapshot: raw,
		ReleasePending:   true,
	})
	if err != nil {
		s.logger.Error("fail bill after rejected initiation",
			zap.String("external_ref", bill.ExternalRef),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) logActivity(ctx context.Context, e domain.ActivityEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.activity.LogActivity(ctx, e); err != nil {
		s.logger.Warn("activity log failed",
			zap.String("user_id", e.UserID),
			zap.String("event_type", e.EventType),
			zap.Error(err),
		)
	}
}

// ============================================================
// Admin
// ============================================================

// ListBills returns one page of bills, newest first.
func (s *PaymentService) ListBills(ctx context.Context, page, pageSize int) (*domain.ListResponse[domain.Bill], error) {
	ctx, span := billingTracer.Start(ctx, "PaymentService.ListBills")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	bills, err := s.bills.ListBills(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &domain.ListResponse[domain.Bill]{
		Data:     bills,
		Page:     page,
		PageSize: pageSize,
		HasMore:  len(bills) == pageSize,
	}, nil
}

// GetBill returns a bill by id.
func (s *PaymentService) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	ctx, span := billingTracer.Start(ctx, "PaymentService.GetBill")
	defer span.End()
	return s.bills.GetBill(ctx, id)
}

// DeleteBill removes a bill by id.
func (s *PaymentService) DeleteBill(ctx context.Context, id string) error {
	ctx, span := billingTracer.Start(ctx, "PaymentService.DeleteBill")
	defer span.End()

	if err := s.bills.DeleteBill(ctx, id); err != nil {
		return err
	}
	s.logger.Info("bill deleted", zap.String("bill_id", id))
	return nil
}

// Revenue returns the total of completed bills.
func (s *PaymentService) Revenue(ctx context.Context) (*domain.RevenueTotal, error) {
	ctx, span := billingTracer.Start(ctx, "PaymentService.Revenue")
	defer span.End()
	return s.bills.RevenueTotal(ctx)
}

// validationError converts the first validator failure to the domain error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &domain.ErrValidation{Field: fe.Field(), Message: fmt.Sprintf("failed '%s' check", fe.Tag())}
	}
	return &domain.ErrValidation{Field: "request", Message: err.Error()}
}
