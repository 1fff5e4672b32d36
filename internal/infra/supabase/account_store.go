package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
)

// ============================================================
// Users & activation: port.AccountStore via PostgREST
// ============================================================

// userRecord is a row of the users table. The pending payment is flattened
// into nullable columns; pending_ref is unique.
type userRecord struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone"`
	IsRenter           bool       `json:"is_renter"`
	IsOwner            bool       `json:"is_owner"`
	AdminLevel         string     `json:"admin_level"`
	Plan               string     `json:"plan"`
	SubscriptionStatus string     `json:"subscription_status"`
	StartDate          *time.Time `json:"start_date"`
	EndDate            *time.Time `json:"end_date"`
	PaymentMethodID    string     `json:"payment_method_id"`
	PendingRef         *string    `json:"pending_ref"`
	PendingAmount      int64      `json:"pending_amount"`
	PendingPlan        string     `json:"pending_plan"`
	PendingMethod      string     `json:"pending_method"`
}

func (r userRecord) toDomain() *domain.User {
	u := &domain.User{
		ID:    r.ID,
		Name:  r.Name,
		Email: r.Email,
		Phone: r.Phone,
		Role:  domain.Role{IsRenter: r.IsRenter, IsOwner: r.IsOwner, AdminLevel: r.AdminLevel},
		Subscription: domain.Subscription{
			Plan:            domain.Plan(r.Plan),
			Status:          domain.SubscriptionStatus(r.SubscriptionStatus),
			StartDate:       r.StartDate,
			EndDate:         r.EndDate,
			PaymentMethodID: r.PaymentMethodID,
		},
	}
	if r.PendingRef != nil {
		u.Subscription.PendingPayment = &domain.PendingPayment{
			ExternalRef:   *r.PendingRef,
			Amount:        r.PendingAmount,
			Plan:          domain.Plan(r.PendingPlan),
			PaymentMethod: domain.MethodKind(r.PendingMethod),
		}
	}
	return u
}

var clearPending = map[string]any{
	"pending_ref":    nil,
	"pending_amount": 0,
	"pending_plan":   "",
	"pending_method": "",
}

// SQLSTATEs raised by apply_activation. PostgREST maps PTxxx to HTTP xxx.
const (
	codeNoPendingPayment = "PT409"
	codeUserNotFound     = "PT404"
)

func (c *Client) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetUser")
	defer span.End()
	return c.firstUser(ctx, "id", userID, "user")
}

func (c *Client) FindUserByPendingRef(ctx context.Context, externalRef string) (*domain.User, error) {
	ctx, span := tracer.Start(ctx, "Supabase.FindUserByPendingRef")
	defer span.End()
	return c.firstUser(ctx, "pending_ref", externalRef, "pending_payment")
}

func (c *Client) firstUser(ctx context.Context, column, value, resource string) (*domain.User, error) {
	var user *domain.User
	err := c.call(ctx, "supabase/users", func() error {
		path := fmt.Sprintf("users?%s=eq.%s&limit=1", column, url.QueryEscape(value))
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		rows, err := decodeRows[userRecord](body)
		if err != nil {
			return resilience.Permanent(err)
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: resource, ID: value})
		}
		user = rows[0].toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) SetPendingPayment(ctx context.Context, userID string, p *domain.PendingPayment) error {
	ctx, span := tracer.Start(ctx, "Supabase.SetPendingPayment")
	defer span.End()

	updates := clearPending
	if p != nil {
		updates = map[string]any{
			"pending_ref":    p.ExternalRef,
			"pending_amount": p.Amount,
			"pending_plan":   p.Plan,
			"pending_method": p.PaymentMethod,
		}
	}
	return c.call(ctx, "supabase/users", func() error {
		body, err := c.doPatch(ctx, "users?id=eq."+url.QueryEscape(userID), updates)
		if err != nil {
			return err
		}
		rows, err := decodeRows[userRecord](body)
		if err != nil {
			return resilience.Permanent(err)
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "user", ID: userID})
		}
		return nil
	})
}

type activationRow struct {
	PreviousPlan string   `json:"previous_plan"`
	ListingIDs   []string `json:"listing_ids"`
}

// ApplyActivation runs the apply_activation function, which locks the user
// row, checks the pending payment and writes the subscription, the boosts
// and the bill marker in one transaction.
func (c *Client) ApplyActivation(ctx context.Context, a domain.Activation) (*domain.ActivationResult, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ApplyActivation")
	defer span.End()

	sub := a.Subscription
	args := map[string]any{
		"p_user_id":           a.UserID,
		"p_external_ref":      a.ExternalRef,
		"p_plan":              sub.Plan,
		"p_status":            sub.Status,
		"p_start_date":        sub.StartDate,
		"p_end_date":          sub.EndDate,
		"p_payment_method_id": sub.PaymentMethodID,
		"p_is_active":         a.Boost.Active,
		"p_is_featured":       a.Boost.Featured,
		"p_ranking":           a.Boost.Ranking,
		"p_boost_start":       a.Boost.Window.Start,
		"p_boost_end":         a.Boost.Window.End,
	}

	res := &domain.ActivationResult{}
	err := c.call(ctx, "supabase/activation", func() error {
		body, err := c.doRPC(ctx, "apply_activation", args)
		var pe *pgError
		if errors.As(err, &pe) {
			switch pe.Code {
			case codeNoPendingPayment:
				return resilience.Permanent(&domain.ErrNoPendingPayment{ExternalRef: a.ExternalRef})
			case codeUserNotFound:
				return resilience.Permanent(&domain.ErrNotFound{Resource: "user", ID: a.UserID})
			}
		}
		if err != nil {
			return err
		}
		rows, err := decodeRows[activationRow](body)
		if err != nil {
			return resilience.Permanent(err)
		}
		if len(rows) > 0 {
			res.PreviousPlan = domain.Plan(rows[0].PreviousPlan)
			res.ListingIDs = rows[0].ListingIDs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
