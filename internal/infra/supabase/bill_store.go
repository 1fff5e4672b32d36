package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/google/uuid"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
)

// ============================================================
// Bills: port.BillStore via PostgREST
// ============================================================

func (c *Client) CreateBill(ctx context.Context, bill *domain.Bill) error {
	ctx, span := tracer.Start(ctx, "Supabase.CreateBill")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", bill.ExternalRef))

	if bill.ID == "" {
		bill.ID = uuid.NewString()
	}
	if bill.Activation == "" {
		bill.Activation = domain.ActivationNone
	}
	now := c.now()
	bill.CreatedAt, bill.UpdatedAt = now, now
	bill.Done = bill.Status.Terminal()

	row := map[string]any{
		"id":                bill.ID,
		"external_ref":      bill.ExternalRef,
		"user_id":           bill.UserID,
		"payer_phone":       bill.PayerPhone,
		"amount":            bill.Amount,
		"currency":          bill.Currency,
		"payment_method":    bill.PaymentMethod,
		"status":            bill.Status,
		"is_done":           bill.Done,
		"version":           bill.Version,
		"activation":        bill.Activation,
		"request_snapshot":  bill.RequestSnapshot,
		"callback_snapshot": bill.CallbackSnapshot,
		"created_at":        now.Format(time.RFC3339Nano),
		"updated_at":        now.Format(time.RFC3339Nano),
	}

	return c.call(ctx, "supabase/bills", func() error {
		_, err := c.doPost(ctx, "bills", row)
		if isUniqueViolation(err) {
			return resilience.Permanent(&domain.ErrDuplicate{Key: bill.ExternalRef})
		}
		return err
	})
}

func (c *Client) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetBill")
	defer span.End()
	return c.firstBill(ctx, "id", id)
}

func (c *Client) GetBillByRef(ctx context.Context, externalRef string) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetBillByRef")
	defer span.End()
	return c.firstBill(ctx, "external_ref", externalRef)
}

func (c *Client) firstBill(ctx context.Context, column, value string) (*domain.Bill, error) {
	var bill *domain.Bill
	err := c.call(ctx, "supabase/bills", func() error {
		path := fmt.Sprintf("bills?%s=eq.%s&limit=1", column, url.QueryEscape(value))
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		bills, err := decodeBills(body)
		if err != nil {
			return resilience.Permanent(err)
		}
		if len(bills) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "bill", ID: value})
		}
		bill = &bills[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// TransitionBill PATCHes the bill filtered on its expected status and
// version. No returned row means the filter missed.
func (c *Client) TransitionBill(ctx context.Context, t domain.BillTransition) (*domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "Supabase.TransitionBill")
	defer span.End()
	span.SetAttributes(
		attribute.String("bill.external_ref", t.ExternalRef),
		attribute.String("bill.to_status", string(t.ToStatus)),
	)

	updates := map[string]any{
		"status":     t.ToStatus,
		"is_done":    t.ToStatus.Terminal(),
		"version":    t.FromVersion + 1,
		"updated_at": c.now().Format(time.RFC3339Nano),
	}
	if t.Activation != "" {
		updates["activation"] = t.Activation
	}
	if t.RequestSnapshot != nil {
		updates["request_snapshot"] = t.RequestSnapshot
	}
	if t.CallbackSnapshot != nil {
		updates["callback_snapshot"] = t.CallbackSnapshot
	}
	path := fmt.Sprintf("bills?external_ref=eq.%s&status=eq.%s&version=eq.%d",
		url.QueryEscape(t.ExternalRef), t.FromStatus, t.FromVersion)

	var updated []domain.Bill
	err := c.call(ctx, "supabase/bills", func() error {
		var (
			body []byte
			err  error
		)
		if t.ReleasePending {
			body, err = c.doRPC(ctx, "release_bill", releaseArgs(t, updates))
		} else {
			body, err = c.doPatch(ctx, path, updates)
		}
		if err != nil {
			return err
		}
		updated, err = decodeBills(body)
		if err != nil {
			return resilience.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		if _, err := c.GetBillByRef(ctx, t.ExternalRef); err != nil {
			return nil, err
		}
		return nil, &domain.ErrRaceLost{ExternalRef: t.ExternalRef}
	}
	return &updated[0], nil
}

// releaseArgs maps a transition onto the release_bill function, which runs
// the conditional bill write and clears the payer's pending payment in one
// transaction.
func releaseArgs(t domain.BillTransition, updates map[string]any) map[string]any {
	return map[string]any{
		"p_external_ref":      t.ExternalRef,
		"p_from_status":       t.FromStatus,
		"p_from_version":      t.FromVersion,
		"p_to_status":         t.ToStatus,
		"p_activation":        t.Activation,
		"p_request_snapshot":  t.RequestSnapshot,
		"p_callback_snapshot": t.CallbackSnapshot,
		"p_updated_at":        updates["updated_at"],
	}
}

func (c *Client) SetActivation(ctx context.Context, externalRef string, from, to domain.ActivationState) error {
	ctx, span := tracer.Start(ctx, "Supabase.SetActivation")
	defer span.End()

	path := fmt.Sprintf("bills?external_ref=eq.%s&activation=eq.%s", url.QueryEscape(externalRef), from)
	var updated []domain.Bill
	err := c.call(ctx, "supabase/bills", func() error {
		body, err := c.doPatch(ctx, path, map[string]any{
			"activation": to,
			"updated_at": c.now().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		updated, err = decodeBills(body)
		if err != nil {
			return resilience.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(updated) == 0 {
		if _, err := c.GetBillByRef(ctx, externalRef); err != nil {
			return err
		}
		return &domain.ErrRaceLost{ExternalRef: externalRef}
	}
	return nil
}

func (c *Client) ListUnresolved(ctx context.Context, limit int) ([]domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListUnresolved")
	defer span.End()
	return c.listBills(ctx, fmt.Sprintf("bills?is_done=eq.false&order=created_at.asc&limit=%d", limit))
}

func (c *Client) ListPendingActivation(ctx context.Context, olderThan time.Time, limit int) ([]domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListPendingActivation")
	defer span.End()
	path := fmt.Sprintf("bills?status=eq.%s&activation=eq.%s&updated_at=lt.%s&order=updated_at.asc&limit=%d",
		domain.BillCompleted, domain.ActivationPending,
		url.QueryEscape(olderThan.UTC().Format(time.RFC3339Nano)), limit)
	return c.listBills(ctx, path)
}

func (c *Client) ListBills(ctx context.Context, page, pageSize int) ([]domain.Bill, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListBills")
	defer span.End()

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	return c.listBills(ctx, fmt.Sprintf("bills?order=created_at.desc&limit=%d&offset=%d", pageSize, offset))
}

func (c *Client) listBills(ctx context.Context, path string) ([]domain.Bill, error) {
	var bills []domain.Bill
	err := c.call(ctx, "supabase/bills", func() error {
		body, err := c.doRequest(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		bills, err = decodeBills(body)
		if err != nil {
			return resilience.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bills, nil
}

func (c *Client) DeleteBill(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Supabase.DeleteBill")
	defer span.End()

	return c.call(ctx, "supabase/bills", func() error {
		body, err := c.doDelete(ctx, fmt.Sprintf("bills?id=eq.%s", url.QueryEscape(id)))
		if err != nil {
			return err
		}
		deleted, err := decodeBills(body)
		if err != nil {
			return resilience.Permanent(err)
		}
		if len(deleted) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "bill", ID: id})
		}
		return nil
	})
}

// RevenueTotal sums completed bills in the billing_revenue_total function.
func (c *Client) RevenueTotal(ctx context.Context) (*domain.RevenueTotal, error) {
	ctx, span := tracer.Start(ctx, "Supabase.RevenueTotal")
	defer span.End()

	var total domain.RevenueTotal
	err := c.call(ctx, "supabase/revenue", func() error {
		body, err := c.doRPC(ctx, "billing_revenue_total", map[string]any{})
		if err != nil {
			return err
		}
		rows, err := decodeRows[domain.RevenueTotal](body)
		if err != nil {
			return resilience.Permanent(err)
		}
		if len(rows) > 0 {
			total = rows[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &total, nil
}

func decodeBills(body []byte) ([]domain.Bill, error) {
	bills, err := decodeRows[domain.Bill](body)
	if err != nil {
		return nil, err
	}
	for i := range bills {
		bills[i].RequestSnapshot = nullToNil(bills[i].RequestSnapshot)
		bills[i].CallbackSnapshot = nullToNil(bills[i].CallbackSnapshot)
	}
	return bills, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
