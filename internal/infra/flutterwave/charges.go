package flutterwave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
)

const (
	chargeDescription = "RUSHAGO subscription payment"
	checkoutTitle     = "RUSHAGO Payment"
)

type chargeMeta struct {
	Authorization struct {
		Mode     string `json:"mode"`
		Redirect string `json:"redirect"`
	} `json:"authorization"`
}

// ChargeMobileMoney starts a Rwanda mobile money charge.
func (c *Client) ChargeMobileMoney(ctx context.Context, d domain.ChargeDetails, phone string) (*domain.ProviderResponse, error) {
	ctx, span := tracer.Start(ctx, "Flutterwave.ChargeMobileMoney")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", d.ExternalRef))

	payload := map[string]any{
		"tx_ref":       d.ExternalRef,
		"amount":       d.Amount,
		"currency":     d.Currency,
		"phone_number": phone,
		"email":        d.Email,
		"fullname":     d.Name,
	}
	return c.encryptedCharge(ctx, "/charges?type=mobile_money_rwanda", d.ExternalRef, payload)
}

// ChargeCard starts a direct card charge.
func (c *Client) ChargeCard(ctx context.Context, d domain.ChargeDetails, card domain.CardDetails) (*domain.ProviderResponse, error) {
	ctx, span := tracer.Start(ctx, "Flutterwave.ChargeCard")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", d.ExternalRef))

	year := card.ExpiryYear
	if len(year) == 2 {
		year = "20" + year
	}
	payload := map[string]any{
		"tx_ref":       d.ExternalRef,
		"amount":       d.Amount,
		"currency":     d.Currency,
		"card_number":  card.Number,
		"cvv":          card.CVV,
		"expiry_month": card.ExpiryMonth,
		"expiry_year":  year,
		"email":        d.Email,
		"phone_number": d.Phone,
		"fullname":     d.Name,
		"description":  chargeDescription,
		"redirect_url": d.RedirectURL,
	}
	return c.encryptedCharge(ctx, "/charges?type=card", d.ExternalRef, payload)
}

// HostedCheckout creates a payment link for the provider's checkout page.
func (c *Client) HostedCheckout(ctx context.Context, d domain.ChargeDetails) (*domain.ProviderResponse, error) {
	ctx, span := tracer.Start(ctx, "Flutterwave.HostedCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("bill.external_ref", d.ExternalRef))

	payload := map[string]any{
		"tx_ref":       d.ExternalRef,
		"amount":       d.Amount,
		"currency":     d.Currency,
		"redirect_url": d.RedirectURL,
		"customer": map[string]string{
			"email":       d.Email,
			"phonenumber": d.Phone,
			"name":        d.Name,
		},
		"customizations": map[string]string{
			"title":       checkoutTitle,
			"description": chargeDescription,
		},
	}

	resp, err := c.charge(ctx, "/payments", d.ExternalRef, payload)
	if err != nil {
		return nil, err
	}
	if resp.Accepted && len(resp.envelope.Data) > 0 {
		var data struct {
			Link string `json:"link"`
		}
		if err := json.Unmarshal(resp.envelope.Data, &data); err != nil {
			return nil, &domain.ErrExternalService{Service: serviceName, Err: fmt.Errorf("decode checkout link: %w", err)}
		}
		resp.Link = data.Link
	}
	return resp.ProviderResponse, nil
}

func (c *Client) encryptedCharge(ctx context.Context, path, ref string, payload map[string]any) (*domain.ProviderResponse, error) {
	client, err := encryptPayload(payload, c.opts.EncryptionKey)
	if err != nil {
		return nil, &domain.ErrValidation{Field: "encryption_key", Message: err.Error()}
	}

	resp, err := c.charge(ctx, path, ref, map[string]string{"client": client})
	if err != nil {
		return nil, err
	}
	if resp.Accepted && len(resp.envelope.Meta) > 0 {
		var meta chargeMeta
		if err := json.Unmarshal(resp.envelope.Meta, &meta); err == nil {
			resp.Link = meta.Authorization.Redirect
		}
	}
	return resp.ProviderResponse, nil
}

type chargeResult struct {
	*domain.ProviderResponse
	envelope *envelope
}

// charge posts once. A 4xx answer is a rejection, not an error.
func (c *Client) charge(ctx context.Context, path, ref string, payload any) (*chargeResult, error) {
	var (
		env *envelope
		raw []byte
	)
	_, err := c.cb.Execute(func() (any, error) {
		var innerErr error
		env, raw, innerErr = c.do(ctx, http.MethodPost, path, payload)
		return nil, innerErr
	})

	var statusErr *httpStatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && resilience.IsPermanent(err):
		msg := ""
		if env != nil {
			msg = env.Message
		}
		c.logger.Warn("flutterwave: charge rejected",
			zap.String("external_ref", ref),
			zap.Int("status", statusErr.Code),
			zap.String("message", msg),
		)
		return &chargeResult{
			ProviderResponse: &domain.ProviderResponse{ExternalRef: ref, Accepted: false, Message: msg, Raw: raw},
			envelope:         &envelope{},
		}, nil
	case resilience.IsBreakerOpen(err):
		return nil, &domain.ErrCircuitOpen{Service: serviceName}
	default:
		return nil, &domain.ErrExternalService{Service: serviceName, Err: fmt.Errorf("charge %s: %w", ref, err)}
	}

	return &chargeResult{
		ProviderResponse: &domain.ProviderResponse{
			ExternalRef: ref,
			Accepted:    strings.EqualFold(env.Status, "success"),
			Message:     env.Message,
			Raw:         raw,
		},
		envelope: env,
	}, nil
}
