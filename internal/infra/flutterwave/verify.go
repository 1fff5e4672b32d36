package flutterwave

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
)

// avsNoAuth marks a card charge still waiting on address verification.
const avsNoAuth = "avs_noauth"

type transaction struct {
	ID       int64   `json:"id"`
	TxRef    string  `json:"tx_ref"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Status   string  `json:"status"`
	Meta     struct {
		AVS string `json:"avs"`
	} `json:"meta"`
}

// Verify looks up every ref concurrently. Refs Flutterwave has no record
// of are left out of the result. A ref whose lookup failed in transport is
// reported as ambiguous; when every lookup failed the batch returns an
// error instead.
func (c *Client) Verify(ctx context.Context, refs []string) ([]domain.Verification, error) {
	ctx, span := tracer.Start(ctx, "Flutterwave.Verify")
	defer span.End()
	span.SetAttributes(attribute.Int("refs.count", len(refs)))

	if len(refs) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		results  = make([]*domain.Verification, len(refs))
		failures int
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.VerifyConcurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			v, err := c.verifyOne(gctx, ref)
			switch {
			case err == nil:
				results[i] = v
			case isNotFound(err):
			default:
				mu.Lock()
				failures++
				lastErr = err
				mu.Unlock()
				c.logger.Warn("flutterwave: verify failed",
					zap.String("external_ref", ref),
					zap.Error(err),
				)
				amb := domain.Ambiguous(ref)
				results[i] = &amb
			}
			return nil
		})
	}
	_ = g.Wait()

	if failures == len(refs) {
		var open *domain.ErrCircuitOpen
		if errors.As(lastErr, &open) {
			return nil, lastErr
		}
		return nil, &domain.ErrExternalService{Service: serviceName, Err: lastErr}
	}

	out := make([]domain.Verification, 0, len(refs))
	for _, v := range results {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (c *Client) verifyOne(ctx context.Context, ref string) (*domain.Verification, error) {
	var (
		env *envelope
		raw []byte
	)
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			var innerErr error
			env, raw, innerErr = c.do(ctx, http.MethodGet, "/transactions/verify_by_reference?tx_ref="+url.QueryEscape(ref), nil)
			return innerErr
		})
	})
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return nil, &domain.ErrCircuitOpen{Service: serviceName}
		}
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusBadRequest) {
			return nil, &domain.ErrNotFound{Resource: "transaction", ID: ref}
		}
		return nil, err
	}

	if env.Status != "success" || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: ref}
	}

	var tx transaction
	if err := json.Unmarshal(env.Data, &tx); err != nil {
		amb := domain.Ambiguous(ref)
		amb.Raw = raw
		return &amb, nil
	}

	return toVerification(ref, tx, raw), nil
}

func toVerification(ref string, tx transaction, raw json.RawMessage) *domain.Verification {
	v := &domain.Verification{
		Ref:            ref,
		Outcome:        domain.OutcomeFromProviderStatus(tx.Status),
		Amount:         int64(math.Round(tx.Amount)),
		Currency:       tx.Currency,
		ProviderStatus: tx.Status,
		Raw:            raw,
	}
	if tx.Meta.AVS == avsNoAuth {
		v.Outcome = domain.OutcomeAmbiguous
		v.ProviderStatus = avsNoAuth
	}
	return v
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}

