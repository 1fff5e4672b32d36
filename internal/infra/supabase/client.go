// Package supabase implements the billing stores on Supabase PostgREST.
// Conditional bill writes are filtered PATCHes; the activation runs as a
// Postgres function through /rpc.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/resilience"
)

var tracer = otel.Tracer("supabase")

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
	now            func() time.Time
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks that PostgREST answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "bills?select=id&limit=1")
	return err
}

// doRequest executes an authenticated request to Supabase PostgREST.
func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	c.setHeaders(req, "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("supabase: failed to read response body",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil // no data
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, statusError(resp.StatusCode, body)
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	return body, nil
}

func (c *Client) setHeaders(req *http.Request, prefer string) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
}

// pgError is a PostgREST error body.
type pgError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *pgError) Error() string {
	return fmt.Sprintf("supabase returned status %d: %s %s", e.Status, e.Code, e.Message)
}

// statusError decodes a PostgREST error. 4xx answers other than 429 are
// permanent so they neither retry nor trip the breaker.
func statusError(status int, body []byte) error {
	e := &pgError{Status: status}
	if err := json.Unmarshal(body, e); err != nil || e.Message == "" {
		e.Message = string(body)
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return resilience.Permanent(e)
	}
	return e
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pe *pgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

// call runs fn through the circuit breaker and retry policy and maps
// failures to domain errors. fn wraps domain errors with
// resilience.Permanent; they come back unwrapped.
func (c *Client) call(ctx context.Context, service string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
	if err == nil {
		return nil
	}
	if resilience.IsBreakerOpen(err) {
		return &domain.ErrCircuitOpen{Service: "supabase"}
	}
	var (
		nf   *domain.ErrNotFound
		race *domain.ErrRaceLost
		none *domain.ErrNoPendingPayment
		dup  *domain.ErrDuplicate
	)
	switch {
	case errors.As(err, &nf):
		return nf
	case errors.As(err, &race):
		return race
	case errors.As(err, &none):
		return none
	case errors.As(err, &dup):
		return dup
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}
