// Package flutterwave is the payment gateway adapter for Flutterwave v3.
// It implements port.GatewayClient.
package flutterwave

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/infra/resilience"
)

var tracer = otel.Tracer("flutterwave")

const serviceName = "flutterwave"

// Options configures the client.
type Options struct {
	BaseURL       string
	SecretKey     string
	EncryptionKey string
	// VerifyConcurrency bounds parallel verify calls in one batch.
	VerifyConcurrency int
}

// Client wraps HTTP calls to the Flutterwave API.
type Client struct {
	httpClient *http.Client
	opts       Options
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a Flutterwave client. The http client's timeout bounds
// every provider call.
func NewClient(httpClient *http.Client, opts Options, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	if opts.VerifyConcurrency <= 0 {
		opts.VerifyConcurrency = 4
	}
	return &Client{
		httpClient: httpClient,
		opts:       opts,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// envelope is the common Flutterwave response shape.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
}

// httpStatusError is a non-2xx answer. 4xx answers are permanent.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("flutterwave returned status %d: %s", e.Code, e.Body)
}

// do executes an authenticated request and decodes the envelope. Non-2xx
// answers come back as *httpStatusError together with whatever envelope
// could be decoded.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*envelope, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, resilience.Permanent(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return nil, nil, resilience.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("flutterwave: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("flutterwave: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", env.Message),
		)
		statusErr := &httpStatusError{Code: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return &env, raw, resilience.Permanent(statusErr)
		}
		return &env, raw, statusErr
	}
	if decodeErr != nil {
		return nil, raw, resilience.Permanent(fmt.Errorf("decode flutterwave response: %w", decodeErr))
	}

	c.logger.Debug("flutterwave: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return &env, raw, nil
}
