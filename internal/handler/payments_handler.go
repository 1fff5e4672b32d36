package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rushago/billing-reconciler/internal/domain"
	"github.com/rushago/billing-reconciler/internal/infra/flutterwave"
	"github.com/rushago/billing-reconciler/internal/service"
)

const maxWebhookBody = 1 << 20

// ============================================================
// Webhook: POST /v1/payments/callback
// ============================================================

// callbackHandler acknowledges every authentic delivery with 200, malformed
// ones included, except transient failures, which answer 503 so the
// provider redelivers.
func callbackHandler(rec *service.Reconciler, webhookHash string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/callback")
		defer span.End()

		if !flutterwave.VerifyWebhookHash(r.Header.Get(flutterwave.HashHeader), webhookHash) {
			logger.Warn("webhook: hash mismatch", zap.String("remote_addr", r.RemoteAddr))
			writeError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		payload, err := flutterwave.ParseWebhook(body)
		if err != nil {
			logger.Warn("webhook: malformed payload ignored", zap.Int("bytes", len(body)), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
			return
		}
		span.SetAttributes(attribute.String("bill.external_ref", payload.ExternalRef))

		res, err := rec.HandleCallback(ctx, payload)
		switch {
		case err == nil:
		case isTransient(err):
			logger.Warn("webhook: transient failure, asking for redelivery",
				zap.String("external_ref", payload.ExternalRef), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
			return
		default:
			logger.Warn("webhook: not applied",
				zap.String("external_ref", payload.ExternalRef), zap.Error(err))
		}

		resp := map[string]any{"status": "received"}
		if res == nil && err == nil {
			resp["duplicate"] = true
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ============================================================
// Redirect: GET /v1/payments/subscription/redirect
// ============================================================

func redirectHandler(rec *service.Reconciler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payments/subscription/redirect")
		defer span.End()

		q := r.URL.Query()
		res, err := rec.HandleRedirect(ctx, q.Get("tx_ref"), q.Get("status"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ============================================================
// Initiation: POST /v1/payments/subscription
// ============================================================

func subscriptionHandler(payments *service.PaymentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/subscription")
		defer span.End()

		var req domain.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		// The payer is always the caller.
		req.UserID = ClaimsFromContext(ctx).Sub
		if req.Device == "" {
			req.Device = r.UserAgent()
		}

		res, err := payments.InitiateSubscription(ctx, req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		status := http.StatusOK
		if res.Bill != nil {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

// ============================================================
// Lookups: POST /v1/payments/status, GET /v1/payments/verify/{ref}
// ============================================================

func statusHandler(rec *service.Reconciler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/status")
		defer span.End()

		var body struct {
			TxRef         string `json:"tx_ref"`
			TransactionID string `json:"transactionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		ref := body.TxRef
		if ref == "" {
			ref = body.TransactionID
		}
		if ref == "" {
			writeError(w, http.StatusBadRequest, "tx_ref is required")
			return
		}

		v, err := rec.QueryStatus(ctx, ref)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func verifyHandler(rec *service.Reconciler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/payments/verify/{ref}")
		defer span.End()

		ref := chi.URLParam(r, "ref")
		span.SetAttributes(attribute.String("bill.external_ref", ref))

		res, err := rec.VerifyPayment(ctx, ref)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
