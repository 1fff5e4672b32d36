package flutterwave

import (
	"crypto/subtle"
	"encoding/json"
	"math"
	"strconv"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// HashHeader carries the secret hash configured on the Flutterwave dashboard.
const HashHeader = "verif-hash"

// VerifyWebhookHash reports whether the header matches the configured hash.
// An empty configured hash accepts nothing.
func VerifyWebhookHash(header, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1
}

type webhookBody struct {
	Event string `json:"event"`
	Data  struct {
		ID       int64   `json:"id"`
		TxRef    string  `json:"tx_ref"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
		Status   string  `json:"status"`
	} `json:"data"`
}

// ParseWebhook reduces a webhook body to a callback payload. It fails only
// when the body is not JSON; missing fields are left for the caller to judge.
func ParseWebhook(body []byte) (domain.CallbackPayload, error) {
	var w webhookBody
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.CallbackPayload{Raw: body}, &domain.ErrValidation{Field: "body", Message: "malformed webhook payload"}
	}

	p := domain.CallbackPayload{
		Event:       w.Event,
		ExternalRef: w.Data.TxRef,
		Status:      w.Data.Status,
		Amount:      int64(math.Round(w.Data.Amount)),
		Currency:    w.Data.Currency,
		Raw:         body,
	}
	if w.Data.ID != 0 {
		p.EventID = w.Event + ":" + strconv.FormatInt(w.Data.ID, 10) + ":" + w.Data.Status
	}
	return p, nil
}
