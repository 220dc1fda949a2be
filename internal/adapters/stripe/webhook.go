package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

// webhookEvent is the envelope Stripe posts to the webhook endpoint.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook validates the signature and normalizes the event. Event
// types that do not affect settlement return (nil, nil) so the handler
// acknowledges them without action.
func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, headers map[string]string) (*domain.WebhookEvent, error) {
	if a.cfg.WebhookSecret != "" {
		if !verifySignature(payload, headers["Stripe-Signature"], a.cfg.WebhookSecret) {
			return nil, fmt.Errorf("%w: webhook signature validation failed", domain.ErrValidation)
		}
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload", domain.ErrValidation)
	}

	obj := event.Data.Object
	out := &domain.WebhookEvent{
		ProviderRef: obj.ID,
		InvoiceID:   invoiceIDFromMetadata(obj.Metadata),
		Raw:         payload,
	}

	switch event.Type {
	case "checkout.session.completed":
		if normalizeSessionStatus(obj.PaymentStatus) != domain.StatusPaid {
			// Completed session with async payment still settling; the
			// follow-up event will carry the terminal status.
			return nil, nil
		}
		out.Status = domain.StatusPaid
	case "payment_intent.succeeded":
		out.Status = domain.StatusPaid
	case "payment_intent.payment_failed", "checkout.session.async_payment_failed":
		out.Status = domain.StatusFailed
	default:
		return nil, nil
	}
	return out, nil
}

// verifySignature checks the Stripe-Signature header: HMAC-SHA256 of
// "<timestamp>.<payload>" keyed by the endpoint secret, compared in
// constant time. Header format: t=<timestamp>,v1=<signature>[,v1=...].
func verifySignature(payload []byte, header, secret string) bool {
	if header == "" {
		return false
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return true
		}
	}
	return false
}

func invoiceIDFromMetadata(metadata map[string]string) int64 {
	raw, ok := metadata["invoice_id"]
	if !ok {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
