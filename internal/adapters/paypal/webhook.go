package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

type webhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type orderResource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
	} `json:"purchase_units"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	CustomID          string `json:"custom_id"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// ParseWebhook decodes a notification into a normalized event. Order
// approval only signals that a capture may now be attempted; funds move on
// the capture event. Event types outside the order lifecycle are ignored.
func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, headers map[string]string) (*domain.WebhookEvent, error) {
	if a.cfg.WebhookID != "" {
		if err := a.verifySignature(ctx, payload, headers); err != nil {
			return nil, err
		}
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook payload", domain.ErrValidation)
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		var order orderResource
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return nil, fmt.Errorf("%w: malformed order resource", domain.ErrValidation)
		}
		evt := &domain.WebhookEvent{
			ProviderRef:     order.ID,
			Status:          domain.StatusPending,
			RequiresCapture: true,
			Raw:             payload,
		}
		if len(order.PurchaseUnits) > 0 {
			evt.InvoiceID = parseInvoiceID(order.PurchaseUnits[0].CustomID)
		}
		return evt, nil

	case "PAYMENT.CAPTURE.COMPLETED":
		capture, err := decodeCapture(event.Resource)
		if err != nil {
			return nil, err
		}
		return &domain.WebhookEvent{
			ProviderRef: captureProviderRef(capture),
			InvoiceID:   parseInvoiceID(capture.CustomID),
			Status:      domain.StatusPaid,
			Raw:         payload,
		}, nil

	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		capture, err := decodeCapture(event.Resource)
		if err != nil {
			return nil, err
		}
		return &domain.WebhookEvent{
			ProviderRef: captureProviderRef(capture),
			InvoiceID:   parseInvoiceID(capture.CustomID),
			Status:      domain.StatusFailed,
			Raw:         payload,
		}, nil
	}

	slog.Debug("ignoring paypal webhook event", "event_type", event.EventType)
	return nil, nil
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type verifyResponse struct {
	VerificationStatus string `json:"verification_status"`
}

// verifySignature delegates to the verify-webhook-signature endpoint;
// PayPal signs with its own certificate chain so verification cannot be
// done locally with a shared secret.
func (a *Adapter) verifySignature(ctx context.Context, payload []byte, headers map[string]string) error {
	body := verifyRequest{
		AuthAlgo:         headers["Paypal-Auth-Algo"],
		CertURL:          headers["Paypal-Cert-Url"],
		TransmissionID:   headers["Paypal-Transmission-Id"],
		TransmissionSig:  headers["Paypal-Transmission-Sig"],
		TransmissionTime: headers["Paypal-Transmission-Time"],
		WebhookID:        a.cfg.WebhookID,
		WebhookEvent:     payload,
	}
	if body.TransmissionID == "" || body.TransmissionSig == "" {
		return fmt.Errorf("%w: missing webhook signature headers", domain.ErrValidation)
	}

	raw, status, err := a.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return mapAPIError(raw, status)
	}

	var result verifyResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("%w: malformed verification response", domain.ErrGatewayRejected)
	}
	if result.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: webhook signature verification failed", domain.ErrValidation)
	}
	return nil
}

func decodeCapture(raw json.RawMessage) (*captureResource, error) {
	var capture captureResource
	if err := json.Unmarshal(raw, &capture); err != nil {
		return nil, fmt.Errorf("%w: malformed capture resource", domain.ErrValidation)
	}
	return &capture, nil
}

// captureProviderRef prefers the originating order id, which is what the
// transaction's provider_ref was recorded as at checkout time.
func captureProviderRef(capture *captureResource) string {
	if id := capture.SupplementaryData.RelatedIDs.OrderID; id != "" {
		return id
	}
	return capture.ID
}

func parseInvoiceID(customID string) int64 {
	if customID == "" {
		return 0
	}
	id, err := strconv.ParseInt(customID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
