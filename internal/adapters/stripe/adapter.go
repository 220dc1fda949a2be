// Package stripe implements the redirect-checkout gateway adapter against
// the Stripe HTTP API. Confirmation is learned by retrieving the session or
// intent status, or via webhook push carrying the same reference.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

const defaultBaseURL = "https://api.stripe.com"

// Config carries the adapter credentials.
type Config struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // overridable for tests; defaults to the live API
}

// Adapter implements domain.GatewayAdapter for Stripe-style checkout.
type Adapter struct {
	cfg        Config
	resolver   domain.PayoutAccountResolver // optional
	httpClient *http.Client
}

// NewAdapter creates a Stripe adapter. resolver may be nil when split
// payments are not configured.
func NewAdapter(cfg Config, resolver domain.PayoutAccountResolver) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{
		cfg:      cfg,
		resolver: resolver,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Type reports the provider this adapter speaks to.
func (a *Adapter) Type() domain.GatewayType {
	return domain.GatewayStripe
}

type checkoutSessionResponse struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
}

type paymentIntentResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateCheckout creates a hosted checkout session, or charges a
// pre-authorized token directly when one is presented.
func (a *Adapter) CreateCheckout(ctx context.Context, inv *domain.Invoice, tx *domain.Transaction, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	if params.Token != "" {
		return a.directCharge(ctx, inv, tx, params.Token)
	}

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("client_reference_id", strconv.FormatInt(inv.ID, 10))
	form.Set("metadata[invoice_id]", strconv.FormatInt(inv.ID, 10))
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", tx.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(minorUnits(tx.Amount), 10))
	form.Set("line_items[0][price_data][product_data][name]", fmt.Sprintf("Invoice #%d", inv.ID))
	if acct := a.payoutDestination(ctx, inv.TrainerID); acct != "" {
		form.Set("payment_intent_data[transfer_data][destination]", acct)
	}

	raw, err := a.do(ctx, http.MethodPost, "/v1/checkout/sessions", form)
	if err != nil {
		return nil, err
	}

	var session checkoutSessionResponse
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("%w: malformed checkout session response", domain.ErrGatewayRejected)
	}

	return &domain.CheckoutSession{
		ProviderRef: session.ID,
		RedirectURL: session.URL,
		Status:      domain.StatusPending,
		Raw:         raw,
	}, nil
}

// directCharge creates and confirms a payment intent in one call.
func (a *Adapter) directCharge(ctx context.Context, inv *domain.Invoice, tx *domain.Transaction, token string) (*domain.CheckoutSession, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(tx.Amount), 10))
	form.Set("currency", tx.Currency)
	form.Set("payment_method", token)
	form.Set("confirm", "true")
	form.Set("metadata[invoice_id]", strconv.FormatInt(inv.ID, 10))
	if acct := a.payoutDestination(ctx, inv.TrainerID); acct != "" {
		form.Set("transfer_data[destination]", acct)
	}

	raw, err := a.do(ctx, http.MethodPost, "/v1/payment_intents", form)
	if err != nil {
		return nil, err
	}

	var intent paymentIntentResponse
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: malformed payment intent response", domain.ErrGatewayRejected)
	}

	return &domain.CheckoutSession{
		ProviderRef: intent.ID,
		Status:      normalizeIntentStatus(intent.Status),
		Raw:         raw,
	}, nil
}

// CaptureOrRetrieve retrieves the current status of a session or intent.
// Stripe sessions need no capture call: funds move when the hosted page
// completes, so this is a pure status read.
func (a *Adapter) CaptureOrRetrieve(ctx context.Context, providerRef string) (*domain.GatewayResult, error) {
	if strings.HasPrefix(providerRef, "cs_") {
		raw, err := a.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+providerRef, nil)
		if err != nil {
			return nil, err
		}
		var session checkoutSessionResponse
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("%w: malformed checkout session response", domain.ErrGatewayRejected)
		}
		return &domain.GatewayResult{
			ProviderRef: session.ID,
			Status:      normalizeSessionStatus(session.PaymentStatus),
			Raw:         raw,
		}, nil
	}

	raw, err := a.do(ctx, http.MethodGet, "/v1/payment_intents/"+providerRef, nil)
	if err != nil {
		return nil, err
	}
	var intent paymentIntentResponse
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: malformed payment intent response", domain.ErrGatewayRejected)
	}
	return &domain.GatewayResult{
		ProviderRef: intent.ID,
		Status:      normalizeIntentStatus(intent.Status),
		Raw:         raw,
	}, nil
}

// payoutDestination resolves the trainer's connected account. An
// unresolvable or malformed account degrades to "no destination": the
// platform absorbs the transfer rather than failing the checkout.
func (a *Adapter) payoutDestination(ctx context.Context, trainerID int64) string {
	if a.resolver == nil {
		return ""
	}
	acct, err := a.resolver.ResolvePayoutAccount(ctx, trainerID, domain.GatewayStripe)
	if err != nil {
		slog.Warn("payout account resolution failed; platform absorbs transfer",
			"trainer_id", trainerID, "error", err)
		return ""
	}
	if !strings.HasPrefix(acct, "acct_") {
		if acct != "" {
			slog.Warn("invalid stripe payout account; platform absorbs transfer",
				"trainer_id", trainerID)
		}
		return ""
	}
	return acct
}

// do performs a form-encoded API call, mapping transport failures and 5xx
// to ErrGatewayUnreachable and 4xx to ErrGatewayRejected.
func (a *Adapter) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: stripe returned status %d", domain.ErrGatewayUnreachable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		return nil, fmt.Errorf("%w: %s (status %d)", domain.ErrGatewayRejected,
			apiErr.Error.Message, resp.StatusCode)
	}
	return raw, nil
}

// minorUnits converts a currency-scaled decimal amount to the smallest
// currency unit the API expects.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func normalizeIntentStatus(status string) domain.NormalizedStatus {
	switch status {
	case "succeeded":
		return domain.StatusPaid
	case "processing", "requires_action", "requires_confirmation", "requires_capture":
		return domain.StatusPending
	default:
		return domain.StatusFailed
	}
}

func normalizeSessionStatus(paymentStatus string) domain.NormalizedStatus {
	switch paymentStatus {
	case "paid", "no_payment_required":
		return domain.StatusPaid
	case "unpaid":
		return domain.StatusPending
	default:
		return domain.StatusFailed
	}
}
