// Package paypal implements the order/capture gateway adapter against the
// PayPal HTTP API. Unlike the redirect-checkout flow, funds only move when
// an explicit capture call is made after payer approval.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

const defaultBaseURL = "https://api-m.paypal.com"

// Config carries the adapter credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	WebhookID    string // enables webhook signature verification when set
	BaseURL      string // overridable for tests; defaults to the live API
}

// Adapter implements domain.GatewayAdapter for PayPal-style order/capture.
type Adapter struct {
	cfg        Config
	resolver   domain.PayoutAccountResolver // optional
	httpClient *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewAdapter creates a PayPal adapter. resolver may be nil when split
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
	return domain.GatewayPayPal
}

type orderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []purchaseUnit      `json:"purchase_units"`
	ApplicationContext *applicationContext `json:"application_context,omitempty"`
}

type purchaseUnit struct {
	ReferenceID string      `json:"reference_id,omitempty"`
	CustomID    string      `json:"custom_id,omitempty"`
	Amount      orderAmount `json:"amount"`
	Payee       *orderPayee `json:"payee,omitempty"`
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type orderPayee struct {
	EmailAddress string `json:"email_address"`
}

type applicationContext struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

type apiErrorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// CreateCheckout creates a CAPTURE-intent order and returns the payer
// approval URL. A pre-authorized token has no equivalent in the order flow
// and is ignored.
func (a *Adapter) CreateCheckout(ctx context.Context, inv *domain.Invoice, tx *domain.Transaction, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	if params.Token != "" {
		slog.Debug("paypal adapter ignores client token; using order flow", "invoice_id", inv.ID)
	}

	unit := purchaseUnit{
		ReferenceID: strconv.FormatInt(inv.ID, 10),
		CustomID:    strconv.FormatInt(inv.ID, 10),
		Amount: orderAmount{
			CurrencyCode: strings.ToUpper(tx.Currency),
			Value:        tx.Amount.StringFixed(2),
		},
	}
	if payee := a.payoutDestination(ctx, inv.TrainerID); payee != "" {
		unit.Payee = &orderPayee{EmailAddress: payee}
	}

	body := orderRequest{
		Intent:        "CAPTURE",
		PurchaseUnits: []purchaseUnit{unit},
		ApplicationContext: &applicationContext{
			ReturnURL: params.SuccessURL,
			CancelURL: params.CancelURL,
		},
	}

	raw, status, err := a.do(ctx, http.MethodPost, "/v2/checkout/orders", body)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, mapAPIError(raw, status)
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: malformed order response", domain.ErrGatewayRejected)
	}

	return &domain.CheckoutSession{
		ProviderRef: order.ID,
		RedirectURL: approvalLink(order),
		Status:      domain.StatusPending,
		Raw:         raw,
	}, nil
}

// CaptureOrRetrieve performs the actual fund capture for an approved order.
// An already-captured order surfaces as ErrCaptureAlreadyCompleted; an order
// the payer has not approved yet reports pending rather than an error.
func (a *Adapter) CaptureOrRetrieve(ctx context.Context, providerRef string) (*domain.GatewayResult, error) {
	raw, status, err := a.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(providerRef)+"/capture", struct{}{})
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnprocessableEntity {
		var apiErr apiErrorResponse
		_ = json.Unmarshal(raw, &apiErr)
		for _, d := range apiErr.Details {
			switch d.Issue {
			case "ORDER_ALREADY_CAPTURED":
				return nil, domain.ErrCaptureAlreadyCompleted
			case "ORDER_NOT_APPROVED":
				return &domain.GatewayResult{
					ProviderRef: providerRef,
					Status:      domain.StatusPending,
					Raw:         raw,
				}, nil
			}
		}
		return nil, mapAPIError(raw, status)
	}
	if status >= 400 {
		return nil, mapAPIError(raw, status)
	}

	var order orderResponse
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("%w: malformed capture response", domain.ErrGatewayRejected)
	}

	return &domain.GatewayResult{
		ProviderRef: providerRef,
		Status:      normalizeOrderStatus(order.Status),
		Raw:         raw,
	}, nil
}

// payoutDestination resolves the trainer's payee address. An unresolvable
// or malformed address degrades to "no destination" so the platform account
// receives the funds instead of the checkout failing.
func (a *Adapter) payoutDestination(ctx context.Context, trainerID int64) string {
	if a.resolver == nil {
		return ""
	}
	payee, err := a.resolver.ResolvePayoutAccount(ctx, trainerID, domain.GatewayPayPal)
	if err != nil {
		slog.Warn("payout account resolution failed; platform absorbs transfer",
			"trainer_id", trainerID, "error", err)
		return ""
	}
	if payee != "" && !strings.Contains(payee, "@") {
		slog.Warn("invalid paypal payee address; platform absorbs transfer",
			"trainer_id", trainerID)
		return ""
	}
	return payee
}

// do performs an authenticated JSON API call. Transport failures and 5xx
// map to ErrGatewayUnreachable; 4xx statuses are returned to the caller for
// issue-level inspection.
func (a *Adapter) do(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, fmt.Errorf("%w: paypal returned status %d", domain.ErrGatewayUnreachable, resp.StatusCode)
	}
	return raw, resp.StatusCode, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a cached OAuth access token, refreshing it when it is
// within a minute of expiry.
func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("%w: token endpoint returned status %d", domain.ErrGatewayUnreachable, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: token endpoint returned status %d", domain.ErrGatewayRejected, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("%w: malformed token response", domain.ErrGatewayRejected)
	}

	a.accessToken = tok.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return a.accessToken, nil
}

func mapAPIError(raw []byte, status int) error {
	var apiErr apiErrorResponse
	_ = json.Unmarshal(raw, &apiErr)
	return fmt.Errorf("%w: %s %s (status %d)", domain.ErrGatewayRejected,
		apiErr.Name, apiErr.Message, status)
}

func approvalLink(order orderResponse) string {
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return link.Href
		}
	}
	return ""
}

func normalizeOrderStatus(status string) domain.NormalizedStatus {
	switch status {
	case "COMPLETED":
		return domain.StatusPaid
	case "CREATED", "SAVED", "APPROVED", "PAYER_ACTION_REQUIRED":
		return domain.StatusPending
	default:
		return domain.StatusFailed
	}
}
