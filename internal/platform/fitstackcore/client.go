// Package fitstackcore provides the HTTP client for the core platform
// backend that owns trainer and client records.
package fitstackcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

// Client implements PayoutAccountResolver and SettlementNotifier against
// the core backend's internal API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a core backend client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// payoutAccountResponse represents the trainer payout account payload.
type payoutAccountResponse struct {
	TrainerID int64  `json:"trainer_id"`
	Gateway   string `json:"gateway"`
	Account   string `json:"account"`
}

// ResolvePayoutAccount retrieves the trainer's payout destination for a
// gateway. A trainer with no connected account resolves to "" without
// error; settlement then falls back to the platform account.
// GET /api/v1/internal/trainers/:id/payout-account/
func (c *Client) ResolvePayoutAccount(ctx context.Context, trainerID int64, gateway domain.GatewayType) (string, error) {
	url := fmt.Sprintf("%s/api/v1/internal/trainers/%d/payout-account/?gateway=%s",
		c.baseURL, trainerID, gateway)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", domain.NewBillingError(domain.ErrGatewayUnreachable,
			"failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.NewBillingError(domain.ErrGatewayUnreachable,
			"core backend request failed: "+err.Error(), "CORE_HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", domain.NewBillingError(domain.ErrGatewayUnreachable,
			fmt.Sprintf("core backend returned status %d: %s", resp.StatusCode, string(body)),
			"CORE_ERROR")
	}

	var account payoutAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return "", domain.NewBillingError(domain.ErrGatewayUnreachable,
			"failed to decode payout account response", "DECODE_ERROR")
	}
	return account.Account, nil
}

// settlementPayload is what the core backend receives when an invoice
// settles or fails.
type settlementPayload struct {
	InvoiceID     int64  `json:"invoice_id"`
	ClientID      int64  `json:"client_id"`
	TrainerID     int64  `json:"trainer_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id,omitempty"`
	ProviderRef   string `json:"provider_ref,omitempty"`
}

// NotifySettlement posts the settlement outcome to the core backend so it
// can unlock booked sessions. Failures are surfaced to the caller, which
// logs them; settlement itself is never rolled back.
// POST /api/v1/internal/invoices/settlement-callback/
func (c *Client) NotifySettlement(ctx context.Context, inv *domain.Invoice, tx *domain.Transaction) error {
	url := fmt.Sprintf("%s/api/v1/internal/invoices/settlement-callback/", c.baseURL)

	payload := settlementPayload{
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		TrainerID: inv.TrainerID,
		Status:    string(inv.Status),
		Amount:    inv.TotalAmount.StringFixed(2),
		Currency:  inv.Currency,
	}
	if tx != nil {
		payload.TransactionID = tx.ID
		payload.ProviderRef = tx.ProviderRef
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return domain.NewBillingError(domain.ErrGatewayUnreachable,
			"failed to marshal settlement payload", "MARSHAL_ERROR")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return domain.NewBillingError(domain.ErrGatewayUnreachable,
			"failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewBillingError(domain.ErrGatewayUnreachable,
			"core backend request failed: "+err.Error(), "CORE_HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return domain.NewBillingError(domain.ErrGatewayUnreachable,
			fmt.Sprintf("core backend returned status %d: %s", resp.StatusCode, string(body)),
			"CORE_ERROR")
	}
	return nil
}
