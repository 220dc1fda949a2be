package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/billing"
	"github.com/fitstack/fitstack-billing/internal/domain"
	"github.com/fitstack/fitstack-billing/internal/storage/sqlite"
)

type fakeAdapter struct {
	gatewayType    domain.GatewayType
	checkoutStatus domain.NormalizedStatus
	captureStatus  domain.NormalizedStatus
	captureErr     error

	mu  sync.Mutex
	seq int
}

func (f *fakeAdapter) Type() domain.GatewayType { return f.gatewayType }

func (f *fakeAdapter) CreateCheckout(_ context.Context, inv *domain.Invoice, _ *domain.Transaction, _ domain.CheckoutParams) (*domain.CheckoutSession, error) {
	f.mu.Lock()
	f.seq++
	ref := fmt.Sprintf("ref_%d_%d", inv.ID, f.seq)
	f.mu.Unlock()

	status := f.checkoutStatus
	if status == "" {
		status = domain.StatusPending
	}
	return &domain.CheckoutSession{
		ProviderRef: ref,
		RedirectURL: "https://checkout.example.com/" + ref,
		Status:      status,
	}, nil
}

func (f *fakeAdapter) CaptureOrRetrieve(_ context.Context, ref string) (*domain.GatewayResult, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	status := f.captureStatus
	if status == "" {
		status = domain.StatusPaid
	}
	return &domain.GatewayResult{ProviderRef: ref, Status: status}, nil
}

func (f *fakeAdapter) ParseWebhook(_ context.Context, payload []byte, _ map[string]string) (*domain.WebhookEvent, error) {
	var event struct {
		Ref       string `json:"ref"`
		InvoiceID int64  `json:"invoice_id"`
		Status    string `json:"status"`
		Capture   bool   `json:"capture"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", domain.ErrValidation)
	}
	if event.Status == "" {
		return nil, nil
	}
	return &domain.WebhookEvent{
		ProviderRef:     event.Ref,
		InvoiceID:       event.InvoiceID,
		Status:          domain.NormalizedStatus(event.Status),
		RequiresCapture: event.Capture,
		Raw:             payload,
	}, nil
}

type testEnv struct {
	router  *gin.Engine
	store   *sqlite.SQLiteStore
	adapter *fakeAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "billing-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	store, err := sqlite.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.UpsertGateway(ctx, &domain.PaymentGateway{
		ID: "gw_stripe", Name: "Stripe", Type: domain.GatewayStripe,
		Enabled: true, IsDefault: true,
	}); err != nil {
		t.Fatalf("UpsertGateway failed: %v", err)
	}

	adapter := &fakeAdapter{gatewayType: domain.GatewayStripe}
	svc := billing.NewService(store, []domain.GatewayAdapter{adapter}, nil, nil, billing.Config{
		CommissionRate:  decimal.RequireFromString("0.10"),
		Currency:        "usd",
		SuccessURL:      "https://app.example.com/return",
		CancelURL:       "https://app.example.com/cancelled",
		CheckoutTimeout: 5 * time.Second,
	})

	handler := NewHandler(svc, store,
		"https://app.example.com/return", "https://app.example.com/cancelled",
		map[string]bool{"app.example.com": true})
	router := SetupRouter(handler, gin.TestMode)

	return &testEnv{router: router, store: store, adapter: adapter}
}

func (e *testEnv) request(t *testing.T, method, path string, clientID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if clientID != 0 {
		req.Header.Set("X-Client-ID", strconv.FormatInt(clientID, 10))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createInvoice(t *testing.T, amount string) int64 {
	t.Helper()
	w := e.request(t, http.MethodPost, "/api/v1/invoices", 3, map[string]any{
		"client_id":    3,
		"trainer_id":   7,
		"total_amount": amount,
		"currency":     "usd",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create invoice status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp.Invoice.ID
}

func TestCreateInvoiceCurrencyDefault(t *testing.T) {
	env := newTestEnv(t)

	t.Run("omitted currency takes the platform default", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/v1/invoices", 3, map[string]any{
			"client_id": 3, "trainer_id": 7, "total_amount": "20.00",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp struct {
			Invoice domain.Invoice `json:"invoice"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Invoice.Currency != "usd" {
			t.Errorf("currency = %q, want configured default usd", resp.Invoice.Currency)
		}
	})

	t.Run("supplied currency is kept, lowercased", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/v1/invoices", 3, map[string]any{
			"client_id": 3, "trainer_id": 7, "total_amount": "20.00", "currency": "EUR",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
		}
		var resp struct {
			Invoice domain.Invoice `json:"invoice"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Invoice.Currency != "eur" {
			t.Errorf("currency = %q, want eur", resp.Invoice.Currency)
		}
	})
}

func TestInvoiceSettlementFlow(t *testing.T) {
	env := newTestEnv(t)
	invoiceID := env.createInvoice(t, "150.00")

	// Initiate checkout.
	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pay status = %d, body = %s", w.Code, w.Body.String())
	}
	var payResp struct {
		Result billing.InitiateResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode pay response: %v", err)
	}
	if payResp.Result.RedirectURL == "" {
		t.Fatal("Expected a redirect URL")
	}
	ref := payResp.Result.Transaction.ProviderRef

	// Provider webhook confirms payment.
	webhook := map[string]any{"ref": ref, "invoice_id": invoiceID, "status": "paid"}
	w = env.request(t, http.MethodPost, "/webhooks/stripe", 0, webhook)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body = %s", w.Code, w.Body.String())
	}

	// Invoice is settled with the commission split recorded.
	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/invoices/%d", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get invoice status = %d", w.Code)
	}
	var invResp struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &invResp); err != nil {
		t.Fatalf("decode invoice: %v", err)
	}
	if invResp.Invoice.Status != domain.InvoicePaid {
		t.Errorf("invoice status = %s, want paid", invResp.Invoice.Status)
	}
	if invResp.Invoice.CommissionAmount == nil || invResp.Invoice.CommissionAmount.StringFixed(2) != "15.00" {
		t.Errorf("commission = %v, want 15.00", invResp.Invoice.CommissionAmount)
	}

	// Duplicate webhook delivery is acknowledged without side effects.
	w = env.request(t, http.MethodPost, "/webhooks/stripe", 0, webhook)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate webhook status = %d", w.Code)
	}

	// The payout exists, exactly once, for the trainer's net share.
	w = env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/invoices/%d/payout", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("payout status = %d, body = %s", w.Code, w.Body.String())
	}
	var payoutResp struct {
		Payout domain.Payout `json:"payout"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payoutResp); err != nil {
		t.Fatalf("decode payout: %v", err)
	}
	if payoutResp.Payout.Amount.StringFixed(2) != "135.00" {
		t.Errorf("payout amount = %s, want 135.00", payoutResp.Payout.Amount)
	}
	if payoutResp.Payout.TrainerID != 7 {
		t.Errorf("payout trainer = %d, want 7", payoutResp.Payout.TrainerID)
	}

	// Paying again reports already-paid instead of a second checkout.
	w = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("re-pay status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode re-pay response: %v", err)
	}
	if !payResp.Result.AlreadyPaid {
		t.Error("Expected AlreadyPaid on an already settled invoice")
	}
}

func TestInvoiceAccessControl(t *testing.T) {
	env := newTestEnv(t)
	invoiceID := env.createInvoice(t, "50.00")

	t.Run("missing identity is unauthorized", func(t *testing.T) {
		w := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/invoices/%d", invoiceID), 0, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("foreign client cannot see the invoice", func(t *testing.T) {
		w := env.request(t, http.MethodGet, fmt.Sprintf("/api/v1/invoices/%d", invoiceID), 999, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("foreign client cannot pay the invoice", func(t *testing.T) {
		w := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 999, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown provider is 404", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/webhooks/braintree", 0, map[string]any{})
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("malformed payload is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte("not json")))
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("signal for unknown payment is acknowledged", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/webhooks/stripe", 0, map[string]any{
			"ref": "never_seen", "status": "paid",
		})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("irrelevant event is acknowledged as ignored", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/webhooks/stripe", 0, map[string]any{"ref": "x"})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("capture trigger for an unknown order is acknowledged", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/webhooks/stripe", 0, map[string]any{
			"ref": "never_seen", "status": "pending", "capture": true,
		})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})

	t.Run("transient capture failure asks for redelivery", func(t *testing.T) {
		invoiceID := env.createInvoice(t, "25.00")
		w := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 3, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("pay status = %d", w.Code)
		}
		var payResp struct {
			Result billing.InitiateResult `json:"result"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
			t.Fatalf("decode pay response: %v", err)
		}

		env.adapter.captureErr = domain.ErrGatewayUnreachable
		defer func() { env.adapter.captureErr = nil }()

		w = env.request(t, http.MethodPost, "/webhooks/stripe", 0, map[string]any{
			"ref": payResp.Result.Transaction.ProviderRef, "status": "pending", "capture": true,
		})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500 so the provider redelivers", w.Code)
		}
	})

	t.Run("store failure asks for redelivery", func(t *testing.T) {
		env.store.Close()
		w := env.request(t, http.MethodPost, "/webhooks/stripe", 0, map[string]any{
			"ref": "any_ref", "status": "paid",
		})
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500 so the provider redelivers", w.Code)
		}
	})
}

func TestCaptureEndpoint(t *testing.T) {
	env := newTestEnv(t)
	invoiceID := env.createInvoice(t, "80.00")

	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pay status = %d", w.Code)
	}
	var payResp struct {
		Result billing.InitiateResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode pay response: %v", err)
	}

	w = env.request(t, http.MethodPost, "/api/v1/orders/"+payResp.Result.Transaction.ProviderRef+"/capture", 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("capture status = %d, body = %s", w.Code, w.Body.String())
	}
	var capResp struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &capResp); err != nil {
		t.Fatalf("decode capture response: %v", err)
	}
	if capResp.Invoice.Status != domain.InvoicePaid {
		t.Errorf("invoice status = %s, want paid", capResp.Invoice.Status)
	}

	t.Run("unknown reference is 404", func(t *testing.T) {
		w := env.request(t, http.MethodPost, "/api/v1/orders/never_seen/capture", 3, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestReturnEndpoint(t *testing.T) {
	env := newTestEnv(t)
	invoiceID := env.createInvoice(t, "60.00")

	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pay status = %d", w.Code)
	}
	var payResp struct {
		Result billing.InitiateResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode pay response: %v", err)
	}
	ref := payResp.Result.Transaction.ProviderRef

	t.Run("confirmed return redirects to success", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/payments/return?session_id="+ref, 0, nil)
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "https://app.example.com/return" {
			t.Errorf("Location = %s, want success URL", loc)
		}
	})

	t.Run("allowlisted redirect override is honored", func(t *testing.T) {
		w := env.request(t, http.MethodGet,
			"/api/v1/payments/return?session_id="+ref+"&redirect=https%3A%2F%2Fapp.example.com%2Finvoices", 0, nil)
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "https://app.example.com/invoices" {
			t.Errorf("Location = %s, want allowlisted override", loc)
		}
	})

	t.Run("off-list redirect returns data, never a redirect", func(t *testing.T) {
		w := env.request(t, http.MethodGet,
			"/api/v1/payments/return?session_id="+ref+"&redirect=https%3A%2F%2Fevil.example.net%2Fphish", 0, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "" {
			t.Errorf("Location = %s, want no redirect at all", loc)
		}
		var resp struct {
			Success bool            `json:"success"`
			Invoice *domain.Invoice `json:"invoice"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if !resp.Success || resp.Invoice == nil || resp.Invoice.Status != domain.InvoicePaid {
			t.Errorf("body = %s, want paid invoice payload", w.Body.String())
		}
	})

	t.Run("missing reference redirects to cancel", func(t *testing.T) {
		w := env.request(t, http.MethodGet, "/api/v1/payments/return", 0, nil)
		if w.Code != http.StatusFound {
			t.Fatalf("status = %d, want 302", w.Code)
		}
		if loc := w.Header().Get("Location"); loc != "https://app.example.com/cancelled" {
			t.Errorf("Location = %s, want cancel URL", loc)
		}
	})
}

func TestCancelAndRetryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	invoiceID := env.createInvoice(t, "70.00")

	w := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/pay", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pay status = %d", w.Code)
	}
	var payResp struct {
		Result billing.InitiateResult `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payResp); err != nil {
		t.Fatalf("decode pay response: %v", err)
	}

	// Fail the attempt via webhook, then retry through the API.
	w = env.request(t, http.MethodPost, "/webhooks/stripe", 0, map[string]any{
		"ref": payResp.Result.Transaction.ProviderRef, "status": "failed",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d", w.Code)
	}

	w = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/retry", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", w.Code, w.Body.String())
	}

	// Cancel the now pending attempt.
	w = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/cancel", invoiceID), 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
	}
	var cancelResp struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &cancelResp); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelResp.Invoice.Status != domain.InvoiceCancelled {
		t.Errorf("invoice status = %s, want cancelled", cancelResp.Invoice.Status)
	}

	// Retry on a cancelled invoice is a state conflict.
	w = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/invoices/%d/retry", invoiceID), 3, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("retry on cancelled status = %d, want 409", w.Code)
	}
}

func TestListGateways(t *testing.T) {
	env := newTestEnv(t)

	w := env.request(t, http.MethodGet, "/api/v1/gateways", 3, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Gateways []billing.GatewayInfo `json:"gateways"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Gateways) != 1 {
		t.Fatalf("gateways = %d, want 1", len(resp.Gateways))
	}
	if resp.Gateways[0].Type != domain.GatewayStripe {
		t.Errorf("gateway type = %s, want stripe", resp.Gateways[0].Type)
	}
}
