package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

const tokenResponseJSON = `{"access_token":"test-token","expires_in":3600}`

func testInvoice() *domain.Invoice {
	return &domain.Invoice{
		ID:          42,
		ClientID:    3,
		TrainerID:   7,
		TotalAmount: decimal.RequireFromString("150.00"),
		Currency:    "usd",
		Status:      domain.InvoiceUnpaid,
	}
}

func testTransaction(inv *domain.Invoice) *domain.Transaction {
	return &domain.Transaction{
		ID:        "tx-1",
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		TrainerID: inv.TrainerID,
		Gateway:   domain.GatewayPayPal,
		Amount:    inv.TotalAmount,
		Currency:  inv.Currency,
		Status:    domain.TransactionPending,
	}
}

// newAPIServer serves the OAuth token endpoint plus a scripted handler for
// everything else.
func newAPIServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var tokenCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/oauth2/token" {
			atomic.AddInt32(&tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			if !ok || user != "client-id" || pass != "client-secret" {
				t.Errorf("token request auth = %s:%s", user, pass)
			}
			w.Write([]byte(tokenResponseJSON))
			return
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("Authorization = %s, want Bearer test-token", auth)
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &tokenCalls
}

func newTestAdapter(server *httptest.Server) *Adapter {
	return NewAdapter(Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      server.URL,
	}, nil)
}

func TestCreateCheckout(t *testing.T) {
	t.Run("creates capture order and returns approval link", func(t *testing.T) {
		var gotOrder orderRequest
		server, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/checkout/orders" {
				t.Errorf("path = %s, want /v2/checkout/orders", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&gotOrder); err != nil {
				t.Fatalf("decode order request: %v", err)
			}
			w.Write([]byte(`{
				"id": "ORDER123",
				"status": "CREATED",
				"links": [
					{"href": "https://api.paypal.example/orders/ORDER123", "rel": "self"},
					{"href": "https://paypal.example/approve/ORDER123", "rel": "approve"}
				]
			}`))
		})

		adapter := newTestAdapter(server)
		inv := testInvoice()
		session, err := adapter.CreateCheckout(context.Background(), inv, testTransaction(inv), domain.CheckoutParams{
			SuccessURL: "https://app.example.com/return",
			CancelURL:  "https://app.example.com/cancelled",
		})
		if err != nil {
			t.Fatalf("CreateCheckout failed: %v", err)
		}

		if session.ProviderRef != "ORDER123" {
			t.Errorf("ProviderRef = %s, want ORDER123", session.ProviderRef)
		}
		if session.RedirectURL != "https://paypal.example/approve/ORDER123" {
			t.Errorf("RedirectURL = %s", session.RedirectURL)
		}
		if session.Status != domain.StatusPending {
			t.Errorf("Status = %s, want pending", session.Status)
		}

		if gotOrder.Intent != "CAPTURE" {
			t.Errorf("intent = %s, want CAPTURE", gotOrder.Intent)
		}
		if len(gotOrder.PurchaseUnits) != 1 {
			t.Fatalf("purchase units = %d, want 1", len(gotOrder.PurchaseUnits))
		}
		unit := gotOrder.PurchaseUnits[0]
		if unit.CustomID != "42" {
			t.Errorf("custom_id = %s, want 42", unit.CustomID)
		}
		if unit.Amount.Value != "150.00" || unit.Amount.CurrencyCode != "USD" {
			t.Errorf("amount = %s %s, want 150.00 USD", unit.Amount.Value, unit.Amount.CurrencyCode)
		}
	})

	t.Run("access token is cached across calls", func(t *testing.T) {
		server, tokenCalls := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": "O1", "status": "CREATED", "links": []}`))
		})

		adapter := newTestAdapter(server)
		inv := testInvoice()
		for i := 0; i < 3; i++ {
			if _, err := adapter.CreateCheckout(context.Background(), inv, testTransaction(inv), domain.CheckoutParams{}); err != nil {
				t.Fatalf("CreateCheckout %d failed: %v", i, err)
			}
		}
		if got := atomic.LoadInt32(tokenCalls); got != 1 {
			t.Errorf("token endpoint calls = %d, want 1", got)
		}
	})

	t.Run("error response maps to ErrGatewayRejected", func(t *testing.T) {
		server, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"name":"INVALID_REQUEST","message":"Request is not well-formed."}`))
		})

		adapter := newTestAdapter(server)
		inv := testInvoice()
		_, err := adapter.CreateCheckout(context.Background(), inv, testTransaction(inv), domain.CheckoutParams{})
		if !errors.Is(err, domain.ErrGatewayRejected) {
			t.Errorf("err = %v, want ErrGatewayRejected", err)
		}
	})
}

func TestCaptureOrRetrieve(t *testing.T) {
	t.Run("completed capture maps to paid", func(t *testing.T) {
		server, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v2/checkout/orders/ORDER123/capture" {
				t.Errorf("path = %s", r.URL.Path)
			}
			if r.Method != http.MethodPost {
				t.Errorf("method = %s, want POST", r.Method)
			}
			w.Write([]byte(`{"id": "ORDER123", "status": "COMPLETED"}`))
		})

		adapter := newTestAdapter(server)
		result, err := adapter.CaptureOrRetrieve(context.Background(), "ORDER123")
		if err != nil {
			t.Fatalf("CaptureOrRetrieve failed: %v", err)
		}
		if result.Status != domain.StatusPaid {
			t.Errorf("Status = %s, want paid", result.Status)
		}
		if result.ProviderRef != "ORDER123" {
			t.Errorf("ProviderRef = %s, want ORDER123", result.ProviderRef)
		}
	})

	t.Run("already captured surfaces the idempotency sentinel", func(t *testing.T) {
		server, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
		})

		adapter := newTestAdapter(server)
		_, err := adapter.CaptureOrRetrieve(context.Background(), "ORDER123")
		if !errors.Is(err, domain.ErrCaptureAlreadyCompleted) {
			t.Errorf("err = %v, want ErrCaptureAlreadyCompleted", err)
		}
	})

	t.Run("unapproved order reports pending instead of failing", func(t *testing.T) {
		server, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_NOT_APPROVED"}]}`))
		})

		adapter := newTestAdapter(server)
		result, err := adapter.CaptureOrRetrieve(context.Background(), "ORDER123")
		if err != nil {
			t.Fatalf("CaptureOrRetrieve failed: %v", err)
		}
		if result.Status != domain.StatusPending {
			t.Errorf("Status = %s, want pending", result.Status)
		}
	})

	t.Run("5xx maps to ErrGatewayUnreachable", func(t *testing.T) {
		server, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		adapter := newTestAdapter(server)
		_, err := adapter.CaptureOrRetrieve(context.Background(), "ORDER123")
		if !errors.Is(err, domain.ErrGatewayUnreachable) {
			t.Errorf("err = %v, want ErrGatewayUnreachable", err)
		}
	})
}

func TestNormalizeOrderStatus(t *testing.T) {
	tests := []struct {
		status string
		want   domain.NormalizedStatus
	}{
		{"COMPLETED", domain.StatusPaid},
		{"CREATED", domain.StatusPending},
		{"APPROVED", domain.StatusPending},
		{"PAYER_ACTION_REQUIRED", domain.StatusPending},
		{"VOIDED", domain.StatusFailed},
		{"DECLINED", domain.StatusFailed},
	}
	for _, tt := range tests {
		if got := normalizeOrderStatus(tt.status); got != tt.want {
			t.Errorf("normalizeOrderStatus(%s) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
