// Package api contains the HTTP handlers and routing for the billing service.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/billing"
	"github.com/fitstack/fitstack-billing/internal/domain"
	"github.com/fitstack/fitstack-billing/internal/storage"
)

// Handler contains the HTTP handlers for the billing API.
type Handler struct {
	svc              *billing.Service
	store            storage.Store
	successURL       string
	cancelURL        string
	allowedReturnsTo map[string]bool
}

// NewHandler creates a new API handler.
func NewHandler(svc *billing.Service, store storage.Store, successURL, cancelURL string, allowedHosts map[string]bool) *Handler {
	return &Handler{
		svc:              svc,
		store:            store,
		successURL:       successURL,
		cancelURL:        cancelURL,
		allowedReturnsTo: allowedHosts,
	}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fitstack-billing",
	})
}

// ListGateways handles GET /api/v1/gateways
func (h *Handler) ListGateways(c *gin.Context) {
	gateways, err := h.svc.ListGateways(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gateways": gateways})
}

// CreateInvoiceRequest represents the JSON body for invoice creation.
type CreateInvoiceRequest struct {
	ClientID    int64  `json:"client_id" binding:"required,gt=0"`
	TrainerID   int64  `json:"trainer_id" binding:"required,gt=0"`
	TotalAmount string `json:"total_amount" binding:"required"`
	Currency    string `json:"currency"`
}

// CreateInvoice handles POST /api/v1/invoices
// Records an invoice issued by the core platform so it can be settled here.
func (h *Handler) CreateInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "Invalid request body: " + err.Error(),
			Code:    "VALIDATION_ERROR",
		})
		return
	}

	amount, err := decimal.NewFromString(req.TotalAmount)
	if err != nil || amount.IsNegative() || amount.IsZero() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "total_amount must be a positive decimal string",
			Code:    "VALIDATION_ERROR",
		})
		return
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = h.svc.Currency()
	}

	inv := &domain.Invoice{
		ClientID:    req.ClientID,
		TrainerID:   req.TrainerID,
		TotalAmount: amount,
		Currency:    currency,
		Status:      domain.InvoiceUnpaid,
	}
	if err := h.store.CreateInvoice(c.Request.Context(), inv); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "invoice": inv})
}

// GetInvoice handles GET /api/v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	invoiceID, clientID, ok := h.invoiceParams(c)
	if !ok {
		return
	}
	inv, err := h.store.GetClientInvoice(c.Request.Context(), invoiceID, clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "invoice": inv})
}

// PayRequest represents the JSON body for payment initiation.
type PayRequest struct {
	Gateway string `json:"gateway"` // empty: use the default gateway
	Token   string `json:"token"`   // pre-authorized client token (direct charge)
}

// PayInvoice handles POST /api/v1/invoices/:id/pay
// Starts a settlement attempt and returns the checkout redirect URL.
func (h *Handler) PayInvoice(c *gin.Context) {
	h.initiate(c, h.svc.Initiate)
}

// RetryInvoice handles POST /api/v1/invoices/:id/retry
// Starts a fresh attempt on a failed invoice.
func (h *Handler) RetryInvoice(c *gin.Context) {
	h.initiate(c, h.svc.Retry)
}

func (h *Handler) initiate(c *gin.Context, fn func(ctx context.Context, invoiceID, clientID int64, opts billing.InitiateOptions) (*billing.InitiateResult, error)) {
	invoiceID, clientID, ok := h.invoiceParams(c)
	if !ok {
		return
	}

	var req PayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Success: false,
				Error:   "Invalid request body: " + err.Error(),
				Code:    "VALIDATION_ERROR",
			})
			return
		}
	}

	result, err := fn(c.Request.Context(), invoiceID, clientID, billing.InitiateOptions{
		Method: domain.GatewayType(req.Gateway),
		Token:  req.Token,
	})
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// CancelInvoice handles POST /api/v1/invoices/:id/cancel
func (h *Handler) CancelInvoice(c *gin.Context) {
	invoiceID, clientID, ok := h.invoiceParams(c)
	if !ok {
		return
	}
	inv, err := h.svc.Cancel(c.Request.Context(), invoiceID, clientID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "invoice": inv})
}

// GetPayout handles GET /api/v1/invoices/:id/payout
func (h *Handler) GetPayout(c *gin.Context) {
	invoiceID, clientID, ok := h.invoiceParams(c)
	if !ok {
		return
	}
	// Ownership check before exposing payout details.
	if _, err := h.store.GetClientInvoice(c.Request.Context(), invoiceID, clientID); err != nil {
		handleServiceError(c, err)
		return
	}
	payout, err := h.svc.PayoutForInvoice(c.Request.Context(), invoiceID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if payout == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Success: false,
			Error:   "no payout derived for this invoice",
			Code:    "PAYOUT_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "payout": payout})
}

// CaptureOrder handles POST /api/v1/orders/:ref/capture
// Completes an approved order/capture checkout for the given provider
// reference.
func (h *Handler) CaptureOrder(c *gin.Context) {
	ref := c.Param("ref")
	if ref == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "order reference is required",
			Code:    "VALIDATION_ERROR",
		})
		return
	}
	inv, err := h.svc.Confirm(c.Request.Context(), ref, domain.SourceCapture)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if inv == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Success: false,
			Error:   "unknown order reference",
			Code:    "TRANSACTION_NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "invoice": inv})
}

// HandleReturn handles GET /api/v1/payments/return
// The browser lands here after checkout. The provider reference from the
// query string triggers an authoritative confirmation; query parameters are
// hints only and never trusted as payment proof.
func (h *Handler) HandleReturn(c *gin.Context) {
	ref := c.Query("session_id")
	if ref == "" {
		ref = c.Query("token") // order/capture flows return ?token=<order id>
	}
	if ref == "" {
		ref = c.Query("ref")
	}

	if ref == "" {
		h.finishReturn(c, nil, h.cancelURL)
		return
	}

	inv, err := h.svc.Confirm(c.Request.Context(), ref, domain.SourceReturn)
	target := h.successURL
	if err != nil || inv == nil || inv.Status != domain.InvoicePaid {
		target = h.cancelURL
	}
	if err != nil {
		slog.Warn("return confirmation failed", "provider_ref", ref, "error", err)
	}

	h.finishReturn(c, inv, target)
}

// finishReturn issues the browser redirect. A caller-supplied target must
// pass the host allowlist; one that does not gets no redirect at all, the
// reconciled result comes back as plain data instead, so the return endpoint
// cannot be used as an open redirect.
func (h *Handler) finishReturn(c *gin.Context, inv *domain.Invoice, fallback string) {
	requested := c.Query("redirect")
	if requested == "" {
		c.Redirect(http.StatusFound, fallback)
		return
	}
	if u, err := url.Parse(requested); err == nil &&
		(u.Scheme == "http" || u.Scheme == "https") && h.allowedReturnsTo[u.Host] {
		c.Redirect(http.StatusFound, requested)
		return
	}
	slog.Warn("redirect target not in allowlist", "target", requested)
	c.JSON(http.StatusOK, gin.H{
		"success": inv != nil && inv.Status == domain.InvoicePaid,
		"invoice": inv,
	})
}

// HandleWebhook handles POST /webhooks/:provider
// Receives asynchronous notifications from the payment provider. Signals
// that do not map to a known transaction are acknowledged so the provider
// stops retrying; only malformed or badly signed payloads get a 4xx.
func (h *Handler) HandleWebhook(c *gin.Context) {
	provider := domain.GatewayType(c.Param("provider"))
	adapter, ok := h.svc.Adapter(provider)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Success: false,
			Error:   "unknown payment provider",
			Code:    "UNKNOWN_PROVIDER",
		})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "unreadable payload",
			Code:    "VALIDATION_ERROR",
		})
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[http.CanonicalHeaderKey(name)] = c.GetHeader(name)
	}

	event, err := adapter.ParseWebhook(c.Request.Context(), payload, headers)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Success: false,
				Error:   "webhook rejected",
				Code:    "INVALID_WEBHOOK",
			})
			return
		}
		// Verification infrastructure failure: ask the provider to retry.
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Success: false,
			Error:   "webhook verification unavailable",
			Code:    "VERIFICATION_ERROR",
		})
		return
	}
	if event == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if event.RequiresCapture {
		if _, err := h.svc.Confirm(c.Request.Context(), event.ProviderRef, domain.SourceWebhook); err != nil {
			if errors.Is(err, domain.ErrTransactionNotFound) || errors.Is(err, domain.ErrInvoiceNotFound) {
				// Order unknown locally; redelivery will not change that.
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			slog.Error("webhook capture failed", "provider", provider,
				"provider_ref", event.ProviderRef, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Success: false,
				Error:   "capture failed",
				Code:    "RECONCILE_ERROR",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "processed"})
		return
	}

	if _, err := h.svc.Reconcile(c.Request.Context(), billing.ReconcileInput{
		ProviderRef: event.ProviderRef,
		InvoiceID:   event.InvoiceID,
		Status:      event.Status,
		Raw:         event.Raw,
		Source:      domain.SourceWebhook,
	}); err != nil {
		slog.Error("webhook reconciliation failed", "provider", provider,
			"provider_ref", event.ProviderRef, "error", err)
		// 5xx keeps the provider's redelivery schedule alive; a confirmation
		// dropped here has no other asynchronous path back to us.
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Success: false,
			Error:   "reconciliation failed",
			Code:    "RECONCILE_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// invoiceParams extracts the invoice id from the path and the client id
// from the authenticated request context.
func (h *Handler) invoiceParams(c *gin.Context) (invoiceID, clientID int64, ok bool) {
	invoiceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || invoiceID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   "invalid invoice id",
			Code:    "VALIDATION_ERROR",
		})
		return 0, 0, false
	}
	clientID = ClientIDFromContext(c)
	if clientID == 0 {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Success: false,
			Error:   "client identity required",
			Code:    "UNAUTHORIZED",
		})
		return 0, 0, false
	}
	return invoiceID, clientID, true
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(c *gin.Context, err error) {
	statusCode := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvoiceNotFound),
		errors.Is(err, domain.ErrTransactionNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyPaid),
		errors.Is(err, domain.ErrInvalidState):
		statusCode = http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		statusCode = http.StatusBadRequest
	case errors.Is(err, domain.ErrGatewayNotConfigured):
		statusCode = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrGatewayRejected):
		statusCode = http.StatusBadGateway
	case errors.Is(err, domain.ErrGatewayUnreachable):
		statusCode = http.StatusBadGateway
	}

	var billingErr *domain.BillingError
	if errors.As(err, &billingErr) {
		c.JSON(statusCode, ErrorResponse{
			Success: false,
			Error:   billingErr.Message,
			Code:    billingErr.Code,
		})
		return
	}
	if statusCode != http.StatusInternalServerError {
		c.JSON(statusCode, ErrorResponse{
			Success: false,
			Error:   err.Error(),
			Code:    "BILLING_ERROR",
		})
		return
	}

	slog.Error("unhandled service error", "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Success: false,
		Error:   "Internal server error",
		Code:    "INTERNAL_ERROR",
	})
}
