// Package domain contains the core business entities and interfaces for the billing service.
// This is the innermost layer of the Clean Architecture - it has no dependencies on
// external frameworks or infrastructure.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceUnpaid    InvoiceStatus = "unpaid"
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceFailed    InvoiceStatus = "failed"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

// TransactionStatus is the state of a single settlement attempt.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionPaid      TransactionStatus = "paid"
	TransactionFailed    TransactionStatus = "failed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// GatewayType identifies a supported payment provider integration.
type GatewayType string

const (
	GatewayStripe GatewayType = "stripe"
	GatewayPayPal GatewayType = "paypal"
)

// PayoutStatus is the lifecycle state of a trainer payout.
// Only "pending" is created by this service; the external disbursement
// process owns the rest of the lifecycle.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
)

// Invoice is a billable record owed by a client to a trainer.
// Invoices are created by the upstream billing process; this service only
// mutates them during payment initiation, reconciliation, and cancellation.
type Invoice struct {
	ID               int64            `json:"id"`
	ClientID         int64            `json:"client_id"`
	TrainerID        int64            `json:"trainer_id"`
	TotalAmount      decimal.Decimal  `json:"total_amount"`
	Currency         string           `json:"currency"`
	Status           InvoiceStatus    `json:"status"`
	PaymentMethod    *GatewayType     `json:"payment_method,omitempty"`
	TransactionID    *string          `json:"transaction_id,omitempty"` // gateway-assigned reference
	CommissionAmount *decimal.Decimal `json:"commission_amount,omitempty"`
	NetAmount        *decimal.Decimal `json:"net_amount,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Transaction is one attempt to settle an invoice via a specific gateway.
// Amount and currency are snapshotted from the invoice at initiation so a
// later invoice mutation cannot skew settlement.
type Transaction struct {
	ID          string            `json:"id"`
	InvoiceID   int64             `json:"invoice_id"`
	ClientID    int64             `json:"client_id"`
	TrainerID   int64             `json:"trainer_id"`
	GatewayID   string            `json:"gateway_id"`
	Gateway     GatewayType       `json:"gateway"`
	ProviderRef string            `json:"provider_ref,omitempty"` // session id, order id, or intent id
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	Response    json.RawMessage   `json:"-"` // raw provider payload, opaque to the engine
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// PaymentGateway is the configuration for one provider integration.
// It is externally managed; this service reads but never writes it
// (startup seeding from local config aside).
type PaymentGateway struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          GatewayType `json:"type"`
	Enabled       bool        `json:"enabled"`
	IsDefault     bool        `json:"is_default"`
	SecretKey     string      `json:"-"`
	PublicKey     string      `json:"-"`
	WebhookSecret string      `json:"-"`
}

// Payout is the amount owed to a trainer after platform commission,
// derived exactly once from a paid invoice. The invoice id is the
// idempotency key.
type Payout struct {
	ID        string          `json:"id"`
	TrainerID int64           `json:"trainer_id"`
	InvoiceID int64           `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    PayoutStatus    `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NormalizedStatus is the provider-independent payment status an adapter
// reports. The settlement engine only ever branches on this enum, never on
// provider-specific types.
type NormalizedStatus string

const (
	StatusPaid    NormalizedStatus = "paid"
	StatusPending NormalizedStatus = "pending"
	StatusFailed  NormalizedStatus = "failed"
)

// ReconcileSource identifies which entry point delivered a confirmation signal.
type ReconcileSource string

const (
	SourceWebhook ReconcileSource = "webhook"
	SourceReturn  ReconcileSource = "return"
	SourceCapture ReconcileSource = "capture"
)

// CheckoutParams carries the caller-supplied options for a checkout.
// Token is set only for the direct-charge flow where the client already
// holds a provider-issued payment token.
type CheckoutParams struct {
	SuccessURL string
	CancelURL  string
	Token      string
}

// CheckoutSession is the adapter-normalized result of creating a remote
// checkout or order. For redirect flows Status is "pending" and RedirectURL
// points at the hosted page; for direct charges Status may already be
// terminal and RedirectURL is empty.
type CheckoutSession struct {
	ProviderRef string
	RedirectURL string
	Status      NormalizedStatus
	Raw         json.RawMessage
}

// GatewayResult is the adapter-normalized outcome of a capture or status
// retrieval call.
type GatewayResult struct {
	ProviderRef string
	Status      NormalizedStatus
	Raw         json.RawMessage
}

// WebhookEvent is a parsed, signature-verified provider push notification.
// InvoiceID is zero when the payload carried no invoice metadata.
// RequiresCapture marks order-approval events that still need an explicit
// capture call before funds move.
type WebhookEvent struct {
	ProviderRef     string
	InvoiceID       int64
	Status          NormalizedStatus
	RequiresCapture bool
	Raw             json.RawMessage
}
