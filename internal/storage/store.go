// Package storage defines the persistence contracts for the billing service.
// Implementations must make the conditional transition methods atomic: they
// are the compare-and-swap half of the engine's per-invoice concurrency
// control.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

// SettleInvoiceParams carries the fields written on the first paid transition.
type SettleInvoiceParams struct {
	InvoiceID     int64
	Method        domain.GatewayType
	TransactionID string // gateway-assigned provider reference
	Commission    decimal.Decimal
	Net           decimal.Decimal
}

// InvoiceStore persists invoices and their status transitions.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error

	// GetInvoice returns the invoice or domain.ErrInvoiceNotFound.
	GetInvoice(ctx context.Context, id int64) (*domain.Invoice, error)

	// GetClientInvoice returns the invoice only if it belongs to clientID;
	// otherwise domain.ErrInvoiceNotFound.
	GetClientInvoice(ctx context.Context, id, clientID int64) (*domain.Invoice, error)

	// SetInvoicePending moves an unpaid/failed/pending invoice to pending.
	// Paid and cancelled invoices are left untouched.
	SetInvoicePending(ctx context.Context, id int64) error

	// SettleInvoice applies the paid transition iff the invoice is not
	// already paid. Returns true when this call performed the transition.
	SettleInvoice(ctx context.Context, p SettleInvoiceParams) (bool, error)

	// MarkInvoiceFailed moves the invoice to failed unless it is already
	// paid. Returns true when a row changed.
	MarkInvoiceFailed(ctx context.Context, id int64) (bool, error)

	// CancelInvoice moves a pending invoice to cancelled, keeping audit
	// fields as-is.
	CancelInvoice(ctx context.Context, id int64) error

	// ResetInvoiceForRetry moves a failed invoice back to unpaid, clearing
	// payment_method and transaction_id so a fresh attempt starts clean.
	ResetInvoiceForRetry(ctx context.Context, id int64) error
}

// TransactionStore persists settlement attempts, indexed by id and by
// provider reference.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error

	// GetTransaction returns the transaction or domain.ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	// GetTransactionByProviderRef returns the transaction holding the given
	// provider reference, or domain.ErrTransactionNotFound.
	GetTransactionByProviderRef(ctx context.Context, ref string) (*domain.Transaction, error)

	// SetTransactionProviderRef records the provider reference and raw
	// response returned by the checkout call.
	SetTransactionProviderRef(ctx context.Context, id, ref string, raw []byte) error

	// ApplyTransactionOutcome sets the terminal status and raw payload iff
	// the transaction is not already paid. Returns true when a row changed.
	ApplyTransactionOutcome(ctx context.Context, id string, status domain.TransactionStatus, raw []byte) (bool, error)

	// LatestPendingTransactionForInvoice returns the most recent pending
	// transaction for the invoice, or domain.ErrTransactionNotFound. Used to
	// adopt confirmation signals keyed by a reference the engine never saw.
	LatestPendingTransactionForInvoice(ctx context.Context, invoiceID int64) (*domain.Transaction, error)

	// MarkAbandonedBefore cancels pending transactions created before the
	// cutoff and returns how many were swept.
	MarkAbandonedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PayoutStore persists trainer payouts with invoice-keyed idempotency.
type PayoutStore interface {
	// CreatePayout inserts the payout unless one already exists for the same
	// invoice. Returns true when a new row was created.
	CreatePayout(ctx context.Context, p *domain.Payout) (bool, error)

	// GetPayoutByInvoice returns nil, nil when no payout exists for the invoice.
	GetPayoutByInvoice(ctx context.Context, invoiceID int64) (*domain.Payout, error)
	ListPayoutsByTrainer(ctx context.Context, trainerID int64) ([]domain.Payout, error)
}

// GatewayStore reads payment gateway configuration.
type GatewayStore interface {
	ListEnabledGateways(ctx context.Context) ([]domain.PaymentGateway, error)

	// UpsertGateway seeds or refreshes a gateway row. Used at startup only.
	UpsertGateway(ctx context.Context, g *domain.PaymentGateway) error
}

// Store aggregates the persistence contracts behind a single handle.
type Store interface {
	InvoiceStore
	TransactionStore
	PayoutStore
	GatewayStore
	Close() error
}
