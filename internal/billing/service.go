// Package billing implements the invoice settlement engine.
// It drives the payment state machine: initiate a checkout against a
// gateway, reconcile asynchronous confirmation from any entry point
// (webhook, return redirect, explicit capture), and derive the trainer
// payout exactly once per paid invoice.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/domain"
	"github.com/fitstack/fitstack-billing/internal/events"
	"github.com/fitstack/fitstack-billing/internal/metrics"
	"github.com/fitstack/fitstack-billing/internal/storage"
)

// Config carries the settlement parameters.
type Config struct {
	CommissionRate  decimal.Decimal // platform share of each invoice, 0..1
	Currency        string          // default currency code, e.g. "usd"
	SuccessURL      string          // browser return URL after a completed checkout
	CancelURL       string          // browser return URL after an abandoned checkout
	CheckoutTimeout time.Duration   // bound on outbound gateway calls
}

// Service is the settlement engine. All invoice/transaction state
// transitions funnel through it.
type Service struct {
	store    storage.Store
	adapters map[domain.GatewayType]domain.GatewayAdapter
	deriver  *PayoutDeriver
	notifier domain.SettlementNotifier // optional
	events   events.Publisher          // optional
	locks    *invoiceLocks
	cfg      Config
}

// NewService creates the settlement engine. notifier and publisher may be
// nil when the corresponding collaborator is not configured.
func NewService(
	store storage.Store,
	adapters []domain.GatewayAdapter,
	notifier domain.SettlementNotifier,
	publisher events.Publisher,
	cfg Config,
) *Service {
	byType := make(map[domain.GatewayType]domain.GatewayAdapter, len(adapters))
	for _, a := range adapters {
		byType[a.Type()] = a
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 30 * time.Second
	}
	return &Service{
		store:    store,
		adapters: byType,
		deriver:  NewPayoutDeriver(store),
		notifier: notifier,
		events:   publisher,
		locks:    newInvoiceLocks(),
		cfg:      cfg,
	}
}

// Currency returns the platform billing currency, lowercase.
func (s *Service) Currency() string { return s.cfg.Currency }

// Adapter returns the adapter registered for the given gateway type.
func (s *Service) Adapter(t domain.GatewayType) (domain.GatewayAdapter, bool) {
	a, ok := s.adapters[t]
	return a, ok
}

// GatewayInfo is the caller-visible shape of a configured gateway.
type GatewayInfo struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Type      domain.GatewayType `json:"type"`
	IsDefault bool               `json:"is_default"`
}

// ListGateways returns the enabled gateways without credential material.
func (s *Service) ListGateways(ctx context.Context) ([]GatewayInfo, error) {
	gateways, err := s.store.ListEnabledGateways(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]GatewayInfo, 0, len(gateways))
	for _, g := range gateways {
		infos = append(infos, GatewayInfo{ID: g.ID, Name: g.Name, Type: g.Type, IsDefault: g.IsDefault})
	}
	return infos, nil
}

// SelectGateway picks the gateway to use for a checkout. With no method
// requested it requires exactly one enabled gateway flagged default; zero or
// several is a configuration error, never a guess. With a method requested
// it requires exactly one enabled gateway of that type.
func SelectGateway(gateways []domain.PaymentGateway, method domain.GatewayType) (*domain.PaymentGateway, error) {
	var matches []domain.PaymentGateway
	for _, g := range gateways {
		if !g.Enabled {
			continue
		}
		if method != "" {
			if g.Type == method {
				matches = append(matches, g)
			}
			continue
		}
		if g.IsDefault {
			matches = append(matches, g)
		}
	}
	if len(matches) != 1 {
		return nil, domain.NewBillingError(domain.ErrGatewayNotConfigured,
			fmt.Sprintf("expected exactly one gateway candidate, found %d", len(matches)),
			"GATEWAY_NOT_CONFIGURED")
	}
	return &matches[0], nil
}

// InitiateOptions carries the optional caller inputs for a checkout.
type InitiateOptions struct {
	Method domain.GatewayType // empty: use the default gateway
	Token  string             // pre-authorized client-side token (direct charge)
}

// InitiateResult is the outcome of a payment initiation.
type InitiateResult struct {
	Invoice     *domain.Invoice     `json:"invoice"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	AlreadyPaid bool                `json:"already_paid,omitempty"`
}

// Initiate starts a settlement attempt for the invoice: creates a
// provisional pending transaction snapshotting the invoice amount, asks the
// gateway for a checkout, and returns the redirect URL.
//
// An already-paid invoice short-circuits to success so double-submission is
// harmless. On adapter failure the transaction deliberately stays pending
// (not rolled back): stale pending attempts are swept as abandoned, never
// reported as declined.
func (s *Service) Initiate(ctx context.Context, invoiceID, clientID int64, opts InitiateOptions) (*InitiateResult, error) {
	inv, err := s.store.GetClientInvoice(ctx, invoiceID, clientID)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case domain.InvoicePaid:
		return &InitiateResult{Invoice: inv, AlreadyPaid: true}, nil
	case domain.InvoiceCancelled:
		return nil, domain.NewBillingError(domain.ErrInvalidState,
			"cancelled invoice cannot be paid", "INVALID_STATE")
	}

	gateways, err := s.store.ListEnabledGateways(ctx)
	if err != nil {
		return nil, err
	}
	gw, err := SelectGateway(gateways, opts.Method)
	if err != nil {
		return nil, err
	}
	adapter, ok := s.adapters[gw.Type]
	if !ok {
		return nil, domain.NewBillingError(domain.ErrGatewayNotConfigured,
			fmt.Sprintf("no adapter registered for gateway type %s", gw.Type),
			"GATEWAY_NOT_CONFIGURED")
	}

	tx := &domain.Transaction{
		ID:        uuid.New().String(),
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		TrainerID: inv.TrainerID,
		GatewayID: gw.ID,
		Gateway:   gw.Type,
		Amount:    inv.TotalAmount,
		Currency:  inv.Currency,
		Status:    domain.TransactionPending,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := s.store.SetInvoicePending(ctx, inv.ID); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	defer cancel()
	session, err := adapter.CreateCheckout(cctx, inv, tx, domain.CheckoutParams{
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
		Token:      opts.Token,
	})
	if err != nil {
		slog.Error("checkout creation failed", "invoice_id", inv.ID,
			"gateway", gw.Type, "transaction_id", tx.ID, "error", err)
		return nil, domain.NewBillingError(unwrapGatewayError(err),
			"failed to create checkout", "GATEWAY_ERROR")
	}

	if err := s.store.SetTransactionProviderRef(ctx, tx.ID, session.ProviderRef, session.Raw); err != nil {
		return nil, err
	}
	tx.ProviderRef = session.ProviderRef
	metrics.PaymentsInitiated.WithLabelValues(string(gw.Type)).Inc()
	slog.Info("checkout created", "invoice_id", inv.ID, "gateway", gw.Type,
		"provider_ref", session.ProviderRef)

	// Direct charges resolve immediately; fold the result through the
	// reconciliation funnel like any other confirmation signal.
	if session.Status == domain.StatusPaid || session.Status == domain.StatusFailed {
		settled, err := s.Reconcile(ctx, ReconcileInput{
			ProviderRef: session.ProviderRef,
			InvoiceID:   inv.ID,
			Status:      session.Status,
			Raw:         session.Raw,
			Source:      domain.SourceCapture,
		})
		if err != nil {
			return nil, err
		}
		return &InitiateResult{Invoice: settled, Transaction: tx}, nil
	}

	return &InitiateResult{Invoice: inv, Transaction: tx, RedirectURL: session.RedirectURL}, nil
}

// Retry re-initiates payment for a failed invoice. Any other status is
// rejected: retrying an unpaid invoice is just Initiate, and retrying a paid
// one is a caller bug.
func (s *Service) Retry(ctx context.Context, invoiceID, clientID int64, opts InitiateOptions) (*InitiateResult, error) {
	inv, err := s.store.GetClientInvoice(ctx, invoiceID, clientID)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoiceFailed {
		return nil, domain.NewBillingError(domain.ErrInvalidState,
			fmt.Sprintf("retry requires a failed invoice, status is %s", inv.Status),
			"INVALID_STATE")
	}
	return s.Initiate(ctx, invoiceID, clientID, opts)
}

// Cancel cancels an in-flight or failed payment. A pending invoice moves to
// cancelled with audit fields kept (abandoned checkout); a failed invoice
// moves back to unpaid with payment_method and transaction_id cleared so the
// next attempt starts clean.
func (s *Service) Cancel(ctx context.Context, invoiceID, clientID int64) (*domain.Invoice, error) {
	inv, err := s.store.GetClientInvoice(ctx, invoiceID, clientID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(inv.ID)
	defer unlock()

	inv, err = s.store.GetInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}

	switch inv.Status {
	case domain.InvoicePending:
		if tx, err := s.store.LatestPendingTransactionForInvoice(ctx, inv.ID); err == nil {
			if _, err := s.store.ApplyTransactionOutcome(ctx, tx.ID, domain.TransactionCancelled, tx.Response); err != nil {
				return nil, err
			}
		}
		if err := s.store.CancelInvoice(ctx, inv.ID); err != nil {
			return nil, err
		}
	case domain.InvoiceFailed:
		if err := s.store.ResetInvoiceForRetry(ctx, inv.ID); err != nil {
			return nil, err
		}
	case domain.InvoicePaid:
		return nil, domain.NewBillingError(domain.ErrAlreadyPaid,
			"paid invoice cannot be cancelled", "ALREADY_PAID")
	default:
		return nil, domain.NewBillingError(domain.ErrInvalidState,
			fmt.Sprintf("cancel requires a pending or failed invoice, status is %s", inv.Status),
			"INVALID_STATE")
	}

	slog.Info("payment cancelled", "invoice_id", inv.ID, "previous_status", inv.Status)
	return s.store.GetInvoice(ctx, inv.ID)
}

// ReconcileInput is one confirmation signal entering the funnel.
type ReconcileInput struct {
	ProviderRef string
	InvoiceID   int64 // invoice-id metadata embedded in the payload; 0 if absent
	Status      domain.NormalizedStatus
	Raw         json.RawMessage
	Source      domain.ReconcileSource
}

// Reconcile applies a provider-reported status to local state. It is the
// single funnel for all three entry points and is idempotent and
// source-order-independent: whichever signal lands first wins, duplicates
// are absorbed as no-ops, and the payout derives at most once.
//
// A signal that matches no known transaction is logged and ignored (nil,
// nil): the engine never fabricates state for payments it did not initiate.
func (s *Service) Reconcile(ctx context.Context, in ReconcileInput) (*domain.Invoice, error) {
	tx, err := s.store.GetTransactionByProviderRef(ctx, in.ProviderRef)
	if errors.Is(err, domain.ErrTransactionNotFound) && in.InvoiceID != 0 {
		// Fall back to the invoice metadata: adopt the invoice's open
		// attempt and key it by this reference for future signals.
		tx, err = s.store.LatestPendingTransactionForInvoice(ctx, in.InvoiceID)
		if err == nil && in.ProviderRef != "" && tx.ProviderRef != in.ProviderRef {
			if refErr := s.store.SetTransactionProviderRef(ctx, tx.ID, in.ProviderRef, in.Raw); refErr != nil {
				return nil, refErr
			}
			tx.ProviderRef = in.ProviderRef
		}
	}
	if errors.Is(err, domain.ErrTransactionNotFound) {
		slog.Warn("reconcile signal for unknown transaction; ignoring",
			"provider_ref", in.ProviderRef, "invoice_id", in.InvoiceID, "source", in.Source)
		metrics.Reconciliations.WithLabelValues(string(in.Source), "unknown").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	inv, firstSettle, outcome, err := s.applyTransition(ctx, tx.ID, in)
	if err != nil {
		return nil, err
	}

	metrics.Reconciliations.WithLabelValues(string(in.Source), outcome).Inc()
	slog.Info("reconciliation applied", "provider_ref", in.ProviderRef,
		"invoice_id", inv.ID, "source", in.Source, "reported", in.Status,
		"invoice_status", inv.Status, "outcome", outcome)

	if outcome == outcomePaid || outcome == outcomeFailed {
		s.fanOut(ctx, inv, tx, firstSettle)
	}
	return inv, nil
}

const (
	outcomePaid      = "paid"
	outcomeFailed    = "failed"
	outcomeDuplicate = "duplicate"
	outcomeNoop      = "noop"
)

// applyTransition performs the serialized read-modify-write for one
// transaction. Everything inside the lock is local state only; gateway I/O
// happens strictly outside.
func (s *Service) applyTransition(ctx context.Context, txID string, in ReconcileInput) (*domain.Invoice, bool, string, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, false, "", err
	}

	unlock := s.locks.lock(tx.InvoiceID)
	defer unlock()

	// Re-read under the lock: a racing signal may have applied first.
	tx, err = s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, false, "", err
	}
	if tx.Status == domain.TransactionPaid {
		metrics.DuplicateDeliveries.Inc()
		inv, err := s.store.GetInvoice(ctx, tx.InvoiceID)
		if err != nil {
			return nil, false, "", err
		}
		return inv, false, outcomeDuplicate, nil
	}

	switch in.Status {
	case domain.StatusPaid:
		inv, err := s.store.GetInvoice(ctx, tx.InvoiceID)
		if err != nil {
			return nil, false, "", err
		}
		commission, net := SplitAmount(inv.TotalAmount, s.cfg.CommissionRate)
		ref := tx.ProviderRef
		if ref == "" {
			ref = in.ProviderRef
		}
		settled, err := s.store.SettleInvoice(ctx, storage.SettleInvoiceParams{
			InvoiceID:     inv.ID,
			Method:        tx.Gateway,
			TransactionID: ref,
			Commission:    commission,
			Net:           net,
		})
		if err != nil {
			return nil, false, "", err
		}
		if !settled {
			// A sibling attempt already settled this invoice. Record this
			// one as superseded so only one transaction per invoice ever
			// holds paid.
			if _, err := s.store.ApplyTransactionOutcome(ctx, tx.ID, domain.TransactionCancelled, in.Raw); err != nil {
				return nil, false, "", err
			}
			metrics.DuplicateDeliveries.Inc()
			inv, err := s.store.GetInvoice(ctx, tx.InvoiceID)
			if err != nil {
				return nil, false, "", err
			}
			return inv, false, outcomeDuplicate, nil
		}
		if _, err := s.store.ApplyTransactionOutcome(ctx, tx.ID, domain.TransactionPaid, in.Raw); err != nil {
			return nil, false, "", err
		}
		inv, err = s.store.GetInvoice(ctx, tx.InvoiceID)
		if err != nil {
			return nil, false, "", err
		}
		s.deriver.Create(ctx, inv)
		return inv, true, outcomePaid, nil

	case domain.StatusFailed:
		if _, err := s.store.ApplyTransactionOutcome(ctx, tx.ID, domain.TransactionFailed, in.Raw); err != nil {
			return nil, false, "", err
		}
		if _, err := s.store.MarkInvoiceFailed(ctx, tx.InvoiceID); err != nil {
			return nil, false, "", err
		}
		inv, err := s.store.GetInvoice(ctx, tx.InvoiceID)
		if err != nil {
			return nil, false, "", err
		}
		return inv, false, outcomeFailed, nil

	default:
		// A non-terminal report (e.g. browser returned before the provider
		// confirmed) transitions nothing.
		inv, err := s.store.GetInvoice(ctx, tx.InvoiceID)
		if err != nil {
			return nil, false, "", err
		}
		return inv, false, outcomeNoop, nil
	}
}

// fanOut notifies downstream collaborators after the lock is released.
// Neither failure affects the settlement outcome.
func (s *Service) fanOut(ctx context.Context, inv *domain.Invoice, tx *domain.Transaction, firstSettle bool) {
	if s.notifier != nil && (firstSettle || inv.Status == domain.InvoiceFailed) {
		if err := s.notifier.NotifySettlement(ctx, inv, tx); err != nil {
			slog.Error("settlement notification failed", "invoice_id", inv.ID, "error", err)
		}
	}
	if s.events != nil && (firstSettle || inv.Status == domain.InvoiceFailed) {
		ev := events.SettlementEvent{
			InvoiceID:   inv.ID,
			TrainerID:   inv.TrainerID,
			ClientID:    inv.ClientID,
			Status:      string(inv.Status),
			Amount:      inv.TotalAmount.String(),
			Currency:    inv.Currency,
			ProviderRef: tx.ProviderRef,
			Timestamp:   time.Now().UTC(),
		}
		if err := s.events.PublishSettlement(ctx, ev); err != nil {
			slog.Error("settlement event publish failed", "invoice_id", inv.ID, "error", err)
		}
	}
}

// Confirm resolves a checkout's final status synchronously: it asks the
// adapter to capture or retrieve the payment, then feeds the normalized
// result through Reconcile. Used by the explicit capture endpoint and the
// browser-return handler. The gateway call happens before any lock is taken.
func (s *Service) Confirm(ctx context.Context, providerRef string, source domain.ReconcileSource) (*domain.Invoice, error) {
	tx, err := s.store.GetTransactionByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.TransactionPaid {
		// Duplicate capture trigger; skip the gateway round trip.
		metrics.DuplicateDeliveries.Inc()
		return s.store.GetInvoice(ctx, tx.InvoiceID)
	}

	adapter, ok := s.adapters[tx.Gateway]
	if !ok {
		return nil, domain.NewBillingError(domain.ErrGatewayNotConfigured,
			fmt.Sprintf("no adapter registered for gateway type %s", tx.Gateway),
			"GATEWAY_NOT_CONFIGURED")
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckoutTimeout)
	defer cancel()
	res, err := adapter.CaptureOrRetrieve(cctx, providerRef)
	if errors.Is(err, domain.ErrCaptureAlreadyCompleted) {
		res = &domain.GatewayResult{ProviderRef: providerRef, Status: domain.StatusPaid}
	} else if err != nil {
		slog.Error("capture/retrieve failed", "provider_ref", providerRef,
			"invoice_id", tx.InvoiceID, "gateway", tx.Gateway, "error", err)
		return nil, domain.NewBillingError(unwrapGatewayError(err),
			"failed to confirm payment", "GATEWAY_ERROR")
	}

	return s.Reconcile(ctx, ReconcileInput{
		ProviderRef: providerRef,
		InvoiceID:   tx.InvoiceID,
		Status:      res.Status,
		Raw:         res.Raw,
		Source:      source,
	})
}

// PayoutForInvoice exposes the payout derived from an invoice, if any.
func (s *Service) PayoutForInvoice(ctx context.Context, invoiceID int64) (*domain.Payout, error) {
	return s.store.GetPayoutByInvoice(ctx, invoiceID)
}

// unwrapGatewayError keeps the retryability sentinel visible through the
// generic wrapper so the API boundary can map it, without leaking provider
// internals to the caller.
func unwrapGatewayError(err error) error {
	switch {
	case errors.Is(err, domain.ErrGatewayRejected):
		return domain.ErrGatewayRejected
	case errors.Is(err, domain.ErrGatewayUnreachable):
		return domain.ErrGatewayUnreachable
	default:
		return domain.ErrGatewayUnreachable
	}
}
