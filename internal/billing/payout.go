package billing

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fitstack/fitstack-billing/internal/domain"
	"github.com/fitstack/fitstack-billing/internal/metrics"
	"github.com/fitstack/fitstack-billing/internal/storage"
)

// PayoutDeriver creates the pending trainer payout for a settled invoice,
// exactly once per invoice. The invoice id is the idempotency key: the store
// ignores a second insert for the same invoice, so the deriver is safe to
// call concurrently and redundantly.
type PayoutDeriver struct {
	store storage.PayoutStore
}

// NewPayoutDeriver creates a payout deriver backed by the given store.
func NewPayoutDeriver(store storage.PayoutStore) *PayoutDeriver {
	return &PayoutDeriver{store: store}
}

// Create derives a pending payout from a paid invoice. A failure here never
// rolls back or blocks the paid transition: it is logged and left to the
// out-of-band payout reconciliation job.
func (d *PayoutDeriver) Create(ctx context.Context, inv *domain.Invoice) {
	if inv.NetAmount == nil {
		slog.Error("payout derivation skipped: invoice has no net amount",
			"invoice_id", inv.ID, "trainer_id", inv.TrainerID)
		return
	}

	payout := &domain.Payout{
		ID:        uuid.New().String(),
		TrainerID: inv.TrainerID,
		InvoiceID: inv.ID,
		Amount:    *inv.NetAmount,
		Status:    domain.PayoutPending,
	}

	created, err := d.store.CreatePayout(ctx, payout)
	if err != nil {
		slog.Error("failed to create payout", "invoice_id", inv.ID,
			"trainer_id", inv.TrainerID, "amount", payout.Amount.String(), "error", err)
		return
	}
	if !created {
		slog.Debug("payout already exists", "invoice_id", inv.ID)
		return
	}

	metrics.PayoutsCreated.Inc()
	slog.Info("payout created", "invoice_id", inv.ID, "trainer_id", inv.TrainerID,
		"amount", payout.Amount.String())
}
