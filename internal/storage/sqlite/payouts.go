package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/domain"
)

const payoutColumns = `id, trainer_id, invoice_id, amount, status, created_at, updated_at`

// CreatePayout inserts a payout, relying on the unique index on invoice_id
// for idempotency: a second insert for the same invoice is silently ignored.
func (s *SQLiteStore) CreatePayout(ctx context.Context, p *domain.Payout) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = domain.PayoutPending
	}

	res, err := s.execContext(ctx,
		`INSERT INTO payouts (id, trainer_id, invoice_id, amount, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(invoice_id) DO NOTHING`,
		p.ID, p.TrainerID, p.InvoiceID, p.Amount.String(), string(p.Status),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetPayoutByInvoice returns the payout derived from the invoice, or nil
// when none exists.
func (s *SQLiteStore) GetPayoutByInvoice(ctx context.Context, invoiceID int64) (*domain.Payout, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE invoice_id = ?`, invoiceID)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPayoutsByTrainer returns all payouts owed to a trainer, newest first.
func (s *SQLiteStore) ListPayoutsByTrainer(ctx context.Context, trainerID int64) ([]domain.Payout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE trainer_id = ? ORDER BY created_at DESC`, trainerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

func scanPayout(row rowScanner) (*domain.Payout, error) {
	var (
		p                    domain.Payout
		amount, status       string
		createdAt, updatedAt int64
	)

	err := row.Scan(&p.ID, &p.TrainerID, &p.InvoiceID, &amount, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payout: %w", err)
	}

	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt payout amount %q: %w", amount, err)
	}
	p.Status = domain.PayoutStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}
