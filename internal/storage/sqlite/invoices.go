package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fitstack/fitstack-billing/internal/domain"
	"github.com/fitstack/fitstack-billing/internal/storage"
)

const invoiceColumns = `id, client_id, trainer_id, total_amount, currency, status,
	payment_method, transaction_id, commission_amount, net_amount, created_at, updated_at`

// CreateInvoice persists a new invoice. Invoices normally arrive from the
// upstream billing process; this is exercised by tests and internal tooling.
func (s *SQLiteStore) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	now := time.Now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	if inv.Status == "" {
		inv.Status = domain.InvoiceUnpaid
	}

	res, err := s.execContext(ctx,
		`INSERT INTO invoices (client_id, trainer_id, total_amount, currency, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ClientID, inv.TrainerID, inv.TotalAmount.String(), inv.Currency,
		string(inv.Status), inv.CreatedAt.Unix(), inv.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	inv.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read invoice id: %w", err)
	}
	return nil
}

// GetInvoice returns the invoice or domain.ErrInvoiceNotFound.
func (s *SQLiteStore) GetInvoice(ctx context.Context, id int64) (*domain.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

// GetClientInvoice returns the invoice only if it belongs to clientID.
func (s *SQLiteStore) GetClientInvoice(ctx context.Context, id, clientID int64) (*domain.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ? AND client_id = ?`, id, clientID)
	return scanInvoice(row)
}

// SetInvoicePending marks the invoice pending unless it is already settled
// or cancelled.
func (s *SQLiteStore) SetInvoicePending(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(domain.InvoicePending), time.Now().Unix(),
		id, string(domain.InvoiceUnpaid), string(domain.InvoiceFailed), string(domain.InvoicePending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark invoice pending: %w", err)
	}
	return nil
}

// SettleInvoice applies the paid transition at most once. The WHERE guard is
// the compare-and-swap that makes concurrent reconciliation converge: only
// the first caller observes a changed row.
func (s *SQLiteStore) SettleInvoice(ctx context.Context, p storage.SettleInvoiceParams) (bool, error) {
	res, err := s.execContext(ctx,
		`UPDATE invoices
		 SET status = ?, payment_method = ?, transaction_id = ?, commission_amount = ?, net_amount = ?, updated_at = ?
		 WHERE id = ? AND status != ?`,
		string(domain.InvoicePaid), string(p.Method), p.TransactionID,
		p.Commission.String(), p.Net.String(), time.Now().Unix(),
		p.InvoiceID, string(domain.InvoicePaid),
	)
	if err != nil {
		return false, fmt.Errorf("failed to settle invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkInvoiceFailed moves the invoice to failed unless it already settled.
func (s *SQLiteStore) MarkInvoiceFailed(ctx context.Context, id int64) (bool, error) {
	res, err := s.execContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(domain.InvoiceFailed), time.Now().Unix(),
		id, string(domain.InvoicePaid), string(domain.InvoiceCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CancelInvoice moves a pending invoice to cancelled. Audit fields
// (payment_method, transaction_id) are intentionally kept.
func (s *SQLiteStore) CancelInvoice(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx,
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.InvoiceCancelled), time.Now().Unix(), id, string(domain.InvoicePending),
	)
	if err != nil {
		return fmt.Errorf("failed to cancel invoice: %w", err)
	}
	return nil
}

// ResetInvoiceForRetry returns a failed invoice to unpaid and clears the
// audit fields so a fresh attempt starts clean.
func (s *SQLiteStore) ResetInvoiceForRetry(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx,
		`UPDATE invoices SET status = ?, payment_method = NULL, transaction_id = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.InvoiceUnpaid), time.Now().Unix(), id, string(domain.InvoiceFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to reset invoice: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv                    domain.Invoice
		total                  string
		status                 string
		method, txID           sql.NullString
		commission, net        sql.NullString
		createdAt, updatedAt   int64
	)

	err := row.Scan(&inv.ID, &inv.ClientID, &inv.TrainerID, &total, &inv.Currency, &status,
		&method, &txID, &commission, &net, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("corrupt total_amount %q: %w", total, err)
	}
	inv.Status = domain.InvoiceStatus(status)
	if method.Valid {
		m := domain.GatewayType(method.String)
		inv.PaymentMethod = &m
	}
	if txID.Valid {
		inv.TransactionID = &txID.String
	}
	if commission.Valid {
		d, err := decimal.NewFromString(commission.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt commission_amount %q: %w", commission.String, err)
		}
		inv.CommissionAmount = &d
	}
	if net.Valid {
		d, err := decimal.NewFromString(net.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt net_amount %q: %w", net.String, err)
		}
		inv.NetAmount = &d
	}
	inv.CreatedAt = time.Unix(createdAt, 0)
	inv.UpdatedAt = time.Unix(updatedAt, 0)
	return &inv, nil
}
