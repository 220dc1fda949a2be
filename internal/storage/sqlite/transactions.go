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

const transactionColumns = `id, invoice_id, client_id, trainer_id, gateway_id, gateway,
	provider_ref, amount, currency, status, response, created_at, updated_at`

// CreateTransaction persists a new settlement attempt.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	now := time.Now()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	if tx.Status == "" {
		tx.Status = domain.TransactionPending
	}

	_, err := s.execContext(ctx,
		`INSERT INTO transactions (id, invoice_id, client_id, trainer_id, gateway_id, gateway,
		 provider_ref, amount, currency, status, response, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.InvoiceID, tx.ClientID, tx.TrainerID, tx.GatewayID, string(tx.Gateway),
		tx.ProviderRef, tx.Amount.String(), tx.Currency, string(tx.Status), []byte(tx.Response),
		tx.CreatedAt.Unix(), tx.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransaction returns the transaction or domain.ErrTransactionNotFound.
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// GetTransactionByProviderRef looks a transaction up by the gateway-assigned
// reference (session id, order id, or intent id).
func (s *SQLiteStore) GetTransactionByProviderRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	if ref == "" {
		return nil, domain.ErrTransactionNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider_ref = ? ORDER BY created_at DESC LIMIT 1`, ref)
	return scanTransaction(row)
}

// SetTransactionProviderRef records the reference the provider assigned at
// checkout creation, plus the raw response for audit.
func (s *SQLiteStore) SetTransactionProviderRef(ctx context.Context, id, ref string, raw []byte) error {
	_, err := s.execContext(ctx,
		`UPDATE transactions SET provider_ref = ?, response = ?, updated_at = ? WHERE id = ?`,
		ref, raw, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set provider ref: %w", err)
	}
	return nil
}

// ApplyTransactionOutcome writes the terminal status at most once: a paid
// transaction is immutable, so the WHERE guard refuses to overwrite it.
func (s *SQLiteStore) ApplyTransactionOutcome(ctx context.Context, id string, status domain.TransactionStatus, raw []byte) (bool, error) {
	res, err := s.execContext(ctx,
		`UPDATE transactions SET status = ?, response = ?, updated_at = ?
		 WHERE id = ? AND status != ?`,
		string(status), raw, time.Now().Unix(), id, string(domain.TransactionPaid),
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply transaction outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestPendingTransactionForInvoice returns the newest pending attempt for
// the invoice.
func (s *SQLiteStore) LatestPendingTransactionForInvoice(ctx context.Context, invoiceID int64) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE invoice_id = ? AND status = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		invoiceID, string(domain.TransactionPending))
	return scanTransaction(row)
}

// MarkAbandonedBefore cancels pending transactions older than the cutoff.
// Abandoned checkouts are cancelled, not failed, so the invoice stays
// retryable without looking like a declined payment.
func (s *SQLiteStore) MarkAbandonedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execContext(ctx,
		`UPDATE transactions SET status = ?, updated_at = ?
		 WHERE status = ? AND created_at < ?`,
		string(domain.TransactionCancelled), time.Now().Unix(),
		string(domain.TransactionPending), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep abandoned transactions: %w", err)
	}
	return res.RowsAffected()
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx                   domain.Transaction
		gateway, amount      string
		status               string
		response             []byte
		createdAt, updatedAt int64
	)

	err := row.Scan(&tx.ID, &tx.InvoiceID, &tx.ClientID, &tx.TrainerID, &tx.GatewayID, &gateway,
		&tx.ProviderRef, &amount, &tx.Currency, &status, &response, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Gateway = domain.GatewayType(gateway)
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	tx.Status = domain.TransactionStatus(status)
	tx.Response = response
	tx.CreatedAt = time.Unix(createdAt, 0)
	tx.UpdatedAt = time.Unix(updatedAt, 0)
	return &tx, nil
}
