// Package domain contains the core business entities and interfaces for the billing service.
package domain

import "errors"

// Domain errors represent business rule violations.
// These are used to communicate specific error conditions from the domain layer.
var (
	// ErrInvoiceNotFound is returned when an invoice does not exist or does
	// not belong to the calling client. Ownership violations deliberately
	// look identical to absence so invoice data never leaks.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrTransactionNotFound is returned when no transaction matches a
	// provider reference.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadyPaid marks an operation against an invoice that has already
	// settled. Callers should treat this as idempotent success, not failure.
	ErrAlreadyPaid = errors.New("invoice already paid")

	// ErrInvalidState is returned when an operation is not permitted for the
	// invoice's current status (e.g. retry on a non-failed invoice).
	ErrInvalidState = errors.New("operation not valid for invoice state")

	// ErrGatewayNotConfigured is returned when no enabled gateway is flagged
	// default, or the default flag is ambiguous.
	ErrGatewayNotConfigured = errors.New("no default payment gateway configured")

	// ErrGatewayUnreachable is returned for transient provider failures
	// (network errors, 5xx). The whole initiate/capture call is safe to retry.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")

	// ErrGatewayRejected is returned when the provider declined the request
	// as invalid. Not retryable without caller changes.
	ErrGatewayRejected = errors.New("payment gateway rejected request")

	// ErrCaptureAlreadyCompleted is returned by adapters when a capture call
	// finds the order already captured. The engine treats it as success.
	ErrCaptureAlreadyCompleted = errors.New("capture already completed")

	// ErrValidation is returned for malformed request shapes.
	ErrValidation = errors.New("invalid request")
)

// BillingError wraps a domain error with additional context.
type BillingError struct {
	Err     error
	Message string
	Code    string
}

// Error implements the error interface.
func (e *BillingError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with BillingError.
func (e *BillingError) Unwrap() error {
	return e.Err
}

// NewBillingError creates a new BillingError with the given error and message.
func NewBillingError(err error, message, code string) *BillingError {
	return &BillingError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}
