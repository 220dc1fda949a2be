// Package domain contains the core business entities and interfaces for the billing service.
package domain

import "context"

// GatewayAdapter abstracts one payment provider integration. Two shapes
// exist: redirect-checkout providers (Stripe-style sessions) and
// order/capture providers (PayPal-style), but the engine only sees this
// contract and the normalized status enum.
type GatewayAdapter interface {
	// Type reports which provider this adapter speaks to.
	Type() GatewayType

	// CreateCheckout creates a remote checkout session or order for the
	// invoice and returns the provider reference plus the redirect/approval
	// URL. When params carry a pre-authorized token the adapter may charge
	// directly and return a terminal status instead of a redirect.
	CreateCheckout(ctx context.Context, inv *Invoice, tx *Transaction, params CheckoutParams) (*CheckoutSession, error)

	// CaptureOrRetrieve resolves the final status of a previously created
	// checkout. For redirect providers this is a status retrieval; for
	// order/capture providers it performs the actual fund capture.
	// Returns ErrCaptureAlreadyCompleted when the capture had already
	// happened; callers treat that as success.
	CaptureOrRetrieve(ctx context.Context, providerRef string) (*GatewayResult, error)

	// ParseWebhook validates and normalizes a provider push notification.
	// A (nil, nil) return means the event type is not relevant to settlement
	// and should be acknowledged without action.
	ParseWebhook(ctx context.Context, payload []byte, headers map[string]string) (*WebhookEvent, error)
}

// PayoutAccountResolver resolves a trainer's destination account on a given
// provider for split-payment checkout. An empty account means the platform
// absorbs the transfer; adapters must treat unresolvable or invalid accounts
// the same way rather than failing the checkout.
type PayoutAccountResolver interface {
	ResolvePayoutAccount(ctx context.Context, trainerID int64, gateway GatewayType) (string, error)
}

// SettlementNotifier pushes settlement outcomes to the FitStack core backend.
// Notification failures never affect the settlement itself.
type SettlementNotifier interface {
	NotifySettlement(ctx context.Context, inv *Invoice, tx *Transaction) error
}
