// Package metrics defines the Prometheus collectors for the billing service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsInitiated counts checkout initiations per gateway type.
	PaymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitstack_billing",
		Name:      "payments_initiated_total",
		Help:      "Number of payment checkouts initiated.",
	}, []string{"gateway"})

	// Reconciliations counts reconciliation attempts by entry point and outcome.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitstack_billing",
		Name:      "reconciliations_total",
		Help:      "Number of reconciliation attempts applied, by source and outcome.",
	}, []string{"source", "outcome"})

	// DuplicateDeliveries counts confirmation signals absorbed by the
	// idempotent no-op path (redundant webhooks, racing return redirects).
	DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fitstack_billing",
		Name:      "duplicate_deliveries_total",
		Help:      "Number of duplicate confirmation signals absorbed as no-ops.",
	})

	// PayoutsCreated counts trainer payout records created.
	PayoutsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fitstack_billing",
		Name:      "payouts_created_total",
		Help:      "Number of trainer payout records derived from paid invoices.",
	})

	// TransactionsAbandoned counts stale pending transactions swept to cancelled.
	TransactionsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fitstack_billing",
		Name:      "transactions_abandoned_total",
		Help:      "Number of pending transactions marked abandoned by the sweeper.",
	})
)
