// FitStack Billing Service
//
// This is the main entry point for the invoice settlement service.
// It wires up all dependencies and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fitstack/fitstack-billing/config"
	"github.com/fitstack/fitstack-billing/internal/adapters/paypal"
	"github.com/fitstack/fitstack-billing/internal/adapters/stripe"
	"github.com/fitstack/fitstack-billing/internal/api"
	"github.com/fitstack/fitstack-billing/internal/billing"
	"github.com/fitstack/fitstack-billing/internal/domain"
	"github.com/fitstack/fitstack-billing/internal/events"
	"github.com/fitstack/fitstack-billing/internal/jobs"
	"github.com/fitstack/fitstack-billing/internal/platform/fitstackcore"
	"github.com/fitstack/fitstack-billing/internal/storage/sqlite"
	"github.com/fitstack/fitstack-billing/pkg/logging"
)

func main() {
	logging.Setup()
	slog.Info("starting fitstack billing service")

	cfg, err := config.Load(".")
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := seedGateways(store, cfg); err != nil {
		slog.Error("failed to seed gateway records", "error", err)
		os.Exit(1)
	}

	// Infrastructure layer
	coreClient := fitstackcore.NewClient(cfg.CoreBaseURL, cfg.CoreAPIKey)

	var adapters []domain.GatewayAdapter
	if cfg.StripeEnabled {
		adapters = append(adapters, stripe.NewAdapter(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}, coreClient))
	}
	if cfg.PayPalEnabled {
		adapters = append(adapters, paypal.NewAdapter(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			WebhookID:    cfg.PayPalWebhookID,
		}, coreClient))
	}
	if len(adapters) == 0 {
		slog.Warn("no payment gateway enabled; settlement endpoints will reject requests")
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.RabbitMQURL != "" {
		producer, err := events.NewProducer(cfg.RabbitMQURL, cfg.SettlementExchange)
		if err != nil {
			slog.Warn("event producer unavailable, continuing without settlement events", "error", err)
		} else {
			publisher = producer
			defer producer.Close()
		}
	}

	// Service layer
	svc := billing.NewService(store, adapters, coreClient, publisher, billing.Config{
		CommissionRate:  cfg.CommissionRateDecimal(),
		Currency:        cfg.Currency,
		SuccessURL:      cfg.CheckoutSuccessURL,
		CancelURL:       cfg.CheckoutCancelURL,
		CheckoutTimeout: time.Duration(cfg.CheckoutTimeoutSecs) * time.Second,
	})

	sweeper := jobs.NewSweeper(store, cfg.SweepSchedule,
		time.Duration(cfg.AbandonAfterMinutes)*time.Minute)
	if err := sweeper.Start(); err != nil {
		slog.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	// API layer
	handler := api.NewHandler(svc, store,
		cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, cfg.ReturnHostAllowlist())
	router := api.SetupRouter(handler, cfg.GinMode)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}

// seedGateways mirrors the configured gateway credentials into the store so
// gateway selection and the public gateway listing have a single source.
func seedGateways(store *sqlite.SQLiteStore, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gateways := []domain.PaymentGateway{
		{
			ID:            "gw_stripe",
			Name:          "Stripe",
			Type:          domain.GatewayStripe,
			Enabled:       cfg.StripeEnabled,
			IsDefault:     cfg.StripeDefault,
			SecretKey:     cfg.StripeSecretKey,
			PublicKey:     cfg.StripePublicKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		},
		{
			ID:        "gw_paypal",
			Name:      "PayPal",
			Type:      domain.GatewayPayPal,
			Enabled:   cfg.PayPalEnabled,
			IsDefault: cfg.PayPalDefault,
			SecretKey: cfg.PayPalClientSecret,
			PublicKey: cfg.PayPalClientID,
		},
	}
	for _, gw := range gateways {
		if err := store.UpsertGateway(ctx, &gw); err != nil {
			return err
		}
	}
	return nil
}
