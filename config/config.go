// Package config handles loading and managing application configuration.
// It uses Viper to read settings from environment variables, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application. Values are loaded
// from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	GinMode    string `mapstructure:"GIN_MODE"` // "debug", "release", or "test"

	DatabasePath string `mapstructure:"DATABASE_PATH"`

	// Billing policy
	Currency            string  `mapstructure:"BILLING_CURRENCY"`
	CommissionRate      float64 `mapstructure:"COMMISSION_RATE"`
	CheckoutSuccessURL  string  `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string  `mapstructure:"CHECKOUT_CANCEL_URL"`
	AllowedReturnHosts  string  `mapstructure:"ALLOWED_RETURN_HOSTS"` // comma-separated
	CheckoutTimeoutSecs int     `mapstructure:"CHECKOUT_TIMEOUT_SECONDS"`
	AbandonAfterMinutes int     `mapstructure:"ABANDON_AFTER_MINUTES"`
	SweepSchedule       string  `mapstructure:"SWEEP_SCHEDULE"`

	// Gateway credentials
	StripeSecretKey     string `mapstructure:"STRIPE_SECRET_KEY"`
	StripePublicKey     string `mapstructure:"STRIPE_PUBLIC_KEY"`
	StripeWebhookSecret string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeEnabled       bool   `mapstructure:"STRIPE_ENABLED"`
	StripeDefault       bool   `mapstructure:"STRIPE_DEFAULT"`

	PayPalClientID     string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `mapstructure:"PAYPAL_CLIENT_SECRET"`
	PayPalWebhookID    string `mapstructure:"PAYPAL_WEBHOOK_ID"`
	PayPalEnabled      bool   `mapstructure:"PAYPAL_ENABLED"`
	PayPalDefault      bool   `mapstructure:"PAYPAL_DEFAULT"`

	// FitStack Core backend
	CoreBaseURL string `mapstructure:"FITSTACK_CORE_URL"`
	CoreAPIKey  string `mapstructure:"FITSTACK_CORE_API_KEY"`

	// RabbitMQ settlement events (optional; empty URL disables publishing)
	RabbitMQURL        string `mapstructure:"RABBITMQ_URL"`
	SettlementExchange string `mapstructure:"SETTLEMENT_EXCHANGE"`
}

// Load reads configuration from environment variables, looking for an
// optional .env file in the given path.
func Load(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("GIN_MODE", "debug")
	viper.SetDefault("DATABASE_PATH", "data/billing.db")
	viper.SetDefault("BILLING_CURRENCY", "usd")
	viper.SetDefault("COMMISSION_RATE", 0.10)
	viper.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/return")
	viper.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing/cancelled")
	viper.SetDefault("ALLOWED_RETURN_HOSTS", "localhost:3000")
	viper.SetDefault("CHECKOUT_TIMEOUT_SECONDS", 30)
	viper.SetDefault("ABANDON_AFTER_MINUTES", 60)
	viper.SetDefault("SWEEP_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("STRIPE_ENABLED", false)
	viper.SetDefault("STRIPE_DEFAULT", true)
	viper.SetDefault("PAYPAL_ENABLED", false)
	viper.SetDefault("PAYPAL_DEFAULT", false)
	viper.SetDefault("FITSTACK_CORE_URL", "http://localhost:8000")
	viper.SetDefault("SETTLEMENT_EXCHANGE", "billing.settlements")

	for _, key := range []string{
		"SERVER_PORT", "GIN_MODE", "DATABASE_PATH",
		"BILLING_CURRENCY", "COMMISSION_RATE",
		"CHECKOUT_SUCCESS_URL", "CHECKOUT_CANCEL_URL", "ALLOWED_RETURN_HOSTS",
		"CHECKOUT_TIMEOUT_SECONDS", "ABANDON_AFTER_MINUTES", "SWEEP_SCHEDULE",
		"STRIPE_SECRET_KEY", "STRIPE_PUBLIC_KEY", "STRIPE_WEBHOOK_SECRET",
		"STRIPE_ENABLED", "STRIPE_DEFAULT",
		"PAYPAL_CLIENT_ID", "PAYPAL_CLIENT_SECRET", "PAYPAL_WEBHOOK_ID",
		"PAYPAL_ENABLED", "PAYPAL_DEFAULT",
		"FITSTACK_CORE_URL", "FITSTACK_CORE_API_KEY",
		"RABBITMQ_URL", "SETTLEMENT_EXCHANGE",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing .env file is fine; real deployments set env vars.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize coerces out-of-range policy values back to safe defaults.
func (c *Config) normalize() {
	c.Currency = strings.ToLower(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		slog.Warn("commission rate out of range, using default",
			"configured", c.CommissionRate, "default", 0.10)
		c.CommissionRate = 0.10
	}
	if c.CheckoutTimeoutSecs <= 0 {
		c.CheckoutTimeoutSecs = 30
	}
	if c.AbandonAfterMinutes <= 0 {
		c.AbandonAfterMinutes = 60
	}
}

// CommissionRateDecimal returns the commission rate as an exact decimal.
func (c *Config) CommissionRateDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.CommissionRate)
}

// ReturnHostAllowlist returns the parsed set of hosts that provider return
// redirects may target.
func (c *Config) ReturnHostAllowlist() map[string]bool {
	hosts := make(map[string]bool)
	for _, h := range strings.Split(c.AllowedReturnHosts, ",") {
		h = strings.TrimSpace(strings.ToLower(h))
		if h != "" {
			hosts[h] = true
		}
	}
	return hosts
}
