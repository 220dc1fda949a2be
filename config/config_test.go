package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %s, want 8080", cfg.ServerPort)
	}
	if cfg.Currency != "usd" {
		t.Errorf("Currency = %s, want usd", cfg.Currency)
	}
	if cfg.CommissionRate != 0.10 {
		t.Errorf("CommissionRate = %v, want 0.10", cfg.CommissionRate)
	}
	if cfg.SweepSchedule == "" {
		t.Error("Expected a default sweep schedule")
	}
	if cfg.CheckoutTimeoutSecs != 30 {
		t.Errorf("CheckoutTimeoutSecs = %d, want 30", cfg.CheckoutTimeoutSecs)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BILLING_CURRENCY", "EUR")
	t.Setenv("COMMISSION_RATE", "0.15")
	t.Setenv("STRIPE_ENABLED", "true")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_env")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %s, want 9090", cfg.ServerPort)
	}
	if cfg.Currency != "eur" {
		t.Errorf("Currency = %s, want eur (lowercased)", cfg.Currency)
	}
	if cfg.CommissionRate != 0.15 {
		t.Errorf("CommissionRate = %v, want 0.15", cfg.CommissionRate)
	}
	if !cfg.StripeEnabled {
		t.Error("Expected StripeEnabled")
	}
	if cfg.StripeSecretKey != "sk_test_env" {
		t.Errorf("StripeSecretKey = %s", cfg.StripeSecretKey)
	}
}

func TestCommissionRateCoercion(t *testing.T) {
	tests := []struct {
		name string
		rate string
		want float64
	}{
		{"negative falls back to default", "-0.2", 0.10},
		{"one or above falls back to default", "1.5", 0.10},
		{"zero is a valid rate", "0", 0.0},
		{"in-range rate is kept", "0.25", 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("COMMISSION_RATE", tt.rate)
			cfg, err := Load(t.TempDir())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.CommissionRate != tt.want {
				t.Errorf("CommissionRate = %v, want %v", cfg.CommissionRate, tt.want)
			}
		})
	}
}

func TestReturnHostAllowlist(t *testing.T) {
	t.Setenv("ALLOWED_RETURN_HOSTS", "app.example.com, Localhost:3000 ,")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	hosts := cfg.ReturnHostAllowlist()
	if !hosts["app.example.com"] {
		t.Error("Expected app.example.com in allowlist")
	}
	if !hosts["localhost:3000"] {
		t.Error("Expected localhost:3000 in allowlist (trimmed, lowercased)")
	}
	if hosts[""] {
		t.Error("Empty entries must be dropped")
	}
	if hosts["evil.example.net"] {
		t.Error("Unlisted host must not be allowed")
	}
}
