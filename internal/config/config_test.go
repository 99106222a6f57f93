package config

import "testing"

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("PAY_TO_ADDRESS", "0xEAde2298C7d1b5C748103da66D6Dd9Cf204E2AD2")

	if _, err := Load(); err == nil {
		t.Error("expected error when DB_SOURCE is unset")
	}
}

func TestLoadRequiresPayTo(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/paygate")
	t.Setenv("PAY_TO_ADDRESS", "")

	if _, err := Load(); err == nil {
		t.Error("expected error when PAY_TO_ADDRESS is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/paygate")
	t.Setenv("PAY_TO_ADDRESS", "0xEAde2298C7d1b5C748103da66D6Dd9Cf204E2AD2")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("FACILITATOR_URL", "")
	t.Setenv("PAYMENT_NETWORK", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.FacilitatorURL != "https://www.x402.org/facilitator" {
		t.Errorf("unexpected facilitator URL %s", cfg.FacilitatorURL)
	}
	if cfg.Network != "base-sepolia" {
		t.Errorf("unexpected network %s", cfg.Network)
	}
}

func TestRequirements(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgresql://localhost/paygate")
	t.Setenv("PAY_TO_ADDRESS", "0xEAde2298C7d1b5C748103da66D6Dd9Cf204E2AD2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := cfg.Requirements()
	if req.Scheme != "exact" {
		t.Errorf("expected exact scheme, got %s", req.Scheme)
	}
	if req.PayTo != "0xEAde2298C7d1b5C748103da66D6Dd9Cf204E2AD2" {
		t.Errorf("unexpected payTo %s", req.PayTo)
	}
	if req.Extra.Name != "USDC" || req.Extra.Version != "2" {
		t.Errorf("unexpected extra %+v", req.Extra)
	}
}
