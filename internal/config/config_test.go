package config

import (
	"testing"
	"time"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg := LoadServerConfig()

	if cfg.Environment != EnvDevelopment {
		t.Errorf("expected development environment, got %s", cfg.Environment)
	}
	if cfg.DefaultLoanLimit != 10 {
		t.Errorf("expected default loan limit 10, got %d", cfg.DefaultLoanLimit)
	}
	if cfg.ReservationWindow != 72*time.Hour {
		t.Errorf("expected 72h reservation window, got %s", cfg.ReservationWindow)
	}
	if cfg.DriftTolerance != 1 || cfg.DriftStreak != 3 {
		t.Errorf("unexpected drift policy: tolerance %d streak %d", cfg.DriftTolerance, cfg.DriftStreak)
	}
}

func TestLoadServerConfig_Overrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CIRC_LOAN_LIMIT", "5")
	t.Setenv("CIRC_RESERVATION_WINDOW", "48h")
	t.Setenv("CIRC_MAX_FINES", "7.50")

	cfg := LoadServerConfig()

	if cfg.Environment != EnvProduction {
		t.Errorf("expected production, got %s", cfg.Environment)
	}
	if cfg.DefaultLoanLimit != 5 {
		t.Errorf("expected loan limit 5, got %d", cfg.DefaultLoanLimit)
	}
	if cfg.ReservationWindow != 48*time.Hour {
		t.Errorf("expected 48h, got %s", cfg.ReservationWindow)
	}
	if cfg.MaxFines.String() != "7.5" {
		t.Errorf("expected max fines 7.5, got %s", cfg.MaxFines)
	}
}

func TestLoadServerConfig_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("ENV", "bogus")
	t.Setenv("CIRC_LOAN_LIMIT", "not-a-number")
	t.Setenv("CIRC_RESERVATION_WINDOW", "-1h")
	t.Setenv("CIRC_MAX_FINES", "-3")

	cfg := LoadServerConfig()

	if cfg.Environment != EnvDevelopment {
		t.Errorf("invalid env should fall back to development, got %s", cfg.Environment)
	}
	if cfg.DefaultLoanLimit != 10 {
		t.Errorf("invalid int should fall back to default, got %d", cfg.DefaultLoanLimit)
	}
	if cfg.ReservationWindow != 72*time.Hour {
		t.Errorf("negative duration should fall back to default, got %s", cfg.ReservationWindow)
	}
	if !cfg.MaxFines.IsZero() {
		t.Errorf("negative fines should fall back to zero, got %s", cfg.MaxFines)
	}
}
