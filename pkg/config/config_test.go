package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("default driver = %q", cfg.DBDriver)
	}
	if cfg.ConflictStrategy != "deny-overrides" {
		t.Fatalf("default strategy = %q", cfg.ConflictStrategy)
	}
	if cfg.PreValidatorBudget != 100*time.Millisecond || cfg.PostCheckCap != 2*time.Second {
		t.Fatalf("unexpected budgets: %v %v", cfg.PreValidatorBudget, cfg.PostCheckCap)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KEEL_DB_DRIVER", "postgres")
	t.Setenv("KEEL_PRE_VALIDATOR_MS", "250")
	t.Setenv("KEEL_OTEL_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("driver override ignored: %q", cfg.DBDriver)
	}
	if cfg.PreValidatorBudget != 250*time.Millisecond {
		t.Fatalf("budget override ignored: %v", cfg.PreValidatorBudget)
	}
	if !cfg.OTelEnabled {
		t.Fatal("otel override ignored")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("KEEL_DB_DRIVER", "oracle")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLoadRejectsInvertedWindows(t *testing.T) {
	t.Setenv("KEEL_ARCHIVE_AFTER_DAYS", "400")
	t.Setenv("KEEL_RETENTION_DAYS", "30")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when retention < archive window")
	}
}
