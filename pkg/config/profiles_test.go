package config

import (
	"strings"
	"testing"
)

const profileDoc = `
tenants:
  - tenant_id: acme
    conflict_strategy: first-match
    default_action: deny
    retention_days: 30
  - tenant_id: globex
    pre_validator_ms: 50
`

func TestParseProfiles(t *testing.T) {
	profiles, err := ParseProfiles([]byte(profileDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles", len(profiles))
	}
	acme := profiles["acme"]
	if acme.ConflictStrategy != "first-match" || acme.DefaultAction != "deny" || acme.RetentionDays != 30 {
		t.Fatalf("acme profile wrong: %+v", acme)
	}
	if profiles["globex"].PreValidatorMs != 50 {
		t.Fatalf("globex profile wrong: %+v", profiles["globex"])
	}
}

func TestParseProfilesStrictKeys(t *testing.T) {
	doc := strings.Replace(profileDoc, "pre_validator_ms", "pre_validater_ms", 1)
	if _, err := ParseProfiles([]byte(doc)); err == nil {
		t.Fatal("expected unknown-key error")
	}
}

func TestParseProfilesRejectsDuplicates(t *testing.T) {
	doc := `
tenants:
  - tenant_id: acme
  - tenant_id: acme
`
	if _, err := ParseProfiles([]byte(doc)); err == nil {
		t.Fatal("expected duplicate-tenant error")
	}
}

func TestParseProfilesEmptyDocument(t *testing.T) {
	profiles, err := ParseProfiles(nil)
	if err != nil {
		t.Fatalf("parse empty: %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("expected no profiles, got %d", len(profiles))
	}
}
