package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// TenantProfile overrides per-tenant governance behavior. Zero fields fall
// back to the process defaults.
type TenantProfile struct {
	TenantID string `yaml:"tenant_id"`

	ConflictStrategy string `yaml:"conflict_strategy,omitempty"`
	DefaultAction    string `yaml:"default_action,omitempty"`

	ArchiveAfterDays int `yaml:"archive_after_days,omitempty"`
	RetentionDays    int `yaml:"retention_days,omitempty"`

	// Budgets are milliseconds; zero means the process default.
	PreValidatorMs  int `yaml:"pre_validator_ms,omitempty"`
	PostValidatorMs int `yaml:"post_validator_ms,omitempty"`
}

// profileFile is the YAML document shape: a list under a single key so the
// file stays extensible.
type profileFile struct {
	Tenants []TenantProfile `yaml:"tenants"`
}

// LoadProfiles reads the tenant profile YAML at path. The decode is strict:
// unknown keys are config errors, not silent drops.
func LoadProfiles(path string) (map[string]TenantProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles parses a tenant profile document.
func ParseProfiles(data []byte) (map[string]TenantProfile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc profileFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]TenantProfile{}, nil
		}
		return nil, fmt.Errorf("config: parse profiles: %w", err)
	}

	out := make(map[string]TenantProfile, len(doc.Tenants))
	for i, p := range doc.Tenants {
		if p.TenantID == "" {
			return nil, fmt.Errorf("config: profile %d missing tenant_id", i)
		}
		if _, dup := out[p.TenantID]; dup {
			return nil, fmt.Errorf("config: duplicate profile for tenant %q", p.TenantID)
		}
		if p.RetentionDays > 0 && p.ArchiveAfterDays > p.RetentionDays {
			return nil, fmt.Errorf("config: tenant %q retention shorter than archive window", p.TenantID)
		}
		out[p.TenantID] = p
	}
	return out, nil
}
