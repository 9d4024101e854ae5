package semantic

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/patterns"
	"github.com/basisworks/keel/pkg/tiers"
)

// ProviderInfo is the registry entry for one context provider.
type ProviderInfo struct {
	PublicKey ed25519.PublicKey
	Tier      tiers.Tier
	Domains   []string
}

// ContextConfig configures provider identity checks, content integrity, and
// the injection scan for inbound context items.
type ContextConfig struct {
	BlockedProviders []string // globs; a match rejects outright
	AllowedProviders []string // globs; non-empty admits only matches
	MinProviderTier  tiers.Tier
	RequiredDomains  []string

	RequireSignature bool
	// MaxContentAge rejects items whose timestamp is older than this. Zero
	// disables the age check.
	MaxContentAge time.Duration
	// AllowedFormats lists acceptable detected MIME types; empty allows all.
	AllowedFormats []string

	Providers map[string]ProviderInfo
}

// ContextResult is the verdict for one context item.
type ContextResult struct {
	Valid       bool                 `json:"valid"`
	Reason      string               `json:"reason,omitempty"`
	Code        contracts.ReasonCode `json:"code,omitempty"`
	ProviderID  string               `json:"provider_id"`
	Format      string               `json:"format,omitempty"`
	MaxSeverity patterns.Severity    `json:"max_severity,omitempty"`
	Detections  []Detection          `json:"detections,omitempty"`
}

// ContextValidator vets externally provided context before an agent may act
// on it.
type ContextValidator struct {
	cfg ContextConfig
}

func NewContextValidator(cfg ContextConfig) *ContextValidator {
	return &ContextValidator{cfg: cfg}
}

// ValidateItem runs the three gates in order: provider identity, content
// integrity, injection scan. The first failure rejects the item.
func (v *ContextValidator) ValidateItem(item contracts.ContextItem, now time.Time) ContextResult {
	res := ContextResult{Valid: true, ProviderID: item.ProviderID}

	if reason := v.checkProvider(item.ProviderID); reason != "" {
		return ContextResult{Valid: false, Reason: reason, Code: contracts.ReasonContextUntrusted, ProviderID: item.ProviderID}
	}
	format, reason := v.checkIntegrity(item, now)
	res.Format = format
	if reason != "" {
		return ContextResult{Valid: false, Reason: reason, Code: contracts.ReasonContextUntrusted, ProviderID: item.ProviderID, Format: format}
	}

	detections := ScanInjection(item.Content)
	if len(detections) > 0 {
		return ContextResult{
			Valid:       false,
			Reason:      fmt.Sprintf("injection_detected:%s", detections[0].Category),
			Code:        contracts.ReasonInjectionDetected,
			ProviderID:  item.ProviderID,
			Format:      format,
			MaxSeverity: MaxSeverity(detections),
			Detections:  detections,
		}
	}
	return res
}

func (v *ContextValidator) checkProvider(providerID string) string {
	if matchAnyGlob(v.cfg.BlockedProviders, providerID) {
		return fmt.Sprintf("context_provider_blocked:%s", providerID)
	}
	if len(v.cfg.AllowedProviders) > 0 && !matchAnyGlob(v.cfg.AllowedProviders, providerID) {
		return fmt.Sprintf("context_provider_not_allowed:%s", providerID)
	}

	needsRegistry := v.cfg.MinProviderTier != "" || len(v.cfg.RequiredDomains) > 0 || v.cfg.RequireSignature
	if !needsRegistry {
		return ""
	}
	info, ok := v.cfg.Providers[providerID]
	if !ok {
		return fmt.Sprintf("context_provider_unknown:%s", providerID)
	}
	if v.cfg.MinProviderTier != "" && !tiers.AtLeast(info.Tier, v.cfg.MinProviderTier) {
		return fmt.Sprintf("context_provider_tier:%s", providerID)
	}
	for _, required := range v.cfg.RequiredDomains {
		if !containsString(info.Domains, required) {
			return fmt.Sprintf("context_provider_missing_domain:%s", required)
		}
	}
	return ""
}

func (v *ContextValidator) checkIntegrity(item contracts.ContextItem, now time.Time) (string, string) {
	format := detectFormat(item.Content)

	if v.cfg.RequireSignature {
		info, ok := v.cfg.Providers[item.ProviderID]
		if !ok || len(info.PublicKey) != ed25519.PublicKeySize {
			return format, fmt.Sprintf("context_signature_unverifiable:%s", item.ProviderID)
		}
		sig, err := base64.StdEncoding.DecodeString(item.Signature)
		if err != nil || !ed25519.Verify(info.PublicKey, []byte(item.Content), sig) {
			return format, fmt.Sprintf("context_signature_invalid:%s", item.ProviderID)
		}
	}
	if v.cfg.MaxContentAge > 0 && !item.Timestamp.IsZero() {
		if now.Sub(item.Timestamp) > v.cfg.MaxContentAge {
			return format, fmt.Sprintf("context_too_old:%s", item.ProviderID)
		}
	}
	if len(v.cfg.AllowedFormats) > 0 && !containsString(v.cfg.AllowedFormats, format) {
		return format, fmt.Sprintf("context_format_not_allowed:%s", format)
	}
	return format, ""
}

// detectFormat classifies content: parseable JSON, then valid UTF-8 text,
// then opaque bytes.
func detectFormat(content string) string {
	if json.Valid([]byte(content)) {
		return "application/json"
	}
	if utf8.ValidString(content) {
		return "text/plain"
	}
	return "application/octet-stream"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
