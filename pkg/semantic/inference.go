package semantic

import (
	"fmt"

	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/patterns"
)

// PIIHandling selects what happens when PII appears in derived knowledge
// while PII inference is not allowed.
type PIIHandling string

const (
	PIIRedact PIIHandling = "redact"
	PIIBlock  PIIHandling = "block"
	PIIWarn   PIIHandling = "warn"
)

// PIIConfig gates PII inference separately from level caps.
type PIIConfig struct {
	Allowed  bool
	Handling PIIHandling // default block
	// Types are pattern ids treated as PII; default covers SSN, card,
	// email, and phone.
	Types []string
}

// RetentionConfig bounds what derived knowledge may outlive the session and
// who may receive it.
type RetentionConfig struct {
	AllowPersistent bool
	// Recipients is an allow-list; empty imposes no recipient restriction.
	Recipients []string
}

// InferenceConfig caps inference scope globally and per source domain.
type InferenceConfig struct {
	// GlobalCap defaults to identification (no cap) when empty.
	GlobalCap  contracts.InferenceLevel
	DomainCaps map[string]contracts.InferenceLevel
	PII        PIIConfig
	Retention  RetentionConfig
	Library    *patterns.Library
}

// InferenceResult is the verdict for one inference operation or one derived
// knowledge item.
type InferenceResult struct {
	Valid        bool                     `json:"valid"`
	Reason       string                   `json:"reason,omitempty"`
	Code         contracts.ReasonCode     `json:"code,omitempty"`
	EffectiveCap contracts.InferenceLevel `json:"effective_cap,omitempty"`
	Warnings     []string                 `json:"warnings,omitempty"`
	PIIFindings  []Detection              `json:"pii_findings,omitempty"`
	// RedactedContent is set when PII handling rewrote the content.
	RedactedContent string `json:"redacted_content,omitempty"`
}

// InferenceValidator enforces inference level caps, the PII gate, and
// retention policy.
type InferenceValidator struct {
	cfg InferenceConfig
	lib *patterns.Library
}

var defaultPIITypes = []string{"ssn_us", "credit_card", "email", "phone_us"}

func NewInferenceValidator(cfg InferenceConfig) *InferenceValidator {
	if cfg.GlobalCap == "" {
		cfg.GlobalCap = contracts.InferenceIdentification
	}
	if cfg.PII.Handling == "" {
		cfg.PII.Handling = PIIBlock
	}
	if len(cfg.PII.Types) == 0 {
		cfg.PII.Types = defaultPIITypes
	}
	lib := cfg.Library
	if lib == nil {
		lib = patterns.Default
	}
	return &InferenceValidator{cfg: cfg, lib: lib}
}

// effectiveCap is the lower of the global cap and every per-domain cap that
// applies to the source domains.
func (v *InferenceValidator) effectiveCap(domains []string) contracts.InferenceLevel {
	cap := v.cfg.GlobalCap
	for _, d := range domains {
		dc, ok := v.cfg.DomainCaps[d]
		if !ok {
			continue
		}
		if contracts.InferenceRank(dc) < contracts.InferenceRank(cap) {
			cap = dc
		}
	}
	return cap
}

// ValidateOp checks one declared inference against the applicable cap.
func (v *InferenceValidator) ValidateOp(op contracts.InferenceOp) InferenceResult {
	cap := v.effectiveCap(op.SourceDomains)
	if contracts.InferenceRank(op.Level) > contracts.InferenceRank(cap) {
		return InferenceResult{
			Valid:        false,
			Reason:       fmt.Sprintf("inference_exceeds_scope:%s", op.Level),
			Code:         contracts.ReasonInferenceOutOfScope,
			EffectiveCap: cap,
		}
	}
	return InferenceResult{Valid: true, EffectiveCap: cap}
}

// ValidateDerived checks one derived-knowledge item: level cap, the PII
// gate, then retention and recipients.
func (v *InferenceValidator) ValidateDerived(dk contracts.DerivedKnowledge) InferenceResult {
	res := v.ValidateOp(contracts.InferenceOp{Level: dk.Level, SourceDomains: dk.SourceDomains})
	if !res.Valid {
		return res
	}

	if !v.cfg.PII.Allowed {
		findings := v.scanPII(dk.Content)
		if len(findings) > 0 {
			res.PIIFindings = findings
			switch v.cfg.PII.Handling {
			case PIIRedact:
				redacted := dk.Content
				for _, id := range v.cfg.PII.Types {
					out, n, err := v.lib.Redact(id, redacted, patterns.DefaultReplacement)
					if err != nil || n == 0 {
						continue
					}
					redacted = out
				}
				res.RedactedContent = redacted
				res.Warnings = append(res.Warnings, fmt.Sprintf("pii_redacted:%s", findings[0].Pattern))
			case PIIWarn:
				res.Warnings = append(res.Warnings, fmt.Sprintf("pii_in_inference:%s", findings[0].Pattern))
			default: // block
				res.Valid = false
				res.Reason = fmt.Sprintf("pii_in_inference:%s", findings[0].Pattern)
				res.Code = contracts.ReasonPIIInInference
				return res
			}
		}
	}

	if dk.Retention == contracts.RetentionPersistent && !v.cfg.Retention.AllowPersistent {
		res.Valid = false
		res.Reason = "retention_not_permitted"
		res.Code = contracts.ReasonInferenceOutOfScope
		return res
	}
	if len(v.cfg.Retention.Recipients) > 0 {
		for _, r := range dk.Recipients {
			if !matchAnyGlob(v.cfg.Retention.Recipients, r) {
				res.Valid = false
				res.Reason = fmt.Sprintf("recipient_not_allowed:%s", r)
				res.Code = contracts.ReasonInferenceOutOfScope
				return res
			}
		}
	}
	return res
}

func (v *InferenceValidator) scanPII(content string) []Detection {
	var out []Detection
	for _, id := range v.cfg.PII.Types {
		spans, err := v.lib.Match(id, content)
		if err != nil {
			continue
		}
		p, _ := v.lib.Lookup(id)
		for _, s := range spans {
			d := Detection{Category: "pii", Pattern: id, Start: s.Start, End: s.End, Excerpt: clipExcerpt(s.Text)}
			if p != nil {
				d.Severity = p.Severity
			}
			out = append(out, d)
		}
	}
	return out
}
