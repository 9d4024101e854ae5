package semantic

import (
	"strings"
	"testing"

	"github.com/basisworks/keel/pkg/contracts"
)

func TestValidateOpGlobalCap(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{GlobalCap: contracts.InferencePattern})

	if res := v.ValidateOp(contracts.InferenceOp{Level: contracts.InferenceAggregate}); !res.Valid {
		t.Fatalf("below-cap op rejected: %+v", res)
	}
	res := v.ValidateOp(contracts.InferenceOp{Level: contracts.InferenceIdentification})
	if res.Valid {
		t.Fatal("above-cap op accepted")
	}
	if res.Reason != "inference_exceeds_scope:identification" || res.Code != contracts.ReasonInferenceOutOfScope {
		t.Errorf("reason = %s code = %s", res.Reason, res.Code)
	}
	if res.EffectiveCap != contracts.InferencePattern {
		t.Errorf("EffectiveCap = %s", res.EffectiveCap)
	}
}

func TestValidateOpDomainCapTightens(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{
		GlobalCap:  contracts.InferenceAttribute,
		DomainCaps: map[string]contracts.InferenceLevel{"health": contracts.InferenceAggregate},
	})

	// Outside the capped domain the global cap applies.
	op := contracts.InferenceOp{Level: contracts.InferencePattern, SourceDomains: []string{"finance"}}
	if res := v.ValidateOp(op); !res.Valid {
		t.Fatalf("finance op rejected: %+v", res)
	}

	// Touching the capped domain lowers the effective cap.
	op.SourceDomains = []string{"finance", "health"}
	res := v.ValidateOp(op)
	if res.Valid {
		t.Fatal("health-domain op above domain cap accepted")
	}
	if res.EffectiveCap != contracts.InferenceAggregate {
		t.Errorf("EffectiveCap = %s, want aggregate", res.EffectiveCap)
	}
}

func TestValidateOpUnknownLevelFailsClosed(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{GlobalCap: contracts.InferenceIdentification})
	if res := v.ValidateOp(contracts.InferenceOp{Level: "telepathy"}); res.Valid {
		t.Fatal("unknown level accepted")
	}
}

func derived(content string) contracts.DerivedKnowledge {
	return contracts.DerivedKnowledge{
		Content:   content,
		Level:     contracts.InferenceAggregate,
		Retention: contracts.RetentionSession,
	}
}

func TestValidateDerivedPIIBlock(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{})

	res := v.ValidateDerived(derived("subject SSN is 123-45-6789"))
	if res.Valid {
		t.Fatal("PII inference accepted under block handling")
	}
	if res.Reason != "pii_in_inference:ssn_us" || res.Code != contracts.ReasonPIIInInference {
		t.Errorf("reason = %s code = %s", res.Reason, res.Code)
	}
	if len(res.PIIFindings) != 1 || res.PIIFindings[0].Pattern != "ssn_us" {
		t.Errorf("findings: %+v", res.PIIFindings)
	}
}

func TestValidateDerivedPIIRedact(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{PII: PIIConfig{Handling: PIIRedact}})

	res := v.ValidateDerived(derived("subject SSN is 123-45-6789"))
	if !res.Valid {
		t.Fatalf("redact handling rejected: %+v", res)
	}
	if strings.Contains(res.RedactedContent, "123-45-6789") {
		t.Errorf("RedactedContent still has PII: %s", res.RedactedContent)
	}
	if len(res.Warnings) == 0 || res.Warnings[0] != "pii_redacted:ssn_us" {
		t.Errorf("warnings: %v", res.Warnings)
	}
}

func TestValidateDerivedPIIWarn(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{PII: PIIConfig{Handling: PIIWarn}})

	res := v.ValidateDerived(derived("reach them at alice@example.com"))
	if !res.Valid {
		t.Fatalf("warn handling rejected: %+v", res)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "pii_in_inference:email" {
		t.Errorf("warnings: %v", res.Warnings)
	}
}

func TestValidateDerivedPIIAllowed(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{PII: PIIConfig{Allowed: true}})
	if res := v.ValidateDerived(derived("subject SSN is 123-45-6789")); !res.Valid {
		t.Fatalf("allowed PII rejected: %+v", res)
	}
}

func TestValidateDerivedRetention(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{})

	dk := derived("aggregate spend trend is upward")
	dk.Retention = contracts.RetentionPersistent
	res := v.ValidateDerived(dk)
	if res.Valid {
		t.Fatal("persistent retention accepted without permission")
	}
	if res.Reason != "retention_not_permitted" {
		t.Errorf("reason = %s", res.Reason)
	}

	v = NewInferenceValidator(InferenceConfig{Retention: RetentionConfig{AllowPersistent: true}})
	if res := v.ValidateDerived(dk); !res.Valid {
		t.Fatalf("permitted persistent retention rejected: %+v", res)
	}
}

func TestValidateDerivedRecipients(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{
		Retention: RetentionConfig{Recipients: []string{"svc:*"}},
	})

	dk := derived("weekly active count rose")
	dk.Recipients = []string{"svc:reporting"}
	if res := v.ValidateDerived(dk); !res.Valid {
		t.Fatalf("allowed recipient rejected: %+v", res)
	}

	dk.Recipients = []string{"svc:reporting", "user:mallory"}
	res := v.ValidateDerived(dk)
	if res.Valid {
		t.Fatal("off-list recipient accepted")
	}
	if res.Reason != "recipient_not_allowed:user:mallory" {
		t.Errorf("reason = %s", res.Reason)
	}
}

func TestValidateDerivedLevelGateRunsFirst(t *testing.T) {
	v := NewInferenceValidator(InferenceConfig{GlobalCap: contracts.InferenceEntity})

	dk := derived("subject SSN is 123-45-6789")
	dk.Level = contracts.InferenceIdentification
	res := v.ValidateDerived(dk)
	if res.Valid {
		t.Fatal("over-cap derived knowledge accepted")
	}
	if res.Code != contracts.ReasonInferenceOutOfScope {
		t.Errorf("code = %s, want scope violation before PII gate", res.Code)
	}
}
