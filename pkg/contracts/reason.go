package contracts

// ReasonCode is the closed error/decision taxonomy. Validators return these
// as structured values; the orchestrator maps them to a single Decision and
// audit record, and the HTTP layer maps them to problem documents.
type ReasonCode string

const (
	// Caller-fixable input problems.
	ReasonValidationError    ReasonCode = "validation_error"
	ReasonUnsupportedVersion ReasonCode = "unsupported_version"
	ReasonUnknownVariant     ReasonCode = "unknown_variant"

	// Policy outcomes.
	ReasonPolicyDenied          ReasonCode = "policy_denied"
	ReasonInsufficientCap       ReasonCode = "insufficient_capability"
	ReasonInsufficientTrustTier ReasonCode = "insufficient_trust_tier"
	ReasonRequiresEscalation    ReasonCode = "requires_escalation"

	// Semantic rejection sub-kinds.
	ReasonInstructionNotApproved ReasonCode = "instruction_not_approved"
	ReasonOutputSchemaMismatch   ReasonCode = "output_schema_mismatch"
	ReasonProhibitedPattern      ReasonCode = "prohibited_pattern"
	ReasonInjectionDetected      ReasonCode = "injection_detected"
	ReasonContextUntrusted       ReasonCode = "context_untrusted"
	ReasonChannelViolation       ReasonCode = "channel_violation"
	ReasonInferenceOutOfScope    ReasonCode = "inference_out_of_scope"
	ReasonPIIInInference         ReasonCode = "pii_in_inference"

	// Operational outcomes.
	ReasonTimeout               ReasonCode = "timeout"
	ReasonChainIntegrity        ReasonCode = "chain_integrity_violation"
	ReasonTransientStorageError ReasonCode = "transient_storage_error"
	ReasonConfigError           ReasonCode = "config_error"
	ReasonAuditWriteFailed      ReasonCode = "audit_write_failed"
	ReasonRevoked               ReasonCode = "revoked"
	ReasonQuarantined           ReasonCode = "quarantined"
	ReasonCircularDependency    ReasonCode = "circular_dependency"
)

// SemanticRejection reports whether c is one of the semantic sub-kinds.
func SemanticRejection(c ReasonCode) bool {
	switch c {
	case ReasonInstructionNotApproved, ReasonOutputSchemaMismatch,
		ReasonProhibitedPattern, ReasonInjectionDetected,
		ReasonContextUntrusted, ReasonChannelViolation,
		ReasonInferenceOutOfScope, ReasonPIIInInference:
		return true
	}
	return false
}

// Retryable reports whether the caller may retry with the same request id.
func Retryable(c ReasonCode) bool {
	return c == ReasonTransientStorageError
}
