package contracts

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basisworks/keel/pkg/canonicalize"
)

// DecisionAction is the engine's verdict on an intent.
type DecisionAction string

const (
	DecisionAllow      DecisionAction = "allow"
	DecisionDeny       DecisionAction = "deny"
	DecisionEscalate   DecisionAction = "escalate"
	DecisionQuarantine DecisionAction = "quarantine"
)

// ValidDecisionAction reports whether a is a member of the closed decision set.
func ValidDecisionAction(a DecisionAction) bool {
	switch a {
	case DecisionAllow, DecisionDeny, DecisionEscalate, DecisionQuarantine:
		return true
	}
	return false
}

// RuleTrace is the per-rule evaluation record attached to a matched policy.
type RuleTrace struct {
	Field      string  `json:"field"`
	Operator   string  `json:"operator"`
	Expected   any     `json:"expected"`
	Actual     any     `json:"actual"`
	Matched    bool    `json:"matched"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"durationMs"`
}

// PolicyAuditEntry records one policy's contribution to a decision.
type PolicyAuditEntry struct {
	PolicyID   string      `json:"policyId"`
	Name       string      `json:"name,omitempty"`
	Priority   int         `json:"priority"`
	Matched    bool        `json:"matched"`
	Effect     string      `json:"effect,omitempty"`
	Rules      []RuleTrace `json:"rules,omitempty"`
	DurationMs float64     `json:"durationMs"`
}

// Modification describes one redaction applied on the allow path.
type Modification struct {
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// ObligationOutcome is a matched obligation carried alongside a decision.
type ObligationOutcome struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Decision is the interchange result returned to callers. It is always
// produced and always audited; ProofID is the id of the audit record that
// anchors it.
type Decision struct {
	IntentID string         `json:"intentId"`
	Decision DecisionAction `json:"decision"`
	Reason   string         `json:"reason,omitempty"`

	MatchedPolicies []PolicyAuditEntry `json:"matchedPolicies"`

	// DenialCode is null unless the decision is deny.
	DenialCode *string `json:"denialCode"`

	ProofID     string    `json:"proofId,omitempty"`
	DurationMs  float64   `json:"durationMs"`
	EvaluatedAt time.Time `json:"evaluatedAt"`

	RequiresEscalation bool   `json:"requiresEscalation,omitempty"`
	ApproverHint       string `json:"approverHint,omitempty"`
	EscalationID       string `json:"escalationId,omitempty"`

	// Content carries the post-redaction payload when data-protection
	// constraints modified it; Modifications lists what changed.
	Content       string              `json:"content,omitempty"`
	Modifications []Modification      `json:"modifications,omitempty"`
	Obligations   []ObligationOutcome `json:"obligations,omitempty"`
	Warnings      []string            `json:"warnings,omitempty"`

	DecisionHash string `json:"decisionHash,omitempty"`
}

// Permitted reports whether the decision allows execution.
func (d *Decision) Permitted() bool {
	return d.Decision == DecisionAllow
}

// ComputeDecisionHash returns the sha256: digest of the canonical JSON form
// of d with its hash field cleared, so receipts can bind to decisions.
func ComputeDecisionHash(d *Decision) (string, error) {
	clone := *d
	clone.DecisionHash = ""
	digest, err := canonicalize.Digest(&clone)
	if err != nil {
		return "", fmt.Errorf("decision hash: %w", err)
	}
	return digest, nil
}

// SealDecision stamps DecisionHash in place.
func SealDecision(d *Decision) error {
	h, err := ComputeDecisionHash(d)
	if err != nil {
		return err
	}
	d.DecisionHash = h
	return nil
}

// DecodeDecision parses a Decision from a token string (JSON or Base64 JSON).
func DecodeDecision(token string) (*Decision, error) {
	trimmed := strings.TrimSpace(token)
	if strings.HasPrefix(trimmed, "{") {
		var d Decision
		if err := json.Unmarshal([]byte(trimmed), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		return &d, nil
	}

	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode decision: not JSON and not base64: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &d, nil
}

// EncodeDecision serializes the decision to its JSON token form.
func EncodeDecision(d *Decision) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode decision: %w", err)
	}
	return string(b), nil
}
