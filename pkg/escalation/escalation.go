// Package escalation tracks decisions handed to a human approver. A
// pending escalation is opened when the engine converts an allow to
// escalate; it resolves by approval, denial, or timeout, and every
// resolution produces a signed, hash-bound receipt.
package escalation

import (
	"time"

	"github.com/basisworks/keel/pkg/contracts"
)

// Status is the lifecycle state of a pending escalation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Event types reported to the auditor.
const (
	EventRequested = "escalation.requested"
	EventApproved  = "escalation.approved"
	EventDenied    = "escalation.denied"
	EventExpired   = "escalation.expired"
)

// Pending is one escalated decision awaiting resolution.
type Pending struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	IntentID string `json:"intent_id"`

	// Actor is the entity whose intent was escalated.
	Actor contracts.Actor `json:"actor"`
	// Reason is the engine's escalation reason, for example
	// capability_requires_escalation.
	Reason string `json:"reason"`
	// ApproverHint names the approver or queue suggested by the matched
	// constraint's parameters.
	ApproverHint string `json:"approver_hint,omitempty"`
	// ApproverRoles restricts who may resolve this escalation. Empty
	// means any approver.
	ApproverRoles []string `json:"approver_roles,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    Status    `json:"status"`

	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// Receipt is the immutable outcome of a resolved escalation. ContentHash
// binds the receipt to its escalation and outcome; Signature is the
// keyring's ed25519 signature over the canonical receipt payload.
type Receipt struct {
	ID           string    `json:"id"`
	EscalationID string    `json:"escalation_id"`
	IntentID     string    `json:"intent_id"`
	TenantID     string    `json:"tenant_id"`
	Outcome      Status    `json:"outcome"`
	ResolvedBy   string    `json:"resolved_by,omitempty"`
	Note         string    `json:"note,omitempty"`
	ResolvedAt   time.Time `json:"resolved_at"`
	DurationMs   int64     `json:"durationMs"`

	ContentHash string `json:"content_hash"`
	Signature   string `json:"signature,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
}
