// Package audit maintains the tamper-evident record of everything keel
// decides and does. Records form a per-tenant hash chain: each record binds
// the previous record's hash into its own, so any retroactive edit breaks
// the chain at the very next link. The chain is append-only; retention
// archives and eventually purges old records but never rewrites them.
package audit

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/basisworks/keel/pkg/canonicalize"
	"github.com/basisworks/keel/pkg/contracts"
)

var (
	// ErrEmptyTenantID is returned when an operation is missing its tenant.
	ErrEmptyTenantID = errors.New("audit: tenant id is required")
	// ErrEmptyEventType is returned when a record has no event type.
	ErrEmptyEventType = errors.New("audit: event type is required")
	// ErrRecordNotFound is returned when a record id does not exist.
	ErrRecordNotFound = errors.New("audit: record not found")
	// ErrSequenceConflict is returned by stores when an insert collides with
	// an existing (tenant_id, sequence_number) pair. The service retries a
	// bounded number of times before giving up.
	ErrSequenceConflict = errors.New("audit: sequence number already taken")
)

// Category groups event types for filtering and stats.
type Category string

const (
	CategoryPolicy     Category = "policy"
	CategoryTrust      Category = "trust"
	CategoryEscalation Category = "escalation"
	CategorySemantic   Category = "semantic"
	CategoryAuth       Category = "auth"
	CategorySystem     Category = "system"
)

// Severity grades how much attention a record deserves.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Outcome states how the recorded action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// ValidOutcome reports whether o is a member of the closed outcome set.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}

// Target identifies the resource an action was performed on.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Record is one immutable entry in a tenant's audit chain.
type Record struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	EventType string          `json:"eventType"`
	Category  Category        `json:"category"`
	Severity  Severity        `json:"severity"`
	Actor     contracts.Actor `json:"actor"`
	Target    Target          `json:"target"`

	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
	SpanID    string `json:"spanId,omitempty"`

	Action  string  `json:"action"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`

	BeforeState json.RawMessage `json:"beforeState,omitempty"`
	AfterState  json.RawMessage `json:"afterState,omitempty"`
	DiffState   json.RawMessage `json:"diffState,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Tags        []string        `json:"tags,omitempty"`

	// SequenceNumber is contiguous per tenant, starting at 1. PreviousHash
	// is empty only for the first record; RecordHash is the lowercase hex
	// SHA-256 of the canonical payload (see ComputeRecordHash).
	SequenceNumber int64  `json:"sequenceNumber"`
	PreviousHash   string `json:"previousHash,omitempty"`
	RecordHash     string `json:"recordHash"`

	EventTime  time.Time `json:"eventTime"`
	RecordedAt time.Time `json:"recordedAt"`

	Archived   bool      `json:"archived"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// RecordInput is what callers supply; chain position, classification and
// hashes are filled in by the service.
type RecordInput struct {
	TenantID  string
	EventType string
	Actor     contracts.Actor
	Target    Target

	Action  string
	Outcome Outcome
	Reason  string

	RequestID string
	TraceID   string
	SpanID    string

	BeforeState json.RawMessage
	AfterState  json.RawMessage
	DiffState   json.RawMessage
	Metadata    map[string]any
	Tags        []string

	// EventTime defaults to the service clock when zero. It is truncated to
	// millisecond precision, the resolution the hash payload carries.
	EventTime time.Time
}

// eventTimeLayout is RFC 3339 UTC with a fixed three-digit fraction, the
// exact form hashed into every record.
const eventTimeLayout = "2006-01-02T15:04:05.000Z07:00"

type classification struct {
	Category Category
	Severity Severity
}

// eventTable classifies known event types. Unknown types fall back to
// {system, info}; callers can still record them, they just carry the
// default classification.
var eventTable = map[string]classification{
	"decision.allow":      {CategoryPolicy, SeverityInfo},
	"decision.deny":       {CategoryPolicy, SeverityWarn},
	"decision.escalate":   {CategoryPolicy, SeverityNotice},
	"decision.quarantine": {CategoryPolicy, SeverityWarn},
	"action.reported":     {CategoryPolicy, SeverityInfo},
	"action.flagged":      {CategoryPolicy, SeverityWarn},

	"policy.bundle_loaded":   {CategoryPolicy, SeverityInfo},
	"policy.bundle_rejected": {CategoryPolicy, SeverityError},

	"trust.registered":  {CategoryTrust, SeverityInfo},
	"trust.adjusted":    {CategoryTrust, SeverityInfo},
	"trust.revoked":     {CategoryTrust, SeverityCritical},
	"trust.quarantined": {CategoryTrust, SeverityWarn},
	"trust.reinstated":  {CategoryTrust, SeverityNotice},
	"trust.delegated":   {CategoryTrust, SeverityInfo},

	"escalation.requested": {CategoryEscalation, SeverityNotice},
	"escalation.approved":  {CategoryEscalation, SeverityNotice},
	"escalation.denied":    {CategoryEscalation, SeverityWarn},
	"escalation.expired":   {CategoryEscalation, SeverityWarn},

	"semantic.rejected":           {CategorySemantic, SeverityWarn},
	"semantic.injection_detected": {CategorySemantic, SeverityCritical},
	"semantic.sanitized":          {CategorySemantic, SeverityNotice},

	"auth.denied":    {CategoryAuth, SeverityWarn},
	"audit.exported": {CategorySystem, SeverityInfo},
}

// Classify returns the category and severity for an event type.
func Classify(eventType string) (Category, Severity) {
	if c, ok := eventTable[eventType]; ok {
		return c.Category, c.Severity
	}
	return CategorySystem, SeverityInfo
}

// ComputeRecordHash computes the record's chain hash: the lowercase hex
// SHA-256 of the RFC 8785 canonical JSON of exactly these fields — action,
// actor, eventTime, eventType, outcome, previousHash, sequenceNumber,
// target, tenantId. previousHash is JSON null for the first record in a
// chain. No other field participates, so enrichment columns (metadata,
// tags, states) can be extended without invalidating existing chains.
func ComputeRecordHash(r *Record) (string, error) {
	var prev any
	if r.PreviousHash != "" {
		prev = r.PreviousHash
	}
	payload := map[string]any{
		"tenantId":       r.TenantID,
		"eventType":      r.EventType,
		"actor":          r.Actor,
		"target":         r.Target,
		"action":         r.Action,
		"outcome":        r.Outcome,
		"sequenceNumber": r.SequenceNumber,
		"previousHash":   prev,
		"eventTime":      r.EventTime.UTC().Format(eventTimeLayout),
	}
	return canonicalize.CanonicalHash(payload)
}
