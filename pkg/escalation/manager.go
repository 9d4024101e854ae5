package escalation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basisworks/keel/pkg/canonicalize"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/trust"
)

var (
	ErrNotFound    = errors.New("escalation: not found")
	ErrNotPending  = errors.New("escalation: not pending")
	ErrRoleDenied  = errors.New("escalation: approver lacks a required role")
	ErrSelfApprove = errors.New("escalation: requester cannot approve their own escalation")
)

// DefaultTTL bounds how long an escalation waits for a human before it
// expires.
const DefaultTTL = 15 * time.Minute

// AuditEvent is the shape of an escalation lifecycle event handed to the
// auditor.
type AuditEvent struct {
	TenantID     string
	EventType    string
	Actor        contracts.Actor
	EscalationID string
	IntentID     string
	Outcome      string
	RequestID    string
	TraceID      string
	Details      map[string]any
}

// Auditor receives escalation lifecycle events. Reporting is best-effort;
// a failing auditor never blocks resolution.
type Auditor interface {
	RecordEvent(ctx context.Context, ev AuditEvent) error
}

// Manager holds pending escalations in memory and resolves them. Durability
// comes from auditing every transition; the pending set itself is
// reconstructible state, not a system of record.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Pending

	ttl     time.Duration
	clock   func() time.Time
	signer  trust.Signer
	auditor Auditor
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the default pending lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithSigner signs receipts with a purpose-scoped keyring key.
func WithSigner(s trust.Signer) Option {
	return func(m *Manager) { m.signer = s }
}

// WithAuditor wires escalation events onto the audit chain.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager constructs a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		pending: make(map[string]*Pending),
		ttl:     DefaultTTL,
		clock:   time.Now,
		logger:  slog.Default().With("component", "escalation"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open registers a pending escalation for an escalated intent and audits
// escalation.requested. ApproverRoles may be empty.
func (m *Manager) Open(ctx context.Context, in *contracts.Intent, reason, approverHint string, approverRoles []string) (*Pending, error) {
	if in == nil {
		return nil, errors.New("escalation: nil intent")
	}
	now := m.clock().UTC()
	p := &Pending{
		ID:            uuid.New().String(),
		TenantID:      in.TenantID,
		IntentID:      in.ID,
		Actor:         in.Actor,
		Reason:        reason,
		ApproverHint:  approverHint,
		ApproverRoles: append([]string(nil), approverRoles...),
		RequestID:     in.RequestID,
		TraceID:       in.TraceID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
		Status:        StatusPending,
	}

	m.mu.Lock()
	m.pending[p.ID] = p
	m.mu.Unlock()

	m.audit(ctx, AuditEvent{
		TenantID:     p.TenantID,
		EventType:    EventRequested,
		Actor:        p.Actor,
		EscalationID: p.ID,
		IntentID:     p.IntentID,
		Outcome:      string(StatusPending),
		RequestID:    p.RequestID,
		TraceID:      p.TraceID,
		Details: map[string]any{
			"reason":        p.Reason,
			"approver_hint": p.ApproverHint,
			"expires_at":    p.ExpiresAt,
		},
	})
	m.logger.Info("escalation opened",
		"tenant", p.TenantID, "escalation_id", p.ID, "intent_id", p.IntentID, "reason", reason)
	return p, nil
}

// Approve resolves a pending escalation in the requester's favor. The
// approver must hold one of the escalation's required roles and must not be
// the actor who raised the intent.
func (m *Manager) Approve(ctx context.Context, id, approverID string, approverRoles []string) (*Receipt, error) {
	return m.resolve(ctx, id, approverID, approverRoles, "", StatusApproved)
}

// Deny resolves a pending escalation against the requester, with a reason.
func (m *Manager) Deny(ctx context.Context, id, denierID, reason string, approverRoles []string) (*Receipt, error) {
	return m.resolve(ctx, id, denierID, approverRoles, reason, StatusDenied)
}

func (m *Manager) resolve(ctx context.Context, id, resolverID string, resolverRoles []string, note string, outcome Status) (*Receipt, error) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if p.Status != StatusPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}
	if resolverID == p.Actor.ID {
		m.mu.Unlock()
		return nil, ErrSelfApprove
	}
	if !roleSatisfied(p.ApproverRoles, resolverRoles) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: need one of %v", ErrRoleDenied, p.ApproverRoles)
	}

	now := m.clock().UTC()
	if now.After(p.ExpiresAt) {
		p.Status = StatusExpired
		p.ResolvedAt = now
		receipt := m.receipt(p)
		m.mu.Unlock()
		m.auditResolution(ctx, p, EventExpired)
		return receipt, nil
	}

	p.Status = outcome
	p.ResolvedAt = now
	p.ResolvedBy = resolverID
	p.Note = note
	receipt := m.receipt(p)
	m.mu.Unlock()

	event := EventApproved
	if outcome == StatusDenied {
		event = EventDenied
	}
	m.auditResolution(ctx, p, event)
	m.logger.Info("escalation resolved",
		"tenant", p.TenantID, "escalation_id", p.ID, "outcome", string(outcome), "by", resolverID)
	return receipt, nil
}

// CheckTimeouts expires every pending escalation past its deadline and
// returns their receipts.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]*Receipt, error) {
	now := m.clock().UTC()

	m.mu.Lock()
	var expired []*Pending
	var receipts []*Receipt
	for _, p := range m.pending {
		if p.Status == StatusPending && now.After(p.ExpiresAt) {
			p.Status = StatusExpired
			p.ResolvedAt = now
			expired = append(expired, p)
			receipts = append(receipts, m.receipt(p))
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		m.auditResolution(ctx, p, EventExpired)
	}
	return receipts, nil
}

// Get returns an escalation by id.
func (m *Manager) Get(id string) (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	clone := *p
	return &clone, nil
}

// ListPending returns the pending escalations for a tenant, oldest first.
// An empty tenant id lists every tenant.
func (m *Manager) ListPending(tenantID string) []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pending
	for _, p := range m.pending {
		if p.Status == StatusPending && (tenantID == "" || p.TenantID == tenantID) {
			out = append(out, *p)
		}
	}
	sortByCreated(out)
	return out
}

// PendingCount returns the number of unresolved escalations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if p.Status == StatusPending {
			n++
		}
	}
	return n
}

// receipt builds and signs the resolution receipt. Caller holds m.mu.
func (m *Manager) receipt(p *Pending) *Receipt {
	r := &Receipt{
		ID:           uuid.New().String(),
		EscalationID: p.ID,
		IntentID:     p.IntentID,
		TenantID:     p.TenantID,
		Outcome:      p.Status,
		ResolvedBy:   p.ResolvedBy,
		Note:         p.Note,
		ResolvedAt:   p.ResolvedAt,
		DurationMs:   p.ResolvedAt.Sub(p.CreatedAt).Milliseconds(),
	}

	payload := struct {
		EscalationID string    `json:"escalationId"`
		IntentID     string    `json:"intentId"`
		Outcome      Status    `json:"outcome"`
		ResolvedBy   string    `json:"resolvedBy,omitempty"`
		ResolvedAt   time.Time `json:"resolvedAt"`
	}{r.EscalationID, r.IntentID, r.Outcome, r.ResolvedBy, r.ResolvedAt}

	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		m.logger.Error("escalation receipt canonicalization failed", "error", err)
		return r
	}
	r.ContentHash = "sha256:" + canonicalize.HashBytes(canonical)
	if m.signer != nil {
		r.Signature = hex.EncodeToString(m.signer.Sign(canonical))
		r.PublicKey = hex.EncodeToString(m.signer.PublicKey())
	}
	return r
}

func (m *Manager) auditResolution(ctx context.Context, p *Pending, eventType string) {
	actor := contracts.Actor{Type: contracts.ActorUser, ID: p.ResolvedBy}
	if p.ResolvedBy == "" {
		actor = contracts.Actor{Type: contracts.ActorSystem, ID: "escalation-manager"}
	}
	m.audit(ctx, AuditEvent{
		TenantID:     p.TenantID,
		EventType:    eventType,
		Actor:        actor,
		EscalationID: p.ID,
		IntentID:     p.IntentID,
		Outcome:      string(p.Status),
		RequestID:    p.RequestID,
		TraceID:      p.TraceID,
		Details:      map[string]any{"note": p.Note},
	})
}

func (m *Manager) audit(ctx context.Context, ev AuditEvent) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.RecordEvent(ctx, ev); err != nil {
		m.logger.Error("escalation audit event dropped",
			"tenant", ev.TenantID, "event", ev.EventType, "error", err)
	}
}

func roleSatisfied(required, held []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, need := range required {
		for _, have := range held {
			if need == have {
				return true
			}
		}
	}
	return false
}

func sortByCreated(ps []Pending) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j].CreatedAt.Before(ps[j-1].CreatedAt); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}
