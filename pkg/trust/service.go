package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/basisworks/keel/pkg/capability"
	"github.com/basisworks/keel/pkg/contracts"
	"github.com/basisworks/keel/pkg/semantic"
	"github.com/basisworks/keel/pkg/tiers"
)

// Event types the service reports to the auditor.
const (
	EventTrustAdjusted    = "trust.adjusted"
	EventTrustRevoked     = "trust.revoked"
	EventTrustQuarantined = "trust.quarantined"
	EventTrustReinstated  = "trust.reinstated"
	EventTrustDelegated   = "trust.delegated"
)

// RevocationOracle is the authoritative revocation source consulted
// synchronously for critical operations, bypassing every cache. An unknown
// entity counts as revoked; only transport or storage failures are errors.
type RevocationOracle interface {
	IsRevoked(ctx context.Context, entityID string) (bool, error)
}

type storeOracle struct {
	store Store
}

func (o storeOracle) IsRevoked(ctx context.Context, entityID string) (bool, error) {
	p, err := o.store.GetProfile(ctx, entityID)
	if errors.Is(err, ErrProfileNotFound) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	return p.Status == StatusRevoked, nil
}

// AuditEvent is the minimal shape of a trust lifecycle event. The audit
// service adapts it onto its own record input.
type AuditEvent struct {
	TenantID  string
	EventType string
	Actor     string
	Target    string
	Action    string
	Outcome   string
	Details   map[string]any
}

// Auditor receives trust lifecycle events. Reporting is best-effort: a
// failing auditor never blocks the trust operation itself.
type Auditor interface {
	RecordEvent(ctx context.Context, ev AuditEvent) error
}

// Config wires a Service.
type Config struct {
	// Store is required.
	Store Store
	// Redis enables the shared profile cache and revocation fan-out.
	// Without it the cache is in-process and revocations do not propagate
	// beyond this node.
	Redis *redis.Client
	// Oracle answers synchronous revocation checks for critical
	// operations. Defaults to reading the store directly.
	Oracle RevocationOracle
	// Issuers verifies attestation signatures. Without a registry,
	// attestations are stored but never influence capability checks.
	Issuers *IssuerRegistry
	// Keyring signs escalation receipts and export manifests on behalf of
	// other services.
	Keyring *Keyring
	// Auditor receives trust lifecycle events.
	Auditor Auditor
	// RevocationChannel overrides the pub/sub channel revoked DIDs are
	// published on.
	RevocationChannel string
	Logger            *slog.Logger
}

// Service resolves profiles and answers capability questions.
type Service struct {
	store   Store
	cache   profileCache
	oracle  RevocationOracle
	breaker *gobreaker.CircuitBreaker
	issuers *IssuerRegistry
	keyring *Keyring
	auditor Auditor
	rdb     *redis.Client
	channel string
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds a Service from cfg.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("trust: Config.Store is required")
	}
	s := &Service{
		store:   cfg.Store,
		oracle:  cfg.Oracle,
		issuers: cfg.Issuers,
		keyring: cfg.Keyring,
		auditor: cfg.Auditor,
		rdb:     cfg.Redis,
		channel: cfg.RevocationChannel,
		logger:  cfg.Logger,
		now:     time.Now,
	}
	if s.oracle == nil {
		s.oracle = storeOracle{store: cfg.Store}
	}
	if s.channel == "" {
		s.channel = semantic.DefaultRevocationChannel
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "trust")
	}
	if cfg.Redis != nil {
		s.cache = &redisProfileCache{rdb: cfg.Redis}
	} else {
		s.cache = newMemoryProfileCache()
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "trust-revocation-registry",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return s, nil
}

// Keyring exposes the signing keyring, nil when none was configured.
func (s *Service) Keyring() *Keyring { return s.keyring }

// Register creates or replaces a profile, deriving the tier from the score
// and stamping the update time.
func (s *Service) Register(ctx context.Context, p *Profile) error {
	if p.EntityID == "" {
		return errors.New("trust: profile needs an entity id")
	}
	p.Score = tiers.ClampScore(p.Score)
	p.Tier = tiers.FromScore(p.Score)
	if p.Status == "" {
		p.Status = StatusActive
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.PutProfile(ctx, p); err != nil {
		return err
	}
	s.cache.evict(ctx, p.EntityID)
	return nil
}

// Resolve returns the entity's profile through the read-through cache. The
// entry lives for the tier's TTL; certified and autonomous profiles are
// always read fresh.
func (s *Service) Resolve(ctx context.Context, entityID string) (*Profile, error) {
	if p, ok := s.cache.get(ctx, entityID); ok {
		return p, nil
	}
	p, err := s.store.GetProfile(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if ttl := tiers.CacheTTL(p.Tier); ttl > 0 {
		s.cache.set(ctx, p, ttl)
	}
	return p, nil
}

// Override is a policy-scoped tier reduction: capabilities matching Pattern
// require only MinTier for entities declaring Domain (empty Domain applies
// to every entity). Overrides never clear the escalation requirement.
type Override struct {
	Pattern string
	Domain  string
	MinTier tiers.Tier
}

func (o Override) applies(p *Profile, requested string) bool {
	if o.Domain != "" && !p.HasDomain(o.Domain) {
		return false
	}
	return capability.Match(o.Pattern, requested)
}

// CapabilityDecision is the service's answer for one requested capability.
type CapabilityDecision struct {
	Granted            bool       `json:"granted"`
	Reason             string     `json:"reason,omitempty"`
	RequiresEscalation bool       `json:"requiresEscalation"`
	RequiredTier       tiers.Tier `json:"requiredTier,omitempty"`
	EntityTier         tiers.Tier `json:"entityTier,omitempty"`
}

type checkOptions struct {
	overrides []Override
	fresh     bool
}

// CheckOption adjusts one capability check.
type CheckOption func(*checkOptions)

// WithOverrides applies policy overrides to the tier gate.
func WithOverrides(ov ...Override) CheckOption {
	return func(o *checkOptions) { o.overrides = append(o.overrides, ov...) }
}

// WithFreshProfile bypasses the profile cache for this check.
func WithFreshProfile() CheckOption {
	return func(o *checkOptions) { o.fresh = true }
}

// CheckCapability decides whether entityID may exercise the requested
// capability. The gates run cheapest first: profile status, tier (with
// overrides and scope-covered attestations), explicit grant, and for
// critical operations a synchronous revocation check that bypasses every
// cache. A breaker-open or failing revocation registry fails closed.
func (s *Service) CheckCapability(ctx context.Context, entityID, requested string, opts ...CheckOption) (*CapabilityDecision, error) {
	var co checkOptions
	for _, opt := range opts {
		opt(&co)
	}
	if _, err := capability.Parse(requested); err != nil {
		return nil, err
	}

	var (
		p   *Profile
		err error
	)
	if co.fresh {
		p, err = s.store.GetProfile(ctx, entityID)
	} else {
		p, err = s.Resolve(ctx, entityID)
	}
	if err != nil {
		return nil, err
	}

	d := &CapabilityDecision{
		RequiresEscalation: capability.RequiresEscalation(requested),
		EntityTier:         p.Tier,
	}

	switch p.Status {
	case StatusRevoked:
		d.Reason = string(contracts.ReasonRevoked)
		return d, nil
	case StatusQuarantined:
		d.Reason = string(contracts.ReasonQuarantined)
		return d, nil
	}

	required := capability.MinimumTier(requested)
	for _, ov := range co.overrides {
		if !ov.applies(p, requested) {
			continue
		}
		if o := tiers.Ordinal(ov.MinTier); o >= 0 && o < tiers.Ordinal(required) {
			required = ov.MinTier
		}
	}
	d.RequiredTier = required

	if !tiers.AtLeast(p.Tier, required) && !s.attestedFor(ctx, entityID, requested, required) {
		d.Reason = string(contracts.ReasonInsufficientTrustTier)
		return d, nil
	}

	if !capability.MatchAny(p.GrantedCapabilities, requested) {
		d.Reason = string(contracts.ReasonInsufficientCap)
		return d, nil
	}

	if capability.Critical(requested) {
		revoked, err := s.syncRevocationCheck(ctx, entityID)
		if err != nil {
			s.logger.Warn("revocation registry unavailable, failing closed",
				"entity", entityID, "capability", requested, "error", err)
			d.Reason = string(contracts.ReasonRevoked)
			return d, nil
		}
		if revoked {
			s.cache.evict(ctx, entityID)
			d.Reason = string(contracts.ReasonRevoked)
			return d, nil
		}
	}

	d.Granted = true
	return d, nil
}

// attestedFor reports whether a verified, scope-covering attestation puts
// the entity at or above the required tier.
func (s *Service) attestedFor(ctx context.Context, entityID, requested string, required tiers.Tier) bool {
	if s.issuers == nil {
		return false
	}
	attested, err := s.VerifiedAttestations(ctx, entityID)
	if err != nil {
		return false
	}
	for _, a := range attested {
		if capability.Match(a.Scope, requested) && tiers.AtLeast(a.Tier, required) {
			return true
		}
	}
	return false
}

func (s *Service) syncRevocationCheck(ctx context.Context, entityID string) (bool, error) {
	out, err := s.breaker.Execute(func() (any, error) {
		return s.oracle.IsRevoked(ctx, entityID)
	})
	if err != nil {
		return true, err
	}
	return out.(bool), nil
}

// AdjustTrust applies a score delta, clamps into 0..1000, recomputes the
// tier, writes through and invalidates the cache. Returns the new score.
func (s *Service) AdjustTrust(ctx context.Context, entityID string, delta int, evidence string) (int, error) {
	p, err := s.store.GetProfile(ctx, entityID)
	if err != nil {
		return 0, err
	}
	oldScore, oldTier := p.Score, p.Tier
	p.Score = tiers.ClampScore(p.Score + delta)
	p.Tier = tiers.FromScore(p.Score)
	p.UpdatedAt = s.now().UTC()
	if err := s.store.PutProfile(ctx, p); err != nil {
		return 0, err
	}
	s.cache.evict(ctx, entityID)
	s.audit(ctx, AuditEvent{
		TenantID:  p.TenantID,
		EventType: EventTrustAdjusted,
		Target:    entityID,
		Action:    "adjust_trust",
		Outcome:   "success",
		Details: map[string]any{
			"delta":    delta,
			"oldScore": oldScore,
			"newScore": p.Score,
			"oldTier":  string(oldTier),
			"newTier":  string(p.Tier),
			"evidence": evidence,
		},
	})
	return p.Score, nil
}

// Quarantine marks an entity quarantined. Revoked entities stay revoked.
func (s *Service) Quarantine(ctx context.Context, entityID, reason string) error {
	p, err := s.store.GetProfile(ctx, entityID)
	if err != nil {
		return err
	}
	if p.Status == StatusRevoked || p.Status == StatusQuarantined {
		return nil
	}
	p.Status = StatusQuarantined
	p.UpdatedAt = s.now().UTC()
	if err := s.store.PutProfile(ctx, p); err != nil {
		return err
	}
	s.cache.evict(ctx, entityID)
	s.audit(ctx, AuditEvent{
		TenantID:  p.TenantID,
		EventType: EventTrustQuarantined,
		Target:    entityID,
		Action:    "quarantine",
		Outcome:   "success",
		Details:   map[string]any{"reason": reason},
	})
	return nil
}

// Reinstate returns a quarantined entity to active. Revoked entities cannot
// be reinstated.
func (s *Service) Reinstate(ctx context.Context, entityID string) error {
	p, err := s.store.GetProfile(ctx, entityID)
	if err != nil {
		return err
	}
	if p.Status == StatusRevoked {
		return fmt.Errorf("trust: %s is revoked and cannot be reinstated", entityID)
	}
	if p.Status == StatusActive {
		return nil
	}
	p.Status = StatusActive
	p.UpdatedAt = s.now().UTC()
	if err := s.store.PutProfile(ctx, p); err != nil {
		return err
	}
	s.cache.evict(ctx, entityID)
	s.audit(ctx, AuditEvent{
		TenantID:  p.TenantID,
		EventType: EventTrustReinstated,
		Target:    entityID,
		Action:    "reinstate",
		Outcome:   "success",
	})
	return nil
}

type revokeOptions struct {
	actor string
}

// RevokeOption adjusts one revocation.
type RevokeOption func(*revokeOptions)

// WithActor attributes the revocation in the audit trail.
func WithActor(actor string) RevokeOption {
	return func(o *revokeOptions) { o.actor = actor }
}

// Revoke marks the entity revoked and propagates: every delegation issued
// along the entity's delegation closure is invalidated, every derived token
// expired, every cache entry evicted, and the affected DIDs are published
// for credential-cache eviction elsewhere. A cycle in the delegation graph
// aborts with *CycleError before anything is mutated.
func (s *Service) Revoke(ctx context.Context, entityID, reason string, opts ...RevokeOption) (*RevocationOutcome, error) {
	var ro revokeOptions
	for _, opt := range opts {
		opt(&ro)
	}

	root, err := s.store.GetProfile(ctx, entityID)
	if err != nil {
		return nil, err
	}

	affected, err := s.delegationClosure(ctx, entityID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	outcome := &RevocationOutcome{
		EntityID:         entityID,
		Reason:           reason,
		RevokedAt:        now,
		EntitiesAffected: affected,
		SLA:              tiers.RevocationSLA(root.Tier),
	}

	// The root profile flips to revoked; descendants keep their profiles
	// but lose every delegation and token derived from the chain.
	root.Status = StatusRevoked
	root.UpdatedAt = now
	if err := s.store.PutProfile(ctx, root); err != nil {
		return nil, err
	}

	for _, id := range affected {
		n, err := s.store.RevokeDelegationsByIssuer(ctx, id, now)
		if err != nil {
			return outcome, fmt.Errorf("trust: revoke delegations for %s: %w", id, err)
		}
		outcome.DelegationsRevoked += n
		tn, err := s.store.ExpireTokensForEntity(ctx, id, now)
		if err != nil {
			return outcome, fmt.Errorf("trust: expire tokens for %s: %w", id, err)
		}
		outcome.TokensExpired += tn
		s.cache.evict(ctx, id)
	}

	if s.rdb != nil {
		if err := s.publishRevocations(ctx, affected); err != nil {
			s.logger.Warn("revocation fan-out failed", "entity", entityID, "error", err)
		} else {
			outcome.Published = true
		}
	}

	s.audit(ctx, AuditEvent{
		TenantID:  root.TenantID,
		EventType: EventTrustRevoked,
		Actor:     ro.actor,
		Target:    entityID,
		Action:    "revoke",
		Outcome:   "success",
		Details: map[string]any{
			"reason":             reason,
			"entitiesAffected":   len(affected),
			"delegationsRevoked": outcome.DelegationsRevoked,
			"tokensExpired":      outcome.TokensExpired,
			"slaSeconds":         outcome.SLA.Seconds(),
		},
	})
	return outcome, nil
}

// delegationClosure walks live delegation edges depth-first from root and
// returns the reachable entities in visit order, root first. Re-entering an
// entity already on the walk stack is a cycle.
func (s *Service) delegationClosure(ctx context.Context, root string) ([]string, error) {
	var (
		order   []string
		path    []string
		visited = make(map[string]bool)
		onPath  = make(map[string]bool)
	)
	var walk func(id string) error
	walk = func(id string) error {
		if onPath[id] {
			cycle := append(append([]string(nil), path...), id)
			return &CycleError{Path: cycle}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		onPath[id] = true
		path = append(path, id)
		order = append(order, id)
		edges, err := s.store.DelegationsByIssuer(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range edges {
			if err := walk(d.Delegate); err != nil {
				return err
			}
		}
		onPath[id] = false
		path = path[:len(path)-1]
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) publishRevocations(ctx context.Context, dids []string) error {
	pipe := s.rdb.Pipeline()
	for _, did := range dids {
		pipe.Publish(ctx, s.channel, did)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Delegate records an issuer→delegate grant. The child capability set is
// derived from the issuer's own grants; derivation never widens scope.
func (s *Service) Delegate(ctx context.Context, issuer, delegate string, requested []string, expiresAt time.Time) (*Delegation, error) {
	ip, err := s.store.GetProfile(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if ip.Status != StatusActive {
		return nil, fmt.Errorf("trust: issuer %s is %s", issuer, ip.Status)
	}
	// Identities carrying the structured identifier form must narrow along
	// the chain: a delegate may not outrank its issuer in level or tier.
	if issuerACI, err := ParseACI(issuer); err == nil {
		delegateACI, err := ParseACI(delegate)
		if err != nil {
			return nil, fmt.Errorf("trust: delegate of a structured issuer needs a structured identifier: %w", err)
		}
		if !delegateACI.CoveredBy(issuerACI) {
			return nil, fmt.Errorf("trust: delegate %s exceeds issuer authority", delegate)
		}
	}
	caps, err := capability.DeriveChild(ip.GrantedCapabilities, requested)
	if err != nil {
		return nil, err
	}
	d := &Delegation{
		ID:           uuid.NewString(),
		TenantID:     ip.TenantID,
		Issuer:       issuer,
		Delegate:     delegate,
		Capabilities: caps,
		CreatedAt:    s.now().UTC(),
		ExpiresAt:    expiresAt,
	}
	if err := s.store.PutDelegation(ctx, d); err != nil {
		return nil, err
	}
	s.audit(ctx, AuditEvent{
		TenantID:  ip.TenantID,
		EventType: EventTrustDelegated,
		Actor:     issuer,
		Target:    delegate,
		Action:    "delegate",
		Outcome:   "success",
		Details:   map[string]any{"capabilities": caps, "delegationId": d.ID},
	})
	return d, nil
}

// MintToken issues an access token under a live delegation. The token
// expires at the earlier of ttl from now and the delegation's own expiry.
func (s *Service) MintToken(ctx context.Context, delegationID string, ttl time.Duration) (*Token, error) {
	d, err := s.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !liveDelegation(d, now) {
		return nil, fmt.Errorf("trust: delegation %s is not live", delegationID)
	}
	expires := now.Add(ttl)
	if !d.ExpiresAt.IsZero() && d.ExpiresAt.Before(expires) {
		expires = d.ExpiresAt
	}
	tok := &Token{
		ID:           uuid.NewString(),
		EntityID:     d.Delegate,
		DelegationID: d.ID,
		IssuedAt:     now,
		ExpiresAt:    expires,
	}
	if err := s.store.PutToken(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// AddAttestation verifies and stores an attestation. With no issuer
// registry configured the signature is stored unverified and the
// attestation never influences capability checks.
func (s *Service) AddAttestation(ctx context.Context, a *Attestation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if s.issuers != nil {
		if err := s.issuers.VerifyAttestation(a, s.now()); err != nil {
			return err
		}
	}
	return s.store.PutAttestation(ctx, a)
}

// VerifiedAttestations returns the subject's attestations that verify and
// are live right now. Without an issuer registry nothing verifies.
func (s *Service) VerifiedAttestations(ctx context.Context, subject string) ([]Attestation, error) {
	if s.issuers == nil {
		return nil, nil
	}
	all, err := s.store.AttestationsFor(ctx, subject)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []Attestation
	for i := range all {
		if s.issuers.VerifyAttestation(&all[i], now) == nil {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Service) audit(ctx context.Context, ev AuditEvent) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.RecordEvent(ctx, ev); err != nil {
		s.logger.Warn("trust audit event dropped", "event", ev.EventType, "target", ev.Target, "error", err)
	}
}
