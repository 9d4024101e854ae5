package trust

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists profiles, attestations, the delegation graph and derived
// tokens. DelegationsByIssuer returns only live edges: not revoked and not
// past their expiry.
type Store interface {
	GetProfile(ctx context.Context, entityID string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
	ListProfiles(ctx context.Context, tenantID string) ([]Profile, error)

	PutAttestation(ctx context.Context, a *Attestation) error
	AttestationsFor(ctx context.Context, subject string) ([]Attestation, error)
	RevokeAttestation(ctx context.Context, id string) error

	PutDelegation(ctx context.Context, d *Delegation) error
	GetDelegation(ctx context.Context, id string) (*Delegation, error)
	DelegationsByIssuer(ctx context.Context, issuer string) ([]Delegation, error)
	RevokeDelegationsByIssuer(ctx context.Context, issuer string, at time.Time) (int, error)

	PutToken(ctx context.Context, tok *Token) error
	ExpireTokensForEntity(ctx context.Context, entityID string, at time.Time) (int, error)
}

// MemoryStore is an in-process Store for tests and single-node bootstrap.
type MemoryStore struct {
	mu           sync.RWMutex
	profiles     map[string]*Profile
	attestations map[string]*Attestation
	delegations  map[string]*Delegation
	tokens       map[string]*Token
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:     make(map[string]*Profile),
		attestations: make(map[string]*Attestation),
		delegations:  make(map[string]*Delegation),
		tokens:       make(map[string]*Token),
	}
}

func (s *MemoryStore) GetProfile(_ context.Context, entityID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[entityID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.EntityID] = p.clone()
	return nil
}

func (s *MemoryStore) ListProfiles(_ context.Context, tenantID string) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Profile
	for _, p := range s.profiles {
		if p.TenantID == tenantID {
			out = append(out, *p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (s *MemoryStore) PutAttestation(_ context.Context, a *Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attestations[a.ID] = &cp
	return nil
}

func (s *MemoryStore) AttestationsFor(_ context.Context, subject string) ([]Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Attestation
	for _, a := range s.attestations {
		if a.Subject == subject {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RevokeAttestation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attestations[id]
	if !ok {
		return ErrAttestationNotFound
	}
	a.Revoked = true
	return nil
}

func (s *MemoryStore) PutDelegation(_ context.Context, d *Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.Capabilities = append([]string(nil), d.Capabilities...)
	s.delegations[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDelegation(_ context.Context, id string) (*Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, ErrDelegationNotFound
	}
	cp := *d
	cp.Capabilities = append([]string(nil), d.Capabilities...)
	return &cp, nil
}

func (s *MemoryStore) DelegationsByIssuer(_ context.Context, issuer string) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []Delegation
	for _, d := range s.delegations {
		if d.Issuer != issuer || !liveDelegation(d, now) {
			continue
		}
		cp := *d
		cp.Capabilities = append([]string(nil), d.Capabilities...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) RevokeDelegationsByIssuer(_ context.Context, issuer string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.delegations {
		if d.Issuer == issuer && liveDelegation(d, at) {
			d.Revoked = true
			d.RevokedAt = at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PutToken(_ context.Context, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *MemoryStore) ExpireTokensForEntity(_ context.Context, entityID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tok := range s.tokens {
		if tok.EntityID == entityID && tok.ExpiresAt.After(at) {
			tok.ExpiresAt = at
			n++
		}
	}
	return n, nil
}

func liveDelegation(d *Delegation, now time.Time) bool {
	if d.Revoked {
		return false
	}
	return d.ExpiresAt.IsZero() || d.ExpiresAt.After(now)
}
