package trust

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basisworks/keel/pkg/canonicalize"
)

var (
	ErrAttestationExpired    = errors.New("trust: attestation expired")
	ErrAttestationRevoked    = errors.New("trust: attestation revoked")
	ErrAttestationUnverified = errors.New("trust: attestation signature unverified")
	ErrUnknownIssuer         = errors.New("trust: issuer has no registered keys")
)

// IssuerEventType marks one mutation of the issuer key set.
type IssuerEventType string

const (
	IssuerKeyAdded   IssuerEventType = "ISSUER_KEY_ADDED"
	IssuerKeyRevoked IssuerEventType = "ISSUER_KEY_REVOKED"
	IssuerKeyRotated IssuerEventType = "ISSUER_KEY_ROTATED"
)

// IssuerEvent is one append-only entry in the issuer key log.
type IssuerEvent struct {
	Type      IssuerEventType
	Issuer    string
	KeyID     string
	PublicKey ed25519.PublicKey
	At        time.Time
}

// IssuerRegistry holds the public keys attestation issuers sign with. Key
// changes append to an event log; the materialized view answers lookups.
// Safe for concurrent use.
type IssuerRegistry struct {
	mu     sync.RWMutex
	events []IssuerEvent
	view   map[string]map[string]ed25519.PublicKey // issuer -> keyID -> key
}

// NewIssuerRegistry returns an empty registry.
func NewIssuerRegistry() *IssuerRegistry {
	return &IssuerRegistry{view: make(map[string]map[string]ed25519.PublicKey)}
}

// AddKey registers a verification key for an issuer.
func (r *IssuerRegistry) AddKey(issuer, keyID string, pub ed25519.PublicKey) {
	r.apply(IssuerEvent{Type: IssuerKeyAdded, Issuer: issuer, KeyID: keyID, PublicKey: pub, At: time.Now().UTC()})
}

// RevokeKey removes one of an issuer's keys. Attestations signed with it
// stop verifying.
func (r *IssuerRegistry) RevokeKey(issuer, keyID string) {
	r.apply(IssuerEvent{Type: IssuerKeyRevoked, Issuer: issuer, KeyID: keyID, At: time.Now().UTC()})
}

// RotateKey replaces the key under keyID.
func (r *IssuerRegistry) RotateKey(issuer, keyID string, pub ed25519.PublicKey) {
	r.apply(IssuerEvent{Type: IssuerKeyRotated, Issuer: issuer, KeyID: keyID, PublicKey: pub, At: time.Now().UTC()})
}

func (r *IssuerRegistry) apply(ev IssuerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	keys, ok := r.view[ev.Issuer]
	if !ok {
		keys = make(map[string]ed25519.PublicKey)
		r.view[ev.Issuer] = keys
	}
	switch ev.Type {
	case IssuerKeyAdded, IssuerKeyRotated:
		keys[ev.KeyID] = append(ed25519.PublicKey(nil), ev.PublicKey...)
	case IssuerKeyRevoked:
		delete(keys, ev.KeyID)
	}
}

// KeysFor returns the live verification keys for an issuer.
func (r *IssuerRegistry) KeysFor(issuer string) []ed25519.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.view[issuer]
	out := make([]ed25519.PublicKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	return out
}

// Events returns a copy of the event log, oldest first.
func (r *IssuerRegistry) Events() []IssuerEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]IssuerEvent(nil), r.events...)
}

// attestationPayload is the byte string attestation signatures cover:
// canonical JSON over the claim fields, excluding evidence and the
// signature itself. Timestamps are second-precision UTC so the payload
// survives round-trips through stores that truncate.
func attestationPayload(a *Attestation) ([]byte, error) {
	doc := map[string]any{
		"id":        a.ID,
		"subject":   a.Subject,
		"issuer":    a.Issuer,
		"scope":     a.Scope,
		"tier":      string(a.Tier),
		"issuedAt":  a.IssuedAt.UTC().Format(time.RFC3339),
		"expiresAt": a.ExpiresAt.UTC().Format(time.RFC3339),
	}
	return canonicalize.JCS(doc)
}

// SignAttestation stamps a with signer's signature over the canonical
// payload. The attestation must carry its final claim fields first.
func SignAttestation(a *Attestation, signer Signer) error {
	payload, err := attestationPayload(a)
	if err != nil {
		return fmt.Errorf("trust: attestation payload: %w", err)
	}
	a.Signature = signer.Sign(payload)
	return nil
}

// VerifyAttestation checks revocation, expiry at now, and the ed25519
// signature against every live key the issuer holds.
func (r *IssuerRegistry) VerifyAttestation(a *Attestation, now time.Time) error {
	if a.Revoked {
		return ErrAttestationRevoked
	}
	if !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
		return ErrAttestationExpired
	}
	keys := r.KeysFor(a.Issuer)
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownIssuer, a.Issuer)
	}
	payload, err := attestationPayload(a)
	if err != nil {
		return fmt.Errorf("trust: attestation payload: %w", err)
	}
	for _, key := range keys {
		if ed25519.Verify(key, payload, a.Signature) {
			return nil
		}
	}
	return fmt.Errorf("%w: issuer %s", ErrAttestationUnverified, a.Issuer)
}
