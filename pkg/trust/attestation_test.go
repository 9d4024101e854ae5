package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/basisworks/keel/pkg/tiers"
)

func testSigner(t *testing.T) Signer {
	t.Helper()
	k, err := GenerateKeyring()
	if err != nil {
		t.Fatalf("GenerateKeyring: %v", err)
	}
	s, err := k.ForPurpose(PurposeAttestation)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}
	return s
}

func testAttestation() *Attestation {
	return &Attestation{
		ID:        "att-1",
		Subject:   "did:keel:agent-7",
		Issuer:    "did:keel:authority",
		Scope:     "pii:access/*",
		Tier:      tiers.Certified,
		IssuedAt:  time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestAttestationSignVerify(t *testing.T) {
	signer := testSigner(t)
	reg := NewIssuerRegistry()
	reg.AddKey("did:keel:authority", "k1", signer.PublicKey())

	a := testAttestation()
	if err := SignAttestation(a, signer); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	if err := reg.VerifyAttestation(a, time.Now()); err != nil {
		t.Fatalf("VerifyAttestation: %v", err)
	}

	// Any claim change invalidates the signature.
	a.Tier = tiers.Autonomous
	if err := reg.VerifyAttestation(a, time.Now()); !errors.Is(err, ErrAttestationUnverified) {
		t.Errorf("tampered attestation error = %v, want ErrAttestationUnverified", err)
	}
}

func TestAttestationExpiry(t *testing.T) {
	signer := testSigner(t)
	reg := NewIssuerRegistry()
	reg.AddKey("did:keel:authority", "k1", signer.PublicKey())

	a := testAttestation()
	if err := SignAttestation(a, signer); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	if err := reg.VerifyAttestation(a, a.ExpiresAt.Add(time.Minute)); !errors.Is(err, ErrAttestationExpired) {
		t.Errorf("expired attestation error = %v, want ErrAttestationExpired", err)
	}

	// Zero expiry means no expiry.
	a.ExpiresAt = time.Time{}
	if err := SignAttestation(a, signer); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	if err := reg.VerifyAttestation(a, time.Now().Add(100*365*24*time.Hour)); err != nil {
		t.Errorf("unexpiring attestation rejected: %v", err)
	}
}

func TestAttestationRevoked(t *testing.T) {
	signer := testSigner(t)
	reg := NewIssuerRegistry()
	reg.AddKey("did:keel:authority", "k1", signer.PublicKey())

	a := testAttestation()
	if err := SignAttestation(a, signer); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	a.Revoked = true
	if err := reg.VerifyAttestation(a, time.Now()); !errors.Is(err, ErrAttestationRevoked) {
		t.Errorf("revoked attestation error = %v, want ErrAttestationRevoked", err)
	}
}

func TestAttestationUnknownIssuer(t *testing.T) {
	signer := testSigner(t)
	reg := NewIssuerRegistry()

	a := testAttestation()
	if err := SignAttestation(a, signer); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	if err := reg.VerifyAttestation(a, time.Now()); !errors.Is(err, ErrUnknownIssuer) {
		t.Errorf("unknown issuer error = %v, want ErrUnknownIssuer", err)
	}
}

func TestAttestationWrongKey(t *testing.T) {
	signer := testSigner(t)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	reg := NewIssuerRegistry()
	reg.AddKey("did:keel:authority", "k1", otherPub)

	a := testAttestation()
	if err := SignAttestation(a, signer); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	if err := reg.VerifyAttestation(a, time.Now()); !errors.Is(err, ErrAttestationUnverified) {
		t.Errorf("wrong key error = %v, want ErrAttestationUnverified", err)
	}
}

func TestIssuerKeyRotation(t *testing.T) {
	oldSigner := testSigner(t)
	newSigner := testSigner(t)
	reg := NewIssuerRegistry()
	reg.AddKey("did:keel:authority", "k1", oldSigner.PublicKey())

	a := testAttestation()
	if err := SignAttestation(a, oldSigner); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}

	reg.RotateKey("did:keel:authority", "k1", newSigner.PublicKey())
	if err := reg.VerifyAttestation(a, time.Now()); !errors.Is(err, ErrAttestationUnverified) {
		t.Errorf("attestation under rotated-out key error = %v, want ErrAttestationUnverified", err)
	}

	fresh := testAttestation()
	fresh.ID = "att-2"
	if err := SignAttestation(fresh, newSigner); err != nil {
		t.Fatalf("SignAttestation: %v", err)
	}
	if err := reg.VerifyAttestation(fresh, time.Now()); err != nil {
		t.Errorf("attestation under rotated-in key rejected: %v", err)
	}

	reg.RevokeKey("did:keel:authority", "k1")
	if err := reg.VerifyAttestation(fresh, time.Now()); !errors.Is(err, ErrUnknownIssuer) {
		t.Errorf("attestation after key revocation error = %v, want ErrUnknownIssuer", err)
	}
}

func TestIssuerRegistryEvents(t *testing.T) {
	signer := testSigner(t)
	reg := NewIssuerRegistry()
	reg.AddKey("did:keel:authority", "k1", signer.PublicKey())
	reg.RotateKey("did:keel:authority", "k1", signer.PublicKey())
	reg.RevokeKey("did:keel:authority", "k1")

	events := reg.Events()
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	want := []IssuerEventType{IssuerKeyAdded, IssuerKeyRotated, IssuerKeyRevoked}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d].Type = %q, want %q", i, ev.Type, want[i])
		}
	}
}
