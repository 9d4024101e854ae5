package trust

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels for derived signing keys. Each purpose gets its own
// ed25519 key so a leaked receipt key cannot forge export manifests.
const (
	PurposeEscalation  = "escalation-receipt"
	PurposeExport      = "audit-export"
	PurposeAttestation = "attestation"
)

// kdfSalt domain-separates this keyring from any other HKDF use of the
// same master seed.
var kdfSalt = []byte("keel-purpose-kdf")

// Signer signs payloads with one purpose-scoped key.
type Signer interface {
	Sign(payload []byte) []byte
	PublicKey() ed25519.PublicKey
}

// Keyring derives per-purpose ed25519 keys from a single master seed with
// HKDF-SHA256. Derivation is deterministic: the same seed and purpose
// always yield the same key, so verifiers can pin public keys.
type Keyring struct {
	mu      sync.Mutex
	seed    []byte
	derived map[string]ed25519.PrivateKey
}

// NewKeyring wraps a 32-byte master seed.
func NewKeyring(seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("trust: master seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Keyring{
		seed:    append([]byte(nil), seed...),
		derived: make(map[string]ed25519.PrivateKey),
	}, nil
}

// GenerateKeyring creates a keyring from a fresh random seed, for tests and
// single-node bootstrap.
func GenerateKeyring() (*Keyring, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("trust: generate master seed: %w", err)
	}
	return NewKeyring(seed)
}

// LoadKeyring reads the master seed from a file; deployments name it via
// KEEL_SIGNING_KEY_PATH. The file holds either 32 raw bytes or their hex
// encoding.
func LoadKeyring(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read signing key: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == hex.EncodedLen(ed25519.SeedSize) {
		decoded := make([]byte, ed25519.SeedSize)
		if _, err := hex.Decode(decoded, raw); err == nil {
			raw = decoded
		}
	}
	return NewKeyring(raw)
}

// ForPurpose returns the signer for one purpose label, deriving the key on
// first use.
func (k *Keyring) ForPurpose(purpose string) (Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	priv, ok := k.derived[purpose]
	if !ok {
		r := hkdf.New(sha256.New, k.seed, kdfSalt, []byte(purpose))
		seed := make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, fmt.Errorf("trust: derive %q key: %w", purpose, err)
		}
		priv = ed25519.NewKeyFromSeed(seed)
		k.derived[purpose] = priv
	}
	return purposeSigner{priv: priv}, nil
}

type purposeSigner struct {
	priv ed25519.PrivateKey
}

func (s purposeSigner) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

func (s purposeSigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}
