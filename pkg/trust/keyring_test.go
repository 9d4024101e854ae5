package trust

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyringDeterministicDerivation(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	k1, err := NewKeyring(seed)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	k2, err := NewKeyring(seed)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	s1, err := k1.ForPurpose(PurposeEscalation)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}
	s2, err := k2.ForPurpose(PurposeEscalation)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}
	if !s1.PublicKey().Equal(s2.PublicKey()) {
		t.Error("same seed and purpose derived different keys")
	}

	again, err := k1.ForPurpose(PurposeEscalation)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}
	if !again.PublicKey().Equal(s1.PublicKey()) {
		t.Error("repeated derivation changed the key")
	}

	export, err := k1.ForPurpose(PurposeExport)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}
	if export.PublicKey().Equal(s1.PublicKey()) {
		t.Error("different purposes derived the same key")
	}
}

func TestKeyringSignVerify(t *testing.T) {
	k, err := GenerateKeyring()
	if err != nil {
		t.Fatalf("GenerateKeyring: %v", err)
	}
	signer, err := k.ForPurpose(PurposeAttestation)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}
	msg := []byte("export manifest head")
	sig := signer.Sign(msg)
	if !ed25519.Verify(signer.PublicKey(), msg, sig) {
		t.Error("signature did not verify")
	}
	if ed25519.Verify(signer.PublicKey(), []byte("tampered"), sig) {
		t.Error("signature verified over altered payload")
	}
}

func TestNewKeyringRejectsBadSeed(t *testing.T) {
	if _, err := NewKeyring(make([]byte, 16)); err == nil {
		t.Error("short seed accepted")
	}
}

func TestLoadKeyring(t *testing.T) {
	seed := bytes.Repeat([]byte{0xA5}, ed25519.SeedSize)
	want, err := NewKeyring(seed)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	wantSigner, err := want.ForPurpose(PurposeExport)
	if err != nil {
		t.Fatalf("ForPurpose: %v", err)
	}

	dir := t.TempDir()
	cases := map[string][]byte{
		"hex": []byte(hex.EncodeToString(seed) + "\n"),
		"raw": seed,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".key")
			if err := os.WriteFile(path, content, 0o600); err != nil {
				t.Fatalf("write key file: %v", err)
			}
			k, err := LoadKeyring(path)
			if err != nil {
				t.Fatalf("LoadKeyring: %v", err)
			}
			signer, err := k.ForPurpose(PurposeExport)
			if err != nil {
				t.Fatalf("ForPurpose: %v", err)
			}
			if !signer.PublicKey().Equal(wantSigner.PublicKey()) {
				t.Error("loaded keyring derived a different key")
			}
		})
	}

	if _, err := LoadKeyring(filepath.Join(dir, "missing.key")); err == nil {
		t.Error("missing key file accepted")
	}
}
