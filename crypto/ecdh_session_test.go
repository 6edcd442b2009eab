package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func exchange(t *testing.T) (aliceShared, bobShared []byte) {
	t.Helper()
	alice, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("alice key: %v", err)
	}
	bob, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("bob key: %v", err)
	}

	// Bob only ever sees alice's key as it travels on the wire.
	alicePub, err := ParseX25519PublicKey(EncodeX25519PublicKey(alice.PublicKey()))
	if err != nil {
		t.Fatalf("parse alice key: %v", err)
	}
	if aliceShared, err = ComputeX25519SharedSecret(alice, bob.PublicKey()); err != nil {
		t.Fatalf("alice ECDH: %v", err)
	}
	if bobShared, err = ComputeX25519SharedSecret(bob, alicePub); err != nil {
		t.Fatalf("bob ECDH: %v", err)
	}
	return aliceShared, bobShared
}

func TestRelaySessionKeyAgreement(t *testing.T) {
	aliceShared, bobShared := exchange(t)
	nonce := []byte("challenge-nonce")

	aliceKey, err := DeriveSessionKeyWithContext(aliceShared, "peer-a", "peer-b", nonce)
	if err != nil {
		t.Fatalf("alice derive: %v", err)
	}
	bobKey, err := DeriveSessionKeyWithContext(bobShared, "peer-b", "peer-a", nonce)
	if err != nil {
		t.Fatalf("bob derive: %v", err)
	}
	if len(aliceKey) != aes256KeySize || !bytes.Equal(aliceKey, bobKey) {
		t.Fatalf("peers derived different session keys")
	}

	other, err := DeriveSessionKeyWithContext(aliceShared, "peer-a", "peer-b", []byte("another-nonce"))
	if err != nil {
		t.Fatalf("derive with other nonce: %v", err)
	}
	if bytes.Equal(other, aliceKey) {
		t.Fatalf("session key ignores the challenge nonce")
	}

	plain, err := DeriveSessionKey(aliceShared, "peer-a", "peer-b")
	if err != nil {
		t.Fatalf("derive without context: %v", err)
	}
	if bytes.Equal(plain, aliceKey) {
		t.Fatalf("context-free key collides with nonce-bound key")
	}
	if _, err := DeriveSessionKey(nil, "a", "b"); err == nil {
		t.Fatalf("expected error for empty shared secret")
	}
}

func TestParseX25519PublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParseX25519PublicKey("!!"); err == nil {
		t.Fatalf("expected error for invalid encoding")
	}
	if _, err := ParseX25519PublicKey("AAAA"); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestLoadOrCreateX25519KeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x25519.pem")
	first, err := LoadOrCreateX25519Key(path)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	second, err := LoadOrCreateX25519Key(path)
	if err != nil {
		t.Fatalf("reload key: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("X25519 key changed across loads")
	}
}
