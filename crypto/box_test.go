package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestBoxDirectKeyOpensOnBothSides(t *testing.T) {
	alicePrivate, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	bobPrivate, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate bob key: %v", err)
	}
	alice := NewBox(alicePrivate)
	bob := NewBox(bobPrivate)

	sealed, err := alice.Encrypt("hello bob", bob.PublicKey())
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		t.Fatalf("unexpected sealed format %q", sealed)
	}

	opened, err := bob.Decrypt(sealed, alice.PublicKey())
	if err != nil {
		t.Fatalf("bob Decrypt failed: %v", err)
	}
	if opened != "hello bob" {
		t.Fatalf("unexpected plaintext %q", opened)
	}

	own, err := alice.Decrypt(sealed, bob.PublicKey())
	if err != nil {
		t.Fatalf("alice Decrypt of own message failed: %v", err)
	}
	if own != "hello bob" {
		t.Fatalf("unexpected own plaintext %q", own)
	}
}

func TestBoxGroupKeyRoundTrip(t *testing.T) {
	private, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box := NewBox(private)

	groupKey, err := box.GenerateGroupKey()
	if err != nil {
		t.Fatalf("GenerateGroupKey failed: %v", err)
	}
	if !strings.HasPrefix(groupKey, GroupKeyPrefix) {
		t.Fatalf("group key missing prefix: %q", groupKey)
	}

	other, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	member := NewBox(other)

	sealed, err := box.Encrypt("to the group", groupKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	opened, err := member.Decrypt(sealed, groupKey)
	if err != nil {
		t.Fatalf("member Decrypt failed: %v", err)
	}
	if opened != "to the group" {
		t.Fatalf("unexpected plaintext %q", opened)
	}
}

func TestBoxRejectsBadInput(t *testing.T) {
	private, err := GenerateX25519PrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box := NewBox(private)

	if _, err := box.Encrypt("x", ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := box.Encrypt("x", "not-a-key"); err == nil {
		t.Fatalf("expected error for garbage key")
	}
	if _, err := box.Decrypt("plain text", box.PublicKey()); !errors.Is(err, ErrMalformedCiphertext) {
		t.Fatalf("expected ErrMalformedCiphertext, got %v", err)
	}

	sealed, err := box.Encrypt("secret", box.PublicKey())
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	otherKey, err := box.GenerateGroupKey()
	if err != nil {
		t.Fatalf("GenerateGroupKey failed: %v", err)
	}
	if _, err := box.Decrypt(sealed, otherKey); err == nil {
		t.Fatalf("expected decrypt with wrong key to fail")
	}
}
