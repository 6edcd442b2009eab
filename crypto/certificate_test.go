package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func TestCertificateGrantsMatchingWrites(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}
	owner := EncodeIdentityKey(publicKey)

	raw, err := IssueCertificate(privateKey, []string{AnyGrantee}, "friend_requests/*", 0)
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}

	if err := VerifyCertificate(raw, owner, "someone", "friend_requests/someone", time.Now()); err != nil {
		t.Fatalf("expected certificate to grant write: %v", err)
	}
	if err := VerifyCertificate(raw, owner, "someone", "blocked_users/someone", time.Now()); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("expected path outside pattern to be rejected, got %v", err)
	}
	if err := VerifyCertificate(raw, "another-owner", "someone", "friend_requests/someone", time.Now()); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("expected foreign namespace to be rejected, got %v", err)
	}
}

func TestCertificateGranteeAndExpiry(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}
	owner := EncodeIdentityKey(publicKey)

	expires := time.Now().Add(time.Hour).UnixMilli()
	raw, err := IssueCertificate(privateKey, []string{"bob"}, "friends/*", expires)
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}

	if err := VerifyCertificate(raw, owner, "bob", "friends/bob", time.Now()); err != nil {
		t.Fatalf("expected bob to be granted: %v", err)
	}
	if err := VerifyCertificate(raw, owner, "mallory", "friends/mallory", time.Now()); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("expected non-grantee rejection, got %v", err)
	}
	if err := VerifyCertificate(raw, owner, "bob", "friends/bob", time.Now().Add(2*time.Hour)); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("expected expired certificate rejection, got %v", err)
	}
}

func TestCertificateTamperingRejected(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}
	owner := EncodeIdentityKey(publicKey)

	raw, err := IssueCertificate(privateKey, []string{"bob"}, "friends/*", 0)
	if err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}
	cert, err := ParseCertificate(raw)
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	forged := `{"issuer":"` + cert.Issuer + `","grantees":["*"],"pattern":"friends/*","sig":"` + cert.Signature + `"}`

	if err := VerifyCertificate(forged, owner, "mallory", "friends/mallory", time.Now()); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("expected forged grantee list to be rejected, got %v", err)
	}
	if _, err := ParseCertificate("{not json"); !errors.Is(err, ErrInvalidCertificate) {
		t.Fatalf("expected parse error to wrap ErrInvalidCertificate, got %v", err)
	}
}
