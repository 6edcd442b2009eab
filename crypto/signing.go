package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a detached signature does not verify.
var ErrBadSignature = errors.New("crypto: bad signature")

// SignDetached signs payload and returns the base64 signature carried next to it.
func SignDetached(privateKey ed25519.PrivateKey, payload []byte) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload)), nil
}

// VerifyDetached checks a SignDetached signature against an encoded identity key.
func VerifyDetached(identityKey string, payload []byte, signature string) error {
	publicKey, err := DecodeIdentityKey(identityKey)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed encoding", ErrBadSignature)
	}
	if !ed25519.Verify(publicKey, payload, raw) {
		return ErrBadSignature
	}
	return nil
}
