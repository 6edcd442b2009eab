package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// LoadOrCreateIdentity returns the node's signing keypair, creating both key
// files on first run. A public key file that disagrees with the private key
// is rewritten.
func LoadOrCreateIdentity(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	seed, err := readKeyFile(privatePath, identityPrivateBlock, ed25519.PrivateKeySize)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		var pub ed25519.PublicKey
		pub, seed, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate identity: %w", err)
		}
		if err := writeKeyFile(privatePath, identityPrivateBlock, seed, true); err != nil {
			return nil, nil, err
		}
		if err := writeKeyFile(publicPath, identityPublicBlock, pub, false); err != nil {
			return nil, nil, err
		}
		return ed25519.PrivateKey(seed), pub, nil
	case err != nil:
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}

	priv := ed25519.PrivateKey(seed)
	pub := priv.Public().(ed25519.PublicKey)
	stored, err := readKeyFile(publicPath, identityPublicBlock, ed25519.PublicKeySize)
	if err != nil || !bytes.Equal(stored, pub) {
		if err := writeKeyFile(publicPath, identityPublicBlock, pub, false); err != nil {
			return nil, nil, err
		}
	}
	return priv, pub, nil
}

// EncodeIdentityKey renders an Ed25519 public key as the principal id used in graph paths.
// The URL alphabet keeps '/' out of path segments.
func EncodeIdentityKey(publicKey ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodeIdentityKey parses a principal id produced by EncodeIdentityKey.
func DecodeIdentityKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode identity key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode identity key: invalid key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// KeyFingerprint is the first 16 bytes of SHA-256 over the key, hex encoded.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint uppercases a fingerprint and splits it into groups of four.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.Join(strings.Fields(fingerprint), ""))
	groups := make([]string, 0, (len(clean)+3)/4)
	for len(clean) > 4 {
		groups = append(groups, clean[:4])
		clean = clean[4:]
	}
	if clean != "" {
		groups = append(groups, clean)
	}
	return strings.Join(groups, " ")
}
