package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "lindachat relay v1"

var x25519Curve = ecdh.X25519()

// LoadOrCreateX25519Key returns the node's static X25519 key, creating it on first run.
func LoadOrCreateX25519Key(path string) (*ecdh.PrivateKey, error) {
	raw, err := readKeyFile(path, x25519PrivateBlock, 32)
	if err == nil {
		key, err := x25519Curve.NewPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse X25519 private key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load X25519 key: %w", err)
	}

	key, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	if err := writeKeyFile(path, x25519PrivateBlock, key.Bytes(), true); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

// ComputeX25519SharedSecret runs X25519 between a local private and a peer public key.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("x25519 keys are required")
	}
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// EncodeX25519PublicKey encodes a public key for use in graph records and paths.
func EncodeX25519PublicKey(publicKey *ecdh.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(publicKey.Bytes())
}

// ParseX25519PublicKey decodes a key produced by EncodeX25519PublicKey.
func ParseX25519PublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode X25519 public key: %w", err)
	}
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// DeriveSessionKey derives a 32-byte AES key shared by two peers.
// Argument order of the peer ids does not matter.
func DeriveSessionKey(sharedSecret []byte, localID, peerID string) ([]byte, error) {
	return DeriveSessionKeyWithContext(sharedSecret, localID, peerID, nil)
}

// DeriveSessionKeyWithContext is DeriveSessionKey with extra salt material.
func DeriveSessionKeyWithContext(sharedSecret []byte, localID, peerID string, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is required")
	}
	ids := []string{localID, peerID}
	sort.Strings(ids)

	salt := make([]byte, 0, len(ids[0])+len(ids[1])+len(context)+1)
	salt = append(salt, ids[0]...)
	salt = append(salt, '|')
	salt = append(salt, ids[1]...)
	salt = append(salt, context...)

	return deriveKey(sharedSecret, salt, sessionKeyInfo)
}

func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
