package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	// GroupKeyPrefix marks a symmetric conversation key as opposed to a peer's X25519 key.
	GroupKeyPrefix = "sym:"

	sealedPrefix   = "ct1:"
	contentKeyInfo = "lindachat content v1"
)

// ErrMalformedCiphertext is returned when a sealed payload cannot be parsed.
var ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")

// Box encrypts message content for a conversation.
//
// A key is either a peer's encoded X25519 public key, in which case the AES key
// is derived from static-static ECDH with the local private key (so both
// participants can open what either sealed), or a GroupKeyPrefix'd symmetric
// key shared through the conversation record.
type Box struct {
	private *ecdh.PrivateKey

	mu      sync.Mutex
	derived map[string][]byte
}

// NewBox returns a Box bound to the local X25519 private key.
func NewBox(private *ecdh.PrivateKey) *Box {
	return &Box{
		private: private,
		derived: make(map[string][]byte),
	}
}

// PublicKey returns the encoded X25519 public key peers should seal to.
func (b *Box) PublicKey() string {
	return EncodeX25519PublicKey(b.private.PublicKey())
}

// Encrypt seals plaintext under key and returns a printable ciphertext.
func (b *Box) Encrypt(plaintext, key string) (string, error) {
	aesKey, err := b.resolveKey(key)
	if err != nil {
		return "", err
	}

	sealed, err := Seal(aesKey, []byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a payload produced by Encrypt with the same key.
func (b *Box) Decrypt(ciphertext, key string) (string, error) {
	if !strings.HasPrefix(ciphertext, sealedPrefix) {
		return "", ErrMalformedCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	aesKey, err := b.resolveKey(key)
	if err != nil {
		return "", err
	}

	plaintext, err := Open(aesKey, raw, nil)
	if errors.Is(err, ErrSealedTooShort) {
		return "", ErrMalformedCiphertext
	}
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateGroupKey returns a fresh symmetric conversation key.
func (b *Box) GenerateGroupKey() (string, error) {
	key := make([]byte, aes256KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate group key: %w", err)
	}
	return GroupKeyPrefix + base64.StdEncoding.EncodeToString(key), nil
}

func (b *Box) resolveKey(key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("encryption key is required")
	}

	if strings.HasPrefix(key, GroupKeyPrefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(key, GroupKeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("decode group key: %w", err)
		}
		if len(raw) != aes256KeySize {
			return nil, fmt.Errorf("invalid group key length: got %d want %d", len(raw), aes256KeySize)
		}
		return raw, nil
	}

	b.mu.Lock()
	cached, ok := b.derived[key]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	peerPublic, err := ParseX25519PublicKey(key)
	if err != nil {
		return nil, err
	}
	shared, err := ComputeX25519SharedSecret(b.private, peerPublic)
	if err != nil {
		return nil, err
	}
	derived, err := deriveKey(shared, nil, contentKeyInfo)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.derived[key] = derived
	b.mu.Unlock()

	return derived, nil
}
