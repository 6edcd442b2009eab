package relay

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lindachat/crypto"
)

const challengeNonceSize = 32

var (
	// ErrKeyChanged indicates a known peer presented a different identity key.
	ErrKeyChanged = errors.New("relay: peer identity key changed")
	// ErrPeerBlocked indicates the peer is blocked locally.
	ErrPeerBlocked = errors.New("relay: peer blocked")
)

// TrustFunc decides whether an authenticated peer may connect.
type TrustFunc func(peerID, identityKey string) error

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity  Identity
	TrustPeer TrustFunc

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.PeerID == "" {
		return errors.New("local peer ID is required")
	}
	if len(o.Identity.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is invalid")
	}
	if len(o.Identity.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is invalid")
	}
	return nil
}

func (o HandshakeOptions) trust(peerID, identityKey string) error {
	if peerID == o.Identity.PeerID {
		return errors.New("refusing connection to self")
	}
	if o.TrustPeer == nil {
		return nil
	}
	return o.TrustPeer(peerID, identityKey)
}

func (o HandshakeOptions) connectionOptions(peerID, identityKey string) connectionOptions {
	return connectionOptions{
		localPeerID:       o.Identity.PeerID,
		peerID:            peerID,
		identityKey:       identityKey,
		keepAliveInterval: o.KeepAliveInterval,
		keepAliveTimeout:  o.KeepAliveTimeout,
		frameReadTimeout:  o.FrameReadTimeout,
	}
}

func buildHello(identity Identity, ephemeral *ecdh.PublicKey, nonce, msgType string) (Hello, error) {
	msg := Hello{
		Type:            msgType,
		PeerID:          identity.PeerID,
		IdentityKey:     crypto.EncodeIdentityKey(identity.PublicKey),
		EphemeralKey:    crypto.EncodeX25519PublicKey(ephemeral),
		ChallengeNonce:  nonce,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}

	signable, err := helloSigningBytes(msg)
	if err != nil {
		return Hello{}, err
	}
	msg.Signature, err = crypto.SignDetached(identity.PrivateKey, signable)
	if err != nil {
		return Hello{}, fmt.Errorf("sign hello: %w", err)
	}
	return msg, nil
}

// verifyHello checks version, nonce binding and signature of a hello.
func verifyHello(msg Hello, wantType, nonce string) error {
	if msg.Type != wantType {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, wantType, msg.Type)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return ErrUnsupportedVersion
	}
	if msg.PeerID == "" {
		return errors.New("hello peer ID is required")
	}
	if msg.ChallengeNonce != nonce {
		return errors.New("hello challenge nonce mismatch")
	}

	signable, err := helloSigningBytes(msg)
	if err != nil {
		return err
	}
	if err := crypto.VerifyDetached(msg.IdentityKey, signable, msg.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func helloSigningBytes(msg Hello) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}

func decodeHello(payload []byte) (Hello, error) {
	var msg Hello
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return msg, nil
}

func deriveSessionKey(local *ecdh.PrivateKey, peerEphemeral, localPeerID, remotePeerID, nonce string) ([]byte, error) {
	peerPublic, err := crypto.ParseX25519PublicKey(peerEphemeral)
	if err != nil {
		return nil, err
	}
	shared, err := crypto.ComputeX25519SharedSecret(local, peerPublic)
	if err != nil {
		return nil, err
	}
	rawNonce, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("decode challenge nonce: %w", err)
	}
	if len(rawNonce) != challengeNonceSize {
		return nil, fmt.Errorf("invalid challenge nonce length: got %d want %d", len(rawNonce), challengeNonceSize)
	}
	return crypto.DeriveSessionKeyWithContext(shared, localPeerID, remotePeerID, rawNonce)
}

func generateChallengeNonce() (string, error) {
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

func remoteError(payload []byte) error {
	var msg ErrorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode remote error response: %w", err)
	}
	return fmt.Errorf("remote error [%s]: %s", msg.Code, msg.Message)
}

func errorMessage(code, message string) ErrorMessage {
	msg := ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	if code == "version_mismatch" {
		msg.SupportedVersions = []int{ProtocolVersion}
	}
	return msg
}
