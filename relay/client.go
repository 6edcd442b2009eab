package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"lindachat/crypto"
)

// Dial connects to a relay peer, performs the handshake, and returns a ready Conn.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	c, err := clientHandshake(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func clientHandshake(conn net.Conn, opts HandshakeOptions) (*Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := readHandshakeFrame(conn, opts.ConnectionTimeout, TypeChallenge)
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	var challenge Challenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}

	ephemeral, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	hello, err := buildHello(opts.Identity, ephemeral.PublicKey(), challenge.Nonce, TypeHello)
	if err != nil {
		return nil, err
	}
	if err := writeJSONFrame(conn, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	payload, err = readHandshakeFrame(conn, opts.ConnectionTimeout, TypeHelloResponse)
	if err != nil {
		return nil, fmt.Errorf("read hello response: %w", err)
	}
	response, err := decodeHello(payload)
	if err != nil {
		return nil, err
	}
	if err := verifyHello(response, TypeHelloResponse, challenge.Nonce); err != nil {
		return nil, fmt.Errorf("verify hello response: %w", err)
	}
	if err := opts.trust(response.PeerID, response.IdentityKey); err != nil {
		return nil, fmt.Errorf("peer %q: %w", response.PeerID, err)
	}

	sessionKey, err := deriveSessionKey(ephemeral, response.EphemeralKey, opts.Identity.PeerID, response.PeerID, challenge.Nonce)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newConn(conn, sessionKey, opts.connectionOptions(response.PeerID, response.IdentityKey)), nil
}

// readHandshakeFrame reads one plaintext frame, surfacing remote errors.
func readHandshakeFrame(conn net.Conn, timeout time.Duration, want string) ([]byte, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return nil, err
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}
	if msgType == TypeError {
		return nil, remoteError(payload)
	}
	if msgType != want {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, want, msgType)
	}
	return payload, nil
}
