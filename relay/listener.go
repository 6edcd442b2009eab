package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"lindachat/crypto"
)

// listener accepts inbound sessions and hands each authenticated Conn to onConn.
// onConn must not block.
type listener struct {
	ln      net.Listener
	opts    HandshakeOptions
	onConn  func(*Conn)
	onError func(error)

	closing atomic.Bool
	wg      sync.WaitGroup
}

func listen(address string, opts HandshakeOptions, onConn func(*Conn), onError func(error)) (*listener, error) {
	opts = opts.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &listener{ln: ln, opts: opts, onConn: onConn, onError: onError}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting and waits for in-flight handshakes.
func (l *listener) Close() error {
	if !l.closing.CompareAndSwap(false, true) {
		return nil
	}
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *listener) run() {
	defer l.wg.Done()
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.fail(fmt.Errorf("accept: %w", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			c, err := acceptHandshake(raw, l.opts)
			if err != nil {
				_ = raw.Close()
				l.fail(err)
				return
			}
			if l.closing.Load() {
				_ = c.Close()
				return
			}
			l.onConn(c)
		}()
	}
}

func (l *listener) fail(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// acceptHandshake runs the listener side: challenge, verify hello, answer
// with a signed hello_response bound to the same nonce.
func acceptHandshake(conn net.Conn, opts HandshakeOptions) (*Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := generateChallengeNonce()
	if err != nil {
		return nil, fmt.Errorf("generate challenge nonce: %w", err)
	}
	if err := writeJSONFrame(conn, Challenge{Type: TypeChallenge, Nonce: nonce}); err != nil {
		return nil, fmt.Errorf("write challenge: %w", err)
	}

	payload, err := readHandshakeFrame(conn, opts.ConnectionTimeout, TypeHello)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, err := decodeHello(payload)
	if err != nil {
		return nil, err
	}

	refuse := func(code string, err error) error {
		_ = writeJSONFrame(conn, errorMessage(code, err.Error()))
		return fmt.Errorf("inbound peer %q: %w", hello.PeerID, err)
	}
	if err := verifyHello(hello, TypeHello, nonce); err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, refuse("version_mismatch", err)
		}
		return nil, refuse("invalid_hello", err)
	}
	if err := opts.trust(hello.PeerID, hello.IdentityKey); err != nil {
		return nil, refuse("untrusted_peer", err)
	}

	ephemeral, err := crypto.GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	sessionKey, err := deriveSessionKey(ephemeral, hello.EphemeralKey, opts.Identity.PeerID, hello.PeerID, nonce)
	if err != nil {
		return nil, err
	}
	response, err := buildHello(opts.Identity, ephemeral.PublicKey(), nonce, TypeHelloResponse)
	if err != nil {
		return nil, err
	}
	if err := writeJSONFrame(conn, response); err != nil {
		return nil, fmt.Errorf("write hello response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return newConn(conn, sessionKey, opts.connectionOptions(hello.PeerID, hello.IdentityKey)), nil
}

func writeJSONFrame(conn net.Conn, message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}
