package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("relay: pong timeout")

// ConnectionState represents the lifecycle state of one relay connection.
type ConnectionState string

const (
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

type connectionOptions struct {
	localPeerID       string
	peerID            string
	identityKey       string
	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration
}

// Conn is an authenticated relay session. Every frame after the handshake is
// sealed with the negotiated session key.
type Conn struct {
	conn       net.Conn
	sessionKey []byte

	localPeerID string
	peerID      string
	identityKey string

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(conn net.Conn, sessionKey []byte, options connectionOptions) *Conn {
	c := &Conn{
		conn:              conn,
		sessionKey:        append([]byte(nil), sessionKey...),
		localPeerID:       options.localPeerID,
		peerID:            options.peerID,
		identityKey:       options.identityKey,
		keepAliveInterval: options.keepAliveInterval,
		keepAliveTimeout:  options.keepAliveTimeout,
		frameReadTimeout:  options.frameReadTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
		state:             StateReady,
	}

	c.touchActivity()
	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

// PeerID returns the authenticated peer id.
func (c *Conn) PeerID() string { return c.peerID }

// IdentityKey returns the peer's encoded Ed25519 identity key.
func (c *Conn) IdentityKey() string { return c.identityKey }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Send marshals a protocol message and writes it as one sealed frame.
func (c *Conn) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.sendRaw(payload)
}

func (c *Conn) sendRaw(payload []byte) error {
	if c.State() == StateDisconnected {
		if err := c.Err(); err != nil {
			return err
		}
		return io.EOF
	}

	sealed, err := sealFrame(c.sessionKey, payload)
	if err != nil {
		return fmt.Errorf("seal frame: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteFrame(c.conn, sealed); err != nil {
		c.closeWithError(err)
		return err
	}
	c.touchActivity()
	return nil
}

// Receive waits for the next non-keepalive inbound message.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect notifies the peer and closes the connection.
func (c *Conn) Disconnect() error {
	c.setState(StateDisconnecting)
	_ = c.Send(DisconnectMessage{Type: TypeDisconnect, Timestamp: time.Now().UnixMilli()})
	return c.Close()
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(c.conn, c.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(frame) == 0 {
			continue
		}

		payload, err := openFrame(c.sessionKey, frame)
		if err != nil {
			c.closeWithError(fmt.Errorf("open frame: %w", err))
			return
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			c.closeWithError(err)
			return
		}

		switch msgType {
		case TypePing:
			c.setState(StateIdle)
			_ = c.Send(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			c.ackPong()
			c.setState(StateIdle)
		case TypeDisconnect:
			c.setState(StateDisconnecting)
			c.closeWithError(nil)
			return
		default:
			c.setState(StateReady)
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Conn) keepAliveLoop() {
	checkEvery := c.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.waitingPongExpired() {
				c.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idleFor < c.keepAliveInterval || c.isWaitingPong() {
				continue
			}

			if err := c.Send(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
			c.setWaitingPong(time.Now().Add(c.keepAliveTimeout))
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = state
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) setWaitingPong(deadline time.Time) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = true
	c.pongDeadline = deadline
}

func (c *Conn) ackPong() {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waitingPong = false
	c.pongDeadline = time.Time{}
}

func (c *Conn) isWaitingPong() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong
}

func (c *Conn) waitingPongExpired() bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitingPong && time.Now().After(c.pongDeadline)
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
