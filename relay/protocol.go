package relay

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"lindachat/crypto"
	"lindachat/graph"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeChallenge     = "challenge"
	TypeHello         = "hello"
	TypeHelloResponse = "hello_response"
	TypeUpdate        = "update"
	TypeSyncRequest   = "sync_request"
	TypeSyncDone      = "sync_done"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
	TypeError         = "error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("relay: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("relay: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("relay: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("relay: invalid message type")
)

// updateNamespace scopes update ids derived with uuid.NewSHA1.
var updateNamespace = uuid.MustParse("4f1d3c52-8a0e-4b7e-9d61-2f6a7c9e0b13")

// Identity is the local node's long-term signing identity.
type Identity struct {
	PeerID     string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Challenge is the first frame an accepting node sends. Both hellos sign
// over its nonce so a captured handshake cannot be replayed.
type Challenge struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

// Hello is the signed handshake payload sent in both directions.
type Hello struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	IdentityKey     string `json:"identity_key"`
	EphemeralKey    string `json:"ephemeral_key"`
	ChallengeNonce  string `json:"challenge_nonce"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
	Signature       string `json:"signature"`
}

// UpdateMessage carries one graph write.
type UpdateMessage struct {
	Type     string          `json:"type"`
	UpdateID string          `json:"update_id"`
	Path     string          `json:"path"`
	Value    json.RawMessage `json:"value,omitempty"`
	State    int64           `json:"state"`
	Origin   string          `json:"origin"`
	Deleted  bool            `json:"deleted,omitempty"`
}

// SyncRequest asks the peer for every update newer than Since.
type SyncRequest struct {
	Type  string `json:"type"`
	Since int64  `json:"since"`
}

// SyncDone ends a sync stream. State is the cursor the requester may resume from.
type SyncDone struct {
	Type  string `json:"type"`
	State int64  `json:"state"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// DisconnectMessage signals graceful disconnect.
type DisconnectMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// UpdateID returns the relay-wide id of a graph write. Origins stamp strictly
// increasing states, so origin, path and state identify a write everywhere.
func UpdateID(u graph.Update) string {
	name := u.Origin + "\x00" + u.Path + "\x00" + strconv.FormatInt(u.State, 10)
	return uuid.NewSHA1(updateNamespace, []byte(name)).String()
}

// NewUpdateMessage wraps u for the wire.
func NewUpdateMessage(u graph.Update) UpdateMessage {
	return UpdateMessage{
		Type:     TypeUpdate,
		UpdateID: UpdateID(u),
		Path:     u.Path,
		Value:    u.Value,
		State:    u.State,
		Origin:   u.Origin,
		Deleted:  u.Deleted,
	}
}

// GraphUpdate converts a wire update back to a graph.Update.
func (m UpdateMessage) GraphUpdate() graph.Update {
	return graph.Update{
		Path:    m.Path,
		Value:   m.Value,
		State:   m.State,
		Origin:  m.Origin,
		Deleted: m.Deleted,
	}
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(append(header, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

var frameAAD = []byte("lindachat relay frame")

func sealFrame(key, payload []byte) ([]byte, error) {
	return crypto.Seal(key, payload, frameAAD)
}

func openFrame(key, frame []byte) ([]byte, error) {
	return crypto.Open(key, frame, frameAAD)
}
