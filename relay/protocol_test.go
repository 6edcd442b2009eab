package relay

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lindachat/graph"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"ping","timestamp":1}`)

	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	msgType, err := DecodeMessageType(got)
	require.NoError(t, err)
	assert.Equal(t, TypePing, msgType)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	_, err := DecodeMessageType([]byte(`{"since":3}`))
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}

func TestSealedFrameRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	sealed, err := sealFrame(key, []byte("hello"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hello")

	opened, err := openFrame(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(opened))

	sealed[len(sealed)-1] ^= 0x01
	_, err = openFrame(key, sealed)
	assert.Error(t, err)

	_, err = openFrame(key, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestUpdateIDIsDeterministic(t *testing.T) {
	u := graph.Update{Path: "chats/dm_1/messages/m1", Value: json.RawMessage(`{}`), State: 42, Origin: "node-a"}

	assert.Equal(t, UpdateID(u), UpdateID(u))
	assert.Equal(t, UpdateID(u), NewUpdateMessage(u).UpdateID)

	other := u
	other.State = 43
	assert.NotEqual(t, UpdateID(u), UpdateID(other))

	other = u
	other.Origin = "node-b"
	assert.NotEqual(t, UpdateID(u), UpdateID(other))

	msg := NewUpdateMessage(u)
	assert.Equal(t, TypeUpdate, msg.Type)
	assert.Equal(t, u, msg.GraphUpdate())
}
