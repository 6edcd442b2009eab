package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lindachat/chat"
	"lindachat/crypto"
	"lindachat/discovery"
	"lindachat/graph"
	"lindachat/metrics"
	"lindachat/models"
	"lindachat/relay"
	"lindachat/storage"
)

type testNode struct {
	graph *graph.Local
}

type testUser struct {
	id     chat.Identity
	client *chat.Client
	router http.Handler
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	g, err := graph.NewLocal(store, graph.Options{
		Origin: "api-test",
		VerifyCertificate: func(cert, owner, writer, rel string) error {
			return crypto.VerifyCertificate(cert, owner, writer, rel, time.Now())
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = g.Close()
		_ = store.Close()
	})
	return &testNode{graph: g}
}

func (n *testNode) newUser(t *testing.T, alias string, mutate ...func(*Options)) *testUser {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	xkey, err := crypto.GenerateX25519PrivateKey()
	require.NoError(t, err)
	box := crypto.NewBox(xkey)
	id := chat.Identity{Pub: crypto.EncodeIdentityKey(publicKey), EPub: box.PublicKey(), Alias: alias}

	client, err := chat.New(chat.Options{
		Graph:     n.graph.As(id.Pub),
		Cipher:    box,
		Certifier: crypto.NewCertifier(privateKey),
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.Login(context.Background(), id))
	n.graph.Flush()

	opts := Options{Client: client, Gatherer: prometheus.NewRegistry()}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &testUser{id: id, client: client, router: NewRouter(opts)}
}

func (u *testUser) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	u.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndIdentity(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")

	rec := alice.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = alice.do(t, http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[chat.Identity](t, rec)
	assert.Equal(t, alice.id, me)

	rec = alice.do(t, http.MethodGet, "/profiles/"+alice.id.Pub, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decodeBody[models.Profile](t, rec).Alias)
}

func TestLoggedOutRequestsAreUnauthorized(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")
	alice.client.Logout()

	rec := alice.do(t, http.MethodGet, "/me", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, chat.ReasonAuthenticationRequired, decodeBody[errorResponse](t, rec).Code)
}

func TestGroupConversationLifecycle(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")
	bob := node.newUser(t, "bob")

	rec := alice.do(t, http.MethodPost, "/conversations", createConversationRequest{Name: "Book Club", Type: models.ConversationGroup})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decodeBody[models.Conversation](t, rec)
	assert.Empty(t, conv.Secret)
	base := "/conversations/" + conv.ID

	rec = bob.do(t, http.MethodGet, "/conversations?q=book", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decodeBody[[]models.DiscoveryRecord](t, rec)
	require.Len(t, found, 1)
	assert.Equal(t, conv.ID, found[0].ID)

	rec = bob.do(t, http.MethodPost, base+"/messages", sendRequest{Content: "too early"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, chat.ReasonPermissionDenied, decodeBody[errorResponse](t, rec).Code)

	require.Equal(t, http.StatusNoContent, bob.do(t, http.MethodPost, base+"/join", nil).Code)

	rec = alice.do(t, http.MethodGet, base+"/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[countResponse](t, rec).Count)

	rec = bob.do(t, http.MethodPost, base+"/messages", sendRequest{Content: "hello club"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sent := decodeBody[sendResponse](t, rec)
	assert.Regexp(t, `^msg_\d+_[0-9a-z]{9}$`, sent.ID)

	rec = alice.do(t, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]chat.ViewMessage](t, rec)
	require.Len(t, history, 1)
	assert.Equal(t, "hello club", history[0].Text)
	assert.Equal(t, bob.id.Pub, history[0].Sender)

	rec = alice.do(t, http.MethodGet, base+"/last", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello club", decodeBody[chat.LastMessageView](t, rec).Text)

	rec = alice.do(t, http.MethodPost, base+"/admins", peerRequest{Pub: bob.id.Pub})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rec = alice.do(t, http.MethodGet, base+"/admins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Admin](t, rec), 2)

	rec = bob.do(t, http.MethodGet, "/conversations/mine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[[]models.ConversationRef](t, rec)
	require.Len(t, mine, 1)
	assert.Equal(t, conv.ID, mine[0].ConversationID)

	require.Equal(t, http.StatusNoContent, bob.do(t, http.MethodPost, base+"/leave", nil).Code)
	rec = alice.do(t, http.MethodGet, base+"/members", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Member](t, rec), 1)

	require.Equal(t, http.StatusNoContent, alice.do(t, http.MethodDelete, base, nil).Code)
	rec = alice.do(t, http.MethodPost, base+"/messages", sendRequest{Content: "anyone?"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, chat.ReasonNotFound, decodeBody[errorResponse](t, rec).Code)
}

func TestBlockedDirectSendIsConflict(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")
	bob := node.newUser(t, "bob")

	rec := alice.do(t, http.MethodPost, "/direct", peerRequest{Pub: bob.id.Pub})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decodeBody[models.Conversation](t, rec)
	assert.Equal(t, chat.DirectConversationID(alice.id.Pub, bob.id.Pub), conv.ID)

	require.Equal(t, http.StatusNoContent, bob.do(t, http.MethodPut, "/blocks/"+alice.id.Pub, nil).Code)

	rec = alice.do(t, http.MethodGet, "/blocks/"+bob.id.Pub, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[chat.BlockStatus](t, rec)
	assert.False(t, status.BlockedByMe)
	assert.True(t, status.BlockedByOther)

	rec = alice.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", sendRequest{Content: "hi"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, chat.ReasonBlocked, decodeBody[errorResponse](t, rec).Code)

	require.Equal(t, http.StatusNoContent, bob.do(t, http.MethodDelete, "/blocks/"+alice.id.Pub, nil).Code)
	rec = alice.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", sendRequest{Content: "hi"})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestSelectionFollowsConversation(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")
	bob := node.newUser(t, "bob")

	conv := decodeBody[models.Conversation](t, alice.do(t, http.MethodPost, "/direct", peerRequest{Pub: bob.id.Pub}))

	rec := alice.do(t, http.MethodGet, "/selection", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"idle"`, string(mustField(t, rec, "state")))

	rec = alice.do(t, http.MethodPost, "/selection", selectRequest{ConversationID: conv.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `"active"`, string(mustField(t, rec, "state")))

	rec = bob.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", sendRequest{Content: "ping"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msgID := decodeBody[sendResponse](t, rec).ID
	node.graph.Flush()

	rec = alice.do(t, http.MethodGet, "/selection", nil)
	var view struct {
		Messages []chat.ViewMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "ping", view.Messages[0].Text)

	rec = alice.do(t, http.MethodPost, "/selection/visible", visibleRequest{MessageID: msgID})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	require.Equal(t, http.StatusNoContent, alice.do(t, http.MethodDelete, "/selection", nil).Code)
	assert.Empty(t, alice.client.Subscriptions.Selected())
}

func TestFriendRequestRoutes(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")
	bob := node.newUser(t, "bob")

	require.Equal(t, http.StatusAccepted, alice.do(t, http.MethodPost, "/friends/requests", peerRequest{Pub: bob.id.Pub}).Code)

	rec := bob.do(t, http.MethodGet, "/friends/requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	requests := decodeBody[[]models.FriendRequest](t, rec)
	require.Len(t, requests, 1)
	assert.Equal(t, alice.id.Pub, requests[0].From)

	rec = bob.do(t, http.MethodPost, "/friends/requests/"+alice.id.Pub+"/accept", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	node.graph.Flush()

	rec = alice.do(t, http.MethodGet, "/friends", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]models.Friendship](t, rec), 1)

	require.Equal(t, http.StatusNoContent, alice.do(t, http.MethodDelete, "/friends/"+bob.id.Pub, nil).Code)
	rec = alice.do(t, http.MethodDelete, "/friends/"+bob.id.Pub, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = bob.do(t, http.MethodPost, "/friends/requests/"+alice.id.Pub+"/reject", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	node := newTestNode(t)
	alice := node.newUser(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/conversations", bytes.NewBufferString(`{"name":`))
	rec := httptest.NewRecorder()
	alice.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, chat.ReasonInvalidArgument, decodeBody[errorResponse](t, rec).Code)

	rec = alice.do(t, http.MethodPost, "/conversations", map[string]string{"name": "x", "type": "forum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = alice.do(t, http.MethodPost, "/conversations", map[string]string{"title": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type staticRelay []relay.PeerInfo

func (s staticRelay) Peers() []relay.PeerInfo { return s }

type staticDiscovery []discovery.Peer

func (s staticDiscovery) Peers() []discovery.Peer { return s }

func TestPeerListings(t *testing.T) {
	node := newTestNode(t)
	bare := node.newUser(t, "alice")

	rec := bare.do(t, http.MethodGet, "/relay/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	wired := node.newUser(t, "bob", func(o *Options) {
		o.Relay = staticRelay{{PeerID: "node-a", Address: "10.0.0.2:9400"}}
		o.Discovery = staticDiscovery{{PeerID: "node-c", Alias: "carol", Port: 9400, Addresses: []string{"10.0.0.3"}}}
	})

	rec = wired.do(t, http.MethodGet, "/relay/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peers := decodeBody[[]relay.PeerInfo](t, rec)
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].PeerID)

	rec = wired.do(t, http.MethodGet, "/discovery/peers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decodeBody[[]discovery.Peer](t, rec)
	require.Len(t, found, 1)
	assert.Equal(t, "carol", found[0].Alias)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	node := newTestNode(t)
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.HTTPRequestsTotal)
	alice := node.newUser(t, "alice", func(o *Options) { o.Gatherer = reg })

	alice.do(t, http.MethodGet, "/blocks/"+alice.id.Pub, nil)

	rec := alice.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `route="/blocks/{pub}`)
	assert.NotContains(t, body, alice.id.Pub)
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]int{
		chat.ReasonAuthenticationRequired: http.StatusUnauthorized,
		chat.ReasonNotFound:               http.StatusNotFound,
		chat.ReasonPermissionDenied:       http.StatusForbidden,
		chat.ReasonBlocked:                http.StatusConflict,
		chat.ReasonInvalidArgument:        http.StatusBadRequest,
		chat.ReasonStoreWriteFailure:      http.StatusBadGateway,
		chat.ReasonSubscriptionFailure:    http.StatusBadGateway,
		chat.ReasonEncryptionFailure:      http.StatusInternalServerError,
		chat.ReasonInternal:               http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, name string) json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fields))
	raw, ok := fields[name]
	require.True(t, ok, "missing field %q in %s", name, rec.Body.String())
	return raw
}
