package chat

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lindachat/crypto"
	"lindachat/graph"
	"lindachat/storage"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending counts timers that have neither fired nor been stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type harness struct {
	graph *graph.Local
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	g, err := graph.NewLocal(store, graph.Options{
		Origin: "test",
		VerifyCertificate: func(cert, owner, writer, rel string) error {
			return crypto.VerifyCertificate(cert, owner, writer, rel, time.Now())
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, g.Close())
		require.NoError(t, store.Close())
	})

	return &harness{graph: g, clock: newFakeClock(time.UnixMilli(1_700_000_000_000))}
}

type testUser struct {
	*Client
	id  Identity
	box *crypto.Box
}

type userOption func(*Options)

func withoutCertifier() userOption {
	return func(o *Options) { o.Certifier = nil }
}

func withCipher(c Cipher) userOption {
	return func(o *Options) { o.Cipher = c }
}

func withGraph(wrap func(graph.Graph) graph.Graph) userOption {
	return func(o *Options) { o.Graph = wrap(o.Graph) }
}

func withViewChanges(fn func(View)) userOption {
	return func(o *Options) { o.OnViewChange = fn }
}

// newUser creates keys for alias and returns a logged-in client writing as it.
func (h *harness) newUser(t *testing.T, alias string, opts ...userOption) *testUser {
	t.Helper()

	u := h.newClient(t, alias, opts...)
	require.NoError(t, u.Login(context.Background(), u.id))
	h.graph.Flush()
	return u
}

// newClient is newUser without logging in.
func (h *harness) newClient(t *testing.T, alias string, opts ...userOption) *testUser {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	xkey, err := crypto.GenerateX25519PrivateKey()
	require.NoError(t, err)

	box := crypto.NewBox(xkey)
	id := Identity{Pub: crypto.EncodeIdentityKey(publicKey), EPub: box.PublicKey(), Alias: alias}

	options := Options{
		Graph:              h.graph.As(id.Pub),
		Cipher:             box,
		Certifier:          crypto.NewCertifier(privateKey),
		Clock:              h.clock,
		BlockCheckInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	client, err := New(options)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return &testUser{Client: client, id: id, box: box}
}

func (h *harness) flush() {
	h.graph.Flush()
}

// failingGraph fails writes to paths matched by fail.
type failingGraph struct {
	graph.Graph
	fail func(path string) bool
}

var errInjected = errors.New("injected write failure")

func (g failingGraph) Put(ctx context.Context, path string, value any, opts ...graph.PutOption) error {
	if g.fail(path) {
		return errInjected
	}
	return g.Graph.Put(ctx, path, value, opts...)
}

// failingCipher refuses to encrypt.
type failingCipher struct {
	Cipher
}

func (failingCipher) Encrypt(string, string) (string, error) {
	return "", errors.New("no key material")
}

func messageIDs(view View) []string {
	ids := make([]string, 0, len(view.Messages))
	for _, m := range view.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}
