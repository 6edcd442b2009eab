package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lindachat/metrics"
	"lindachat/storage"
)

// Update is an applied write, local or merged from a peer.
type Update struct {
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value,omitempty"`
	State   int64           `json:"state"`
	Origin  string          `json:"origin"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Cursor is a position in the replica's (state, path) order. The zero
// Cursor is before every update.
type Cursor struct {
	State int64
	Path  string
}

// After returns the cursor just past u.
func (u Update) After() Cursor {
	return Cursor{State: u.State, Path: u.Path}
}

// CertificateVerifier checks that cert lets writer write rel inside owner's namespace.
type CertificateVerifier func(cert, owner, writer, rel string) error

// Options configures a Local graph.
type Options struct {
	// Writer is the principal id local writes are attributed to. Writes into
	// ~<Writer>/... need no certificate.
	Writer string
	// Origin is stamped on local writes so replicas can tell them apart.
	Origin string
	// VerifyCertificate is consulted for writes into foreign namespaces.
	// When nil such writes are always rejected.
	VerifyCertificate CertificateVerifier
	Now               func() time.Time
	Logger            zerolog.Logger
}

// Local is a Graph backed by the SQLite replica.
type Local struct {
	store *storage.Store
	opts  Options
	log   zerolog.Logger

	mu        sync.Mutex
	closed    bool
	lastState int64
	nextSubID uint64
	exact     map[string]map[uint64]*Subscription
	children  map[string]map[uint64]*Subscription
	listeners map[uint64]func(Update)

	dispatch *dispatcher
}

var _ Graph = (*Local)(nil)

// NewLocal opens a graph over store. The caller owns store and must close it
// after closing the graph.
func NewLocal(store *storage.Store, opts Options) (*Local, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Origin == "" {
		opts.Origin = "local"
	}

	lastState, err := store.MaxState()
	if err != nil {
		return nil, err
	}

	return &Local{
		store:     store,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "graph").Logger(),
		lastState: lastState,
		exact:     make(map[string]map[uint64]*Subscription),
		children:  make(map[string]map[uint64]*Subscription),
		listeners: make(map[uint64]func(Update)),
		dispatch:  newDispatcher(),
	}, nil
}

// Writer returns the principal local writes are attributed to.
func (g *Local) Writer() string {
	return g.opts.Writer
}

// Get returns the live node at path.
func (g *Local) Get(ctx context.Context, path string) (Node, error) {
	if err := ctx.Err(); err != nil {
		return Node{}, err
	}
	if err := validatePath(path); err != nil {
		return Node{}, err
	}
	if g.isClosed() {
		return Node{}, ErrClosed
	}

	stored, err := g.store.GetNode(path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Node{}, ErrNotFound
		}
		return Node{}, err
	}
	if stored.Deleted {
		return Node{}, ErrNotFound
	}
	return fromStorage(*stored), nil
}

// Children returns the live direct children of path ordered by key.
func (g *Local) Children(ctx context.Context, path string) ([]Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if g.isClosed() {
		return nil, ErrClosed
	}

	stored, err := g.store.ListChildren(path)
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(stored))
	for _, n := range stored {
		nodes = append(nodes, fromStorage(n))
	}
	return nodes, nil
}

// Put writes value at path; a nil value deletes it.
func (g *Local) Put(ctx context.Context, path string, value any, opts ...PutOption) error {
	return g.put(ctx, g.opts.Writer, path, value, opts)
}

// As returns a view of the same replica whose writes are attributed to writer.
// Several principals hosted on one node share subscriptions and storage.
func (g *Local) As(writer string) *View {
	return &View{Local: g, writer: writer}
}

func (g *Local) put(ctx context.Context, writer, path string, value any, opts []PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}

	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}
	if err := g.authorize(writer, path, po.certificate); err != nil {
		return err
	}

	raw, deleted, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", path, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	state := g.opts.Now().UnixMilli()
	if state <= g.lastState {
		state = g.lastState + 1
	}
	g.lastState = state
	g.mu.Unlock()

	update := Update{
		Path:    path,
		Value:   raw,
		State:   state,
		Origin:  g.opts.Origin,
		Deleted: deleted,
	}
	applied, err := g.store.PutNode(toStorage(update))
	if err != nil {
		return err
	}
	if applied {
		metrics.GraphUpdatesTotal.WithLabelValues("local").Inc()
		g.publish(update)
	}
	return nil
}

// Merge applies an update received from a peer. It reports whether the update
// won last-writer-wins against the local replica.
func (g *Local) Merge(update Update) (bool, error) {
	if err := validatePath(update.Path); err != nil {
		return false, err
	}
	if update.State <= 0 {
		return false, errors.New("update state must be > 0")
	}
	if !update.Deleted && len(update.Value) == 0 {
		return false, errors.New("update value is required")
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false, ErrClosed
	}
	if update.State > g.lastState {
		g.lastState = update.State
	}
	g.mu.Unlock()

	applied, err := g.store.PutNode(toStorage(update))
	if err != nil {
		return false, err
	}
	if applied {
		metrics.GraphUpdatesTotal.WithLabelValues("remote").Inc()
		g.publish(update)
	}
	return applied, nil
}

// Since returns up to limit stored updates after the cursor, in (state, path) order.
func (g *Local) Since(after Cursor, limit int) ([]Update, error) {
	nodes, err := g.store.NodesSince(after.State, after.Path, limit)
	if err != nil {
		return nil, err
	}
	updates := make([]Update, 0, len(nodes))
	for _, n := range nodes {
		updates = append(updates, Update{
			Path:    n.Path,
			Value:   json.RawMessage(n.Value),
			State:   n.State,
			Origin:  n.Origin,
			Deleted: n.Deleted,
		})
	}
	return updates, nil
}

// OnUpdate registers fn for every applied update. fn runs synchronously on the
// writer's goroutine and must not block. The returned func unregisters it.
func (g *Local) OnUpdate(fn func(Update)) func() {
	g.mu.Lock()
	g.nextSubID++
	id := g.nextSubID
	g.listeners[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// On streams every later mutation of path.
func (g *Local) On(path string, fn Handler) (*Subscription, error) {
	return g.subscribe(path, fn, false)
}

// Map streams every later mutation of path's direct children.
func (g *Local) Map(path string, fn Handler) (*Subscription, error) {
	return g.subscribe(path, fn, true)
}

// Flush waits until every callback queued so far has been delivered.
// It must not be called from inside a Handler.
func (g *Local) Flush() {
	g.dispatch.flush()
}

// Close stops live delivery. Open subscriptions receive ErrClosed.
func (g *Local) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	subs := make([]*Subscription, 0)
	for _, set := range g.exact {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	for _, set := range g.children {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	g.exact = make(map[string]map[uint64]*Subscription)
	g.children = make(map[string]map[uint64]*Subscription)
	g.mu.Unlock()

	for _, sub := range subs {
		sub := sub
		g.dispatch.enqueue(func() { sub.deliver(Event{Err: ErrClosed}) })
	}
	g.dispatch.close()
	return nil
}

func (g *Local) subscribe(path string, fn Handler, children bool) (*Subscription, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("handler is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}

	g.nextSubID++
	sub := &Subscription{
		id:       g.nextSubID,
		path:     path,
		children: children,
		fn:       fn,
		graph:    g,
	}

	index := g.exact
	if children {
		index = g.children
	}
	set, ok := index[path]
	if !ok {
		set = make(map[uint64]*Subscription)
		index[path] = set
	}
	set[sub.id] = sub

	return sub, nil
}

func (g *Local) unsubscribe(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()

	index := g.exact
	if sub.children {
		index = g.children
	}
	if set, ok := index[sub.path]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(index, sub.path)
		}
	}
}

func (g *Local) publish(update Update) {
	parent, key := storage.SplitPath(update.Path)
	node := Node{
		Path:    update.Path,
		Key:     key,
		Value:   update.Value,
		State:   update.State,
		Deleted: update.Deleted,
	}

	g.mu.Lock()
	listeners := make([]func(Update), 0, len(g.listeners))
	for _, fn := range g.listeners {
		listeners = append(listeners, fn)
	}
	targets := make([]*Subscription, 0)
	for _, sub := range g.exact[update.Path] {
		targets = append(targets, sub)
	}
	if parent != "" {
		for _, sub := range g.children[parent] {
			targets = append(targets, sub)
		}
	}
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(update)
	}
	for _, sub := range targets {
		sub := sub
		g.dispatch.enqueue(func() { sub.deliver(Event{Node: node}) })
	}
}

func (g *Local) authorize(writer, path, certificate string) error {
	owner, rel, ok := Owner(path)
	if !ok || (writer != "" && owner == writer) {
		return nil
	}
	if certificate == "" || g.opts.VerifyCertificate == nil || writer == "" {
		return fmt.Errorf("%w: %s is not owned by the writer", ErrUnauthorized, path)
	}
	if err := g.opts.VerifyCertificate(certificate, owner, writer, rel); err != nil {
		g.log.Warn().Err(err).Str("path", path).Msg("rejected certificate write")
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func (g *Local) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// View is a Local whose writes are attributed to a different principal.
type View struct {
	*Local
	writer string
}

var _ Graph = (*View)(nil)

// Writer returns the principal this view writes as.
func (v *View) Writer() string {
	return v.writer
}

// Put writes value at path as the view's principal.
func (v *View) Put(ctx context.Context, path string, value any, opts ...PutOption) error {
	return v.Local.put(ctx, v.writer, path, value, opts)
}

// Subscription is a live feed opened with On or Map.
type Subscription struct {
	id       uint64
	path     string
	children bool
	fn       Handler
	graph    *Local
	closed   atomic.Bool
}

// Path returns the subscribed path.
func (s *Subscription) Path() string {
	return s.path
}

// Close stops delivery. Events already queued for this subscription are dropped.
func (s *Subscription) Close() {
	if s == nil || s.closed.Swap(true) {
		return
	}
	s.graph.unsubscribe(s)
}

func (s *Subscription) deliver(ev Event) {
	if s.closed.Load() {
		return
	}
	if ev.Err != nil {
		s.closed.Store(true)
	}
	s.fn(ev)
}

func encodeValue(value any) (json.RawMessage, bool, error) {
	switch v := value.(type) {
	case nil:
		return nil, true, nil
	case json.RawMessage:
		if len(v) == 0 || string(v) == "null" {
			return nil, true, nil
		}
		return v, false, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false, err
	}
	if string(raw) == "null" {
		return nil, true, nil
	}
	return raw, false, nil
}

func toStorage(u Update) storage.Node {
	return storage.Node{
		Path:    u.Path,
		Value:   []byte(u.Value),
		State:   u.State,
		Origin:  u.Origin,
		Deleted: u.Deleted,
	}
}

func fromStorage(n storage.Node) Node {
	return Node{
		Path:    n.Path,
		Key:     n.Key,
		Value:   json.RawMessage(n.Value),
		State:   n.State,
		Deleted: n.Deleted,
	}
}
