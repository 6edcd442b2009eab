package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"lindachat/graph"
	"lindachat/models"
)

// ViewState is the lifecycle state of the selected conversation's feed.
type ViewState int

const (
	StateIdle ViewState = iota
	StateLoading
	StateActive
	StateErrored
)

func (s ViewState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s ViewState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// View is a snapshot of the selected conversation.
type View struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	Type           string        `json:"type,omitempty"`
	Name           string        `json:"name,omitempty"`
	State          ViewState     `json:"state"`
	Err            error         `json:"-"`
	Error          string        `json:"error,omitempty"`
	CanPost        bool          `json:"can_post"`
	Block          BlockStatus   `json:"block"`
	Messages       []ViewMessage `json:"messages"`
}

// feedOp is an incremental change buffered while the initial batch loads.
type feedOp struct {
	msg     *ViewMessage
	removed string
}

// feed is the state of one selection. A new selection always gets a new
// feed; callbacks compare their feed against the current one and drop
// themselves when it was replaced.
type feed struct {
	conv    models.Conversation
	me      string
	key     string
	state   ViewState
	err     error
	canPost bool
	block   BlockStatus

	byID     map[string]*ViewMessage
	ordered  []*ViewMessage
	buffered []feedOp

	subs  []*graph.Subscription
	watch *blockWatch
}

func (f *feed) insert(vm *ViewMessage) bool {
	if _, ok := f.byID[vm.ID]; ok {
		return false
	}
	i := sort.Search(len(f.ordered), func(i int) bool { return lessMessage(vm, f.ordered[i]) })
	f.ordered = append(f.ordered, nil)
	copy(f.ordered[i+1:], f.ordered[i:])
	f.ordered[i] = vm
	f.byID[vm.ID] = vm
	return true
}

func (f *feed) remove(id string) bool {
	if _, ok := f.byID[id]; !ok {
		return false
	}
	delete(f.byID, id)
	for i, vm := range f.ordered {
		if vm.ID == id {
			f.ordered = append(f.ordered[:i], f.ordered[i+1:]...)
			break
		}
	}
	return true
}

// SubscriptionManager owns the single live feed of the selected conversation.
type SubscriptionManager struct {
	graph    graph.Graph
	session  *Session
	perms    *PermissionResolver
	blocks   *BlockRegistry
	receipts *ReceiptTracker
	messages *MessageStore
	log      zerolog.Logger
	onChange func(View)

	mu  sync.Mutex
	cur *feed
}

// Select closes any open feed and opens one for conversationID. It returns
// once the initial batch is seeded or the feed failed.
func (m *SubscriptionManager) Select(ctx context.Context, conversationID string) (View, error) {
	me, err := m.session.Current()
	if err != nil {
		return View{}, err
	}

	m.Deselect()

	conv, err := loadConversation(ctx, m.graph, conversationID)
	if err != nil {
		return m.View(), err
	}

	f := &feed{
		conv:  conv,
		me:    me.Pub,
		state: StateLoading,
		byID:  make(map[string]*ViewMessage),
	}
	m.mu.Lock()
	m.cur = f
	m.mu.Unlock()
	m.notify()

	readable, err := m.perms.CanRead(ctx, conv, me.Pub)
	if err != nil {
		return m.fail(f, err)
	}
	if !readable {
		return m.fail(f, fmt.Errorf("%w: not a member of %s", ErrPermissionDenied, conv.ID))
	}

	key, err := contentKey(ctx, m.session, conv, me.Pub)
	if err != nil {
		m.log.Warn().Err(err).Str("conversation", conv.ID).Msg("messages will not be decrypted")
	}
	canPost, err := m.perms.CanPost(ctx, conv, me.Pub)
	if err != nil {
		return m.fail(f, err)
	}

	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return m.View(), nil
	}
	f.key = key
	f.canPost = canPost
	m.mu.Unlock()

	if err := m.open(f); err != nil {
		return m.fail(f, fmt.Errorf("%w: %w", ErrSubscriptionFailure, err))
	}

	nodes, err := m.graph.Children(ctx, messagesPath(conv.ID))
	if err != nil {
		return m.fail(f, fmt.Errorf("%w: initial batch: %w", ErrSubscriptionFailure, err))
	}
	initial := make([]*ViewMessage, 0, len(nodes))
	for _, node := range nodes {
		if vm, ok := m.decode(f, node); ok {
			initial = append(initial, vm)
		}
	}

	m.mu.Lock()
	if m.cur != f {
		// Switched away while the batch was loading.
		m.mu.Unlock()
		return m.View(), nil
	}
	for _, vm := range initial {
		f.insert(vm)
	}
	for _, op := range f.buffered {
		if op.msg != nil {
			f.insert(op.msg)
		} else {
			f.remove(op.removed)
		}
	}
	f.buffered = nil
	f.state = StateActive
	var own []string
	for _, vm := range f.ordered {
		if vm.Outgoing {
			own = append(own, vm.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range own {
		m.receipts.track(f, id)
	}

	m.log.Debug().Str("conversation", conv.ID).Int("messages", len(initial)).Msg("conversation selected")
	m.notify()
	return m.View(), nil
}

func (m *SubscriptionManager) open(f *feed) error {
	conv := f.conv
	var subs []*graph.Subscription
	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}

	sub, err := m.graph.Map(messagesPath(conv.ID), func(ev graph.Event) { m.onMessage(f, ev) })
	if err != nil {
		return err
	}
	subs = append(subs, sub)

	convPath, _ := conversationPath(conv.ID)
	sub, err = m.graph.On(convPath, func(ev graph.Event) { m.onConversation(f, ev) })
	if err != nil {
		closeAll()
		return err
	}
	subs = append(subs, sub)

	peer := ""
	if conv.Type == models.ConversationDirect {
		peer = conv.Peer(f.me)
	} else {
		member, err := isMember(context.Background(), m.graph, conv.ID, f.me)
		if err != nil {
			closeAll()
			return err
		}
		if member {
			sub, err = m.graph.On(memberPath(conv.ID, f.me), func(ev graph.Event) { m.onMembership(f, ev) })
			if err != nil {
				closeAll()
				return err
			}
			subs = append(subs, sub)
		}
	}

	var watch *blockWatch
	if peer != "" {
		watch, err = m.blocks.watch(peer, func(status BlockStatus) { m.onBlockStatus(f, status) })
		if err != nil {
			closeAll()
			return err
		}
	}

	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		closeAll()
		if watch != nil {
			m.blocks.stop(watch)
		}
		return nil
	}
	f.subs = subs
	f.watch = watch
	m.mu.Unlock()
	return nil
}

// Deselect tears down the current feed and returns to Idle.
func (m *SubscriptionManager) Deselect() {
	m.mu.Lock()
	f := m.cur
	m.cur = nil
	m.mu.Unlock()

	if f != nil {
		m.teardown(f)
		m.notify()
	}
}

// View returns a snapshot of the selected conversation.
func (m *SubscriptionManager) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// Selected returns the selected conversation id, or "".
func (m *SubscriptionManager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.conv.ID
}

func (m *SubscriptionManager) snapshot() View {
	f := m.cur
	if f == nil {
		return View{State: StateIdle, Messages: []ViewMessage{}}
	}
	view := View{
		ConversationID: f.conv.ID,
		Type:           f.conv.Type,
		Name:           f.conv.Name,
		State:          f.state,
		Err:            f.err,
		CanPost:        f.canPost,
		Block:          f.block,
		Messages:       make([]ViewMessage, 0, len(f.ordered)),
	}
	if f.err != nil {
		view.Error = f.err.Error()
	}
	for _, vm := range f.ordered {
		view.Messages = append(view.Messages, *vm)
	}
	return view
}

func (m *SubscriptionManager) notify() {
	if m.onChange == nil {
		return
	}
	m.onChange(m.View())
}

func (m *SubscriptionManager) decode(f *feed, node graph.Node) (*ViewMessage, bool) {
	msg, ok := decodeMessage(node, f.conv.ID)
	if !ok {
		return nil, false
	}
	vm := m.messages.present(msg, f.key, f.me)
	return &vm, true
}

func (m *SubscriptionManager) onMessage(f *feed, ev graph.Event) {
	if ev.Err != nil {
		m.fail(f, fmt.Errorf("%w: %w", ErrSubscriptionFailure, ev.Err))
		return
	}

	var (
		vm      *ViewMessage
		removed string
	)
	if ev.Node.Deleted {
		removed = ev.Node.Key
	} else {
		var ok bool
		if vm, ok = m.decode(f, ev.Node); !ok {
			return
		}
	}

	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return
	}
	changed := false
	switch f.state {
	case StateLoading:
		f.buffered = append(f.buffered, feedOp{msg: vm, removed: removed})
	case StateActive:
		if vm != nil {
			changed = f.insert(vm)
		} else {
			changed = f.remove(removed)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if vm != nil && vm.Outgoing {
		m.receipts.track(f, vm.ID)
	}
	m.notify()
}

func (m *SubscriptionManager) onConversation(f *feed, ev graph.Event) {
	if ev.Err != nil {
		m.fail(f, fmt.Errorf("%w: %w", ErrSubscriptionFailure, ev.Err))
		return
	}
	var conv models.Conversation
	if ev.Node.Deleted || ev.Node.Decode(&conv) != nil || conv.Deleted {
		m.log.Info().Str("conversation", f.conv.ID).Msg("conversation removed, closing feed")
		m.end(f)
	}
}

func (m *SubscriptionManager) onMembership(f *feed, ev graph.Event) {
	if ev.Err != nil {
		m.fail(f, fmt.Errorf("%w: %w", ErrSubscriptionFailure, ev.Err))
		return
	}
	if ev.Node.Deleted {
		m.log.Info().Str("conversation", f.conv.ID).Msg("membership ended, closing feed")
		m.end(f)
	}
}

func (m *SubscriptionManager) onBlockStatus(f *feed, status BlockStatus) {
	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return
	}
	changed := f.block != status
	f.block = status
	f.canPost = !status.Blocked()
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// friendshipRemoved ends the selected direct chat with peer.
func (m *SubscriptionManager) friendshipRemoved(peer string) {
	m.mu.Lock()
	f := m.cur
	m.mu.Unlock()

	if f != nil && f.conv.Type == models.ConversationDirect && f.conv.Peer(f.me) == peer {
		m.log.Info().Str("conversation", f.conv.ID).Msg("friendship removed, closing feed")
		m.end(f)
	}
}

// applyReceipt folds a receipt into an outgoing message of f.
func (m *SubscriptionManager) applyReceipt(f *feed, messageID, kind string) {
	status := receiptStatus(kind)
	if status == "" {
		return
	}

	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return
	}
	vm, ok := f.byID[messageID]
	if !ok || !vm.Outgoing {
		m.mu.Unlock()
		return
	}
	next := foldStatus(vm.Status, status)
	changed := next != vm.Status
	vm.Status = next
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// markRead records that a foreign message was seen locally.
func (m *SubscriptionManager) markRead(f *feed, messageID string) {
	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return
	}
	vm, ok := f.byID[messageID]
	if ok {
		vm.Status = StatusRead
	}
	m.mu.Unlock()

	if ok {
		m.notify()
	}
}

// current reports whether f is still the selected feed.
func (m *SubscriptionManager) current(f *feed) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur == f
}

// lookup finds a message in the active feed.
func (m *SubscriptionManager) lookup(messageID string) (*feed, ViewMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.cur
	if f == nil || f.state != StateActive {
		return nil, ViewMessage{}, false
	}
	vm, ok := f.byID[messageID]
	if !ok {
		return nil, ViewMessage{}, false
	}
	return f, *vm, true
}

func (m *SubscriptionManager) end(f *feed) {
	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	m.mu.Unlock()

	m.teardown(f)
	m.notify()
}

func (m *SubscriptionManager) fail(f *feed, err error) (View, error) {
	m.mu.Lock()
	if m.cur != f {
		m.mu.Unlock()
		return m.View(), err
	}
	f.state = StateErrored
	f.err = err
	f.buffered = nil
	m.mu.Unlock()

	m.log.Warn().Err(err).Str("conversation", f.conv.ID).Msg("conversation feed failed")
	m.teardown(f)
	m.notify()
	return m.View(), err
}

func (m *SubscriptionManager) teardown(f *feed) {
	m.mu.Lock()
	subs := f.subs
	f.subs = nil
	watch := f.watch
	f.watch = nil
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	m.receipts.release(f)
	if watch != nil {
		m.blocks.stop(watch)
	}
}
