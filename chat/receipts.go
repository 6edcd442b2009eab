package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"lindachat/graph"
	"lindachat/metrics"
	"lindachat/models"
)

// ReceiptTracker emits delivery/read receipts for foreign messages and folds
// the receipts of own messages into the selected view.
type ReceiptTracker struct {
	graph   graph.Graph
	session *Session
	clock   Clock
	log     zerolog.Logger
	manager *SubscriptionManager

	mu       sync.Mutex
	inflight map[string]struct{}
	tracked  map[string]*receiptFeed
}

type receiptFeed struct {
	feed *feed
	sub  *graph.Subscription
}

// MarkVisible signals that messageID is on screen. For a foreign message not
// yet read locally it writes a delivery receipt then a read receipt. Repeated
// or concurrent signals for the same message write nothing extra.
func (t *ReceiptTracker) MarkVisible(ctx context.Context, messageID string) error {
	me, err := t.session.Current()
	if err != nil {
		return err
	}
	f, vm, ok := t.manager.lookup(messageID)
	if !ok {
		return fmt.Errorf("%w: message %s is not in the active view", ErrNotFound, messageID)
	}
	if vm.Outgoing || vm.Status == StatusRead {
		return nil
	}

	t.mu.Lock()
	if _, busy := t.inflight[messageID]; busy {
		t.mu.Unlock()
		return nil
	}
	t.inflight[messageID] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.inflight, messageID)
		t.mu.Unlock()
	}()

	for _, kind := range []string{models.ReceiptDelivery, models.ReceiptRead} {
		receipt := models.Receipt{
			MessageID: messageID,
			Type:      kind,
			By:        me.Pub,
			Timestamp: t.clock.Now().UnixMilli(),
		}
		path := receiptPath(f.conv.ID, messageID, kind, me.Pub)
		if err := t.graph.Put(ctx, path, receipt); err != nil {
			return writeFailure(path, err)
		}
		metrics.ReceiptsEmittedTotal.WithLabelValues(kind).Inc()
	}

	t.manager.markRead(f, messageID)
	return nil
}

// track follows the receipts of an own message in f. Tracking the same
// message twice for one feed is a no-op; an entry left by an older feed is
// replaced.
func (t *ReceiptTracker) track(f *feed, messageID string) {
	t.mu.Lock()
	stale, ok := t.tracked[messageID]
	if ok && stale.feed == f {
		t.mu.Unlock()
		return
	}
	var staleSub *graph.Subscription
	if ok {
		staleSub = stale.sub
	}
	entry := &receiptFeed{feed: f}
	t.tracked[messageID] = entry
	t.mu.Unlock()
	staleSub.Close()

	path := receiptsPath(f.conv.ID, messageID)
	sub, err := t.graph.Map(path, func(ev graph.Event) { t.onReceipt(f, messageID, ev) })
	if err != nil {
		t.log.Warn().Err(err).Str("message", messageID).Msg("receipt feed not opened")
		t.mu.Lock()
		if t.tracked[messageID] == entry {
			delete(t.tracked, messageID)
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	if t.tracked[messageID] != entry {
		t.mu.Unlock()
		sub.Close()
		return
	}
	entry.sub = sub
	t.mu.Unlock()

	// f may have been torn down before the entry existed for release to see.
	if !t.manager.current(f) {
		t.untrack(messageID, entry)
		return
	}

	// Receipts written before the subscription opened.
	nodes, err := t.graph.Children(context.Background(), path)
	if err != nil {
		t.log.Warn().Err(err).Str("message", messageID).Msg("receipt snapshot failed")
		return
	}
	for _, node := range nodes {
		t.fold(f, messageID, node)
	}
}

func (t *ReceiptTracker) onReceipt(f *feed, messageID string, ev graph.Event) {
	if ev.Err != nil {
		t.log.Debug().Err(ev.Err).Str("message", messageID).Msg("receipt feed closed")
		return
	}
	if ev.Node.Deleted {
		return
	}
	t.fold(f, messageID, ev.Node)
}

func (t *ReceiptTracker) fold(f *feed, messageID string, node graph.Node) {
	var receipt models.Receipt
	if err := node.Decode(&receipt); err != nil {
		return
	}
	// Only recipients may move a message past sent.
	if receipt.By == f.me && receipt.Type != models.ReceiptSent {
		return
	}
	t.manager.applyReceipt(f, messageID, receipt.Type)
}

func (t *ReceiptTracker) untrack(messageID string, entry *receiptFeed) {
	t.mu.Lock()
	if t.tracked[messageID] != entry {
		t.mu.Unlock()
		return
	}
	delete(t.tracked, messageID)
	sub := entry.sub
	t.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// release closes every receipt feed belonging to f.
func (t *ReceiptTracker) release(f *feed) {
	t.mu.Lock()
	var subs []*graph.Subscription
	for id, entry := range t.tracked {
		if entry.feed != f {
			continue
		}
		delete(t.tracked, id)
		if entry.sub != nil {
			subs = append(subs, entry.sub)
		}
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Tracked returns how many own messages have an open receipt feed.
func (t *ReceiptTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}
