package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lindachat/graph"
	"lindachat/metrics"
	"lindachat/models"
)

// BlockStatus is the combined result of the two directed block reads.
type BlockStatus struct {
	BlockedByMe    bool `json:"blocked_by_me"`
	BlockedByOther bool `json:"blocked_by_other"`
}

// Blocked reports whether either direction blocks messaging.
func (s BlockStatus) Blocked() bool {
	return s.BlockedByMe || s.BlockedByOther
}

// BlockRegistry reads and writes block relations. Each relation lives only in
// the blocker's own namespace, so a symmetric check takes two reads.
type BlockRegistry struct {
	graph    graph.Graph
	session  *Session
	clock    Clock
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	overrides map[string]bool
	watches   map[*blockWatch]struct{}
	named     map[string]*blockWatch
}

type blockWatch struct {
	target    string
	fn        func(BlockStatus)
	subs      []*graph.Subscription
	checked   bool
	lastCheck time.Time
	trailing  Timer
	cancelled bool
}

func newBlockRegistry(g graph.Graph, session *Session, clock Clock, interval time.Duration, log zerolog.Logger) *BlockRegistry {
	return &BlockRegistry{
		graph:     g,
		session:   session,
		clock:     clock,
		interval:  interval,
		log:       log,
		overrides: make(map[string]bool),
		watches:   make(map[*blockWatch]struct{}),
		named:     make(map[string]*blockWatch),
	}
}

// Status performs the dual read for the current principal and target.
// Blocks and unblocks made by this client win over the store until the store
// agrees with them.
func (r *BlockRegistry) Status(ctx context.Context, target string) (BlockStatus, error) {
	me, err := r.session.Current()
	if err != nil {
		return BlockStatus{}, err
	}
	return r.statusBetween(ctx, me.Pub, target)
}

func (r *BlockRegistry) statusBetween(ctx context.Context, subject, target string) (BlockStatus, error) {
	metrics.BlockChecksTotal.Inc()

	byMe, err := exists(ctx, r.graph, blockPath(subject, target))
	if err != nil {
		return BlockStatus{}, fmt.Errorf("read block list of %s: %w", subject, err)
	}
	byOther, err := exists(ctx, r.graph, blockPath(target, subject))
	if err != nil {
		return BlockStatus{}, fmt.Errorf("read block list of %s: %w", target, err)
	}

	if me, err := r.session.Current(); err == nil && me.Pub == subject {
		r.mu.Lock()
		if override, ok := r.overrides[target]; ok {
			if override == byMe {
				delete(r.overrides, target)
			}
			byMe = override
		}
		r.mu.Unlock()
	}

	return BlockStatus{BlockedByMe: byMe, BlockedByOther: byOther}, nil
}

// Block adds target to the caller's own block list.
func (r *BlockRegistry) Block(ctx context.Context, target string) error {
	return r.set(ctx, target, true)
}

// Unblock removes target from the caller's own block list.
func (r *BlockRegistry) Unblock(ctx context.Context, target string) error {
	return r.set(ctx, target, false)
}

func (r *BlockRegistry) set(ctx context.Context, target string, blocked bool) error {
	me, err := r.session.Current()
	if err != nil {
		return err
	}
	target = strings.TrimSpace(target)
	if target == "" || target == me.Pub || strings.ContainsRune(target, '/') {
		return fmt.Errorf("%w: block target %q", ErrInvalidArgument, target)
	}

	r.mu.Lock()
	previous, hadPrevious := r.overrides[target]
	r.overrides[target] = blocked
	r.mu.Unlock()

	var value any
	if blocked {
		value = models.BlockEntry{Target: target, Timestamp: r.clock.Now().UnixMilli()}
	}
	path := blockPath(me.Pub, target)
	if err := r.graph.Put(ctx, path, value); err != nil {
		r.mu.Lock()
		if hadPrevious {
			r.overrides[target] = previous
		} else {
			delete(r.overrides, target)
		}
		r.mu.Unlock()
		return writeFailure(path, err)
	}

	r.log.Info().Str("target", target).Bool("blocked", blocked).Msg("block list updated")
	return nil
}

// Watch re-checks the relation with target whenever either block list
// changes, throttled to one dual read per interval with a trailing check.
// fn receives every checked status. Watching a target again replaces the
// previous watch.
func (r *BlockRegistry) Watch(target string, fn func(BlockStatus)) error {
	w, err := r.watch(target, fn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.named[target]
	r.named[target] = w
	r.mu.Unlock()
	if previous != nil {
		r.stop(previous)
	}
	return nil
}

// watch starts an anonymous watch on target that only stop cancels.
func (r *BlockRegistry) watch(target string, fn func(BlockStatus)) (*blockWatch, error) {
	me, err := r.session.Current()
	if err != nil {
		return nil, err
	}

	w := &blockWatch{target: target, fn: fn}
	for _, list := range []string{graph.UserPath(me.Pub, "blocked_users"), graph.UserPath(target, "blocked_users")} {
		sub, err := r.graph.Map(list, func(ev graph.Event) {
			if ev.Err == nil {
				r.trigger(w)
			}
		})
		if err != nil {
			for _, s := range w.subs {
				s.Close()
			}
			return nil, fmt.Errorf("%w: watch %s: %w", ErrSubscriptionFailure, list, err)
		}
		w.subs = append(w.subs, sub)
	}

	r.mu.Lock()
	r.watches[w] = struct{}{}
	r.mu.Unlock()

	r.trigger(w)
	return w, nil
}

// Unwatch cancels the watch on target, including any pending trailing check.
func (r *BlockRegistry) Unwatch(target string) {
	r.mu.Lock()
	w := r.named[target]
	delete(r.named, target)
	r.mu.Unlock()

	if w != nil {
		r.stop(w)
	}
}

// UnwatchAll cancels every watch.
func (r *BlockRegistry) UnwatchAll() {
	r.mu.Lock()
	all := make([]*blockWatch, 0, len(r.watches))
	for w := range r.watches {
		all = append(all, w)
	}
	clear(r.named)
	r.mu.Unlock()

	for _, w := range all {
		r.stop(w)
	}
}

// stop cancels w and any pending trailing check. Stopping twice is a no-op.
func (r *BlockRegistry) stop(w *blockWatch) {
	r.mu.Lock()
	delete(r.watches, w)
	if r.named[w.target] == w {
		delete(r.named, w.target)
	}
	already := w.cancelled
	w.cancelled = true
	if w.trailing != nil {
		w.trailing.Stop()
		w.trailing = nil
	}
	r.mu.Unlock()

	if already {
		return
	}
	for _, sub := range w.subs {
		sub.Close()
	}
}

func (r *BlockRegistry) trigger(w *blockWatch) {
	r.mu.Lock()
	if w.cancelled {
		r.mu.Unlock()
		return
	}

	now := r.clock.Now()
	if !w.checked || now.Sub(w.lastCheck) >= r.interval {
		w.checked = true
		w.lastCheck = now
		r.mu.Unlock()
		r.check(w)
		return
	}

	if w.trailing == nil {
		delay := r.interval - now.Sub(w.lastCheck)
		w.trailing = r.clock.AfterFunc(delay, func() {
			r.mu.Lock()
			w.trailing = nil
			r.mu.Unlock()
			r.trigger(w)
		})
	}
	r.mu.Unlock()
}

func (r *BlockRegistry) check(w *blockWatch) {
	status, err := r.Status(context.Background(), w.target)
	if err != nil {
		r.log.Warn().Err(err).Str("target", w.target).Msg("block check failed")
		return
	}

	r.mu.Lock()
	cancelled := w.cancelled
	r.mu.Unlock()
	if cancelled {
		return
	}
	w.fn(status)
}
