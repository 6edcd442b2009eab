package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lindachat/graph"
	"lindachat/models"
)

// FriendService handles friend requests and keeps a local friendship set
// that is updated incrementally from the friendships feed.
type FriendService struct {
	graph   graph.Graph
	session *Session
	blocks  *BlockRegistry
	certs   *CertificateService
	members *MembershipService
	manager *SubscriptionManager
	clock   Clock
	log     zerolog.Logger

	mu          sync.Mutex
	friendships map[string]models.Friendship
	sub         *graph.Subscription
}

// start opens the friendships feed and seeds the local set. Calling it again
// restarts the feed.
func (s *FriendService) start(ctx context.Context) error {
	s.stop()

	sub, err := s.graph.Map(friendshipsRoot, s.onFriendship)
	if err != nil {
		return fmt.Errorf("%w: friendships: %w", ErrSubscriptionFailure, err)
	}
	nodes, err := s.graph.Children(ctx, friendshipsRoot)
	if err != nil {
		sub.Close()
		return err
	}

	s.mu.Lock()
	s.sub = sub
	for _, node := range nodes {
		var f models.Friendship
		if err := node.Decode(&f); err == nil {
			s.friendships[node.Key] = f
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *FriendService) stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.friendships = make(map[string]models.Friendship)
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (s *FriendService) onFriendship(ev graph.Event) {
	if ev.Err != nil {
		s.log.Debug().Err(ev.Err).Msg("friendships feed closed")
		return
	}

	key := ev.Node.Key
	if !ev.Node.Deleted {
		var f models.Friendship
		if err := ev.Node.Decode(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.friendships[key] = f
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	removed, ok := s.friendships[key]
	delete(s.friendships, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	me, err := s.session.Current()
	if err != nil {
		return
	}
	if other := removed.Other(me.Pub); other != "" {
		s.manager.friendshipRemoved(other)
	}
}

// Friends lists the caller's friendships.
func (s *FriendService) Friends() ([]models.Friendship, error) {
	me, err := s.session.Current()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]models.Friendship, 0, len(s.friendships))
	for _, f := range s.friendships {
		if f.Other(me.Pub) != "" {
			out = append(out, f)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out, nil
}

// IsFriend reports whether the caller and peer are friends.
func (s *FriendService) IsFriend(peer string) bool {
	me, err := s.session.Current()
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.friendships[friendshipID(me.Pub, peer)]
	return ok
}

// SendFriendRequest writes a request into peer's friend_requests list using
// the certificate peer published for that purpose.
func (s *FriendService) SendFriendRequest(ctx context.Context, peer string) error {
	me, err := s.session.Current()
	if err != nil {
		return err
	}
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == me.Pub || strings.ContainsRune(peer, '/') {
		return fmt.Errorf("%w: friend %q", ErrInvalidArgument, peer)
	}

	status, err := s.blocks.Status(ctx, peer)
	if err != nil {
		return err
	}
	if status.Blocked() {
		return fmt.Errorf("%w: friend request to %s", ErrBlocked, peer)
	}
	if s.IsFriend(peer) {
		return nil
	}

	cert, err := readCertificate(ctx, s.graph, graph.UserPath(peer, "certificates", "friend_requests"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: %s does not accept friend requests", ErrPermissionDenied, peer)
		}
		return err
	}
	if _, err := s.certs.EnsureAddFriendCertificate(ctx, peer); err != nil {
		return err
	}

	request := models.FriendRequest{From: me.Pub, Alias: me.Alias, Timestamp: s.clock.Now().UnixMilli()}
	path := graph.UserPath(peer, "friend_requests", me.Pub)
	if err := s.graph.Put(ctx, path, request, graph.WithCertificate(cert)); err != nil {
		if errors.Is(err, graph.ErrUnauthorized) {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return writeFailure(path, err)
	}

	s.log.Info().Str("peer", peer).Msg("friend request sent")
	return nil
}

// IncomingRequests lists pending requests addressed to the caller.
func (s *FriendService) IncomingRequests(ctx context.Context) ([]models.FriendRequest, error) {
	me, err := s.session.Current()
	if err != nil {
		return nil, err
	}
	nodes, err := s.graph.Children(ctx, graph.UserPath(me.Pub, "friend_requests"))
	if err != nil {
		return nil, err
	}
	requests := make([]models.FriendRequest, 0, len(nodes))
	for _, node := range nodes {
		var req models.FriendRequest
		if err := node.Decode(&req); err != nil {
			continue
		}
		if req.From == "" {
			req.From = node.Key
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// AcceptFriendRequest records the friendship, opens the direct chat and
// removes the request.
func (s *FriendService) AcceptFriendRequest(ctx context.Context, from string) (models.Conversation, error) {
	me, err := s.session.Current()
	if err != nil {
		return models.Conversation{}, err
	}
	requestPath, err := s.requestPath(ctx, me.Pub, from)
	if err != nil {
		return models.Conversation{}, err
	}

	now := s.clock.Now().UnixMilli()
	users := []string{me.Pub, from}
	sort.Strings(users)
	friendship := models.Friendship{ID: friendshipID(me.Pub, from), User1: users[0], User2: users[1], Created: now}
	path := friendshipPath(me.Pub, from)
	if err := s.graph.Put(ctx, path, friendship); err != nil {
		return models.Conversation{}, writeFailure(path, err)
	}
	s.mu.Lock()
	s.friendships[friendship.ID] = friendship
	s.mu.Unlock()

	path = graph.UserPath(me.Pub, "friends", from)
	if err := s.graph.Put(ctx, path, models.Friend{Pub: from, Since: now}); err != nil {
		return models.Conversation{}, writeFailure(path, err)
	}

	// The requester's add-back certificate lets us list ourselves as its friend.
	if cert, err := readCertificate(ctx, s.graph, graph.UserPath(from, "certificates", me.Pub, "add_friend")); err == nil {
		back := graph.UserPath(from, "friends", me.Pub)
		if err := s.graph.Put(ctx, back, models.Friend{Pub: me.Pub, Since: now}, graph.WithCertificate(cert)); err != nil {
			s.log.Warn().Err(err).Str("peer", from).Msg("reciprocal friend entry not written")
		}
	}
	if _, err := s.certs.EnsureAddFriendCertificate(ctx, from); err != nil {
		s.log.Warn().Err(err).Str("peer", from).Msg("add-back certificate not issued")
	}

	conv, err := s.members.OpenDirect(ctx, from)
	if err != nil {
		return models.Conversation{}, err
	}
	if err := s.graph.Put(ctx, requestPath, nil); err != nil {
		s.log.Warn().Err(err).Str("peer", from).Msg("friend request not removed")
	}

	s.log.Info().Str("peer", from).Str("conversation", conv.ID).Msg("friend request accepted")
	return conv, nil
}

// RejectFriendRequest removes a pending request.
func (s *FriendService) RejectFriendRequest(ctx context.Context, from string) error {
	me, err := s.session.Current()
	if err != nil {
		return err
	}
	path, err := s.requestPath(ctx, me.Pub, from)
	if err != nil {
		return err
	}
	if err := s.graph.Put(ctx, path, nil); err != nil {
		return writeFailure(path, err)
	}
	return nil
}

// RemoveFriend deletes the friendship with peer. An open direct chat with
// peer returns to idle once the removal is observed.
func (s *FriendService) RemoveFriend(ctx context.Context, peer string) error {
	me, err := s.session.Current()
	if err != nil {
		return err
	}
	path := friendshipPath(me.Pub, peer)
	present, err := exists(ctx, s.graph, path)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: no friendship with %s", ErrNotFound, peer)
	}
	if err := s.graph.Put(ctx, path, nil); err != nil {
		return writeFailure(path, err)
	}

	own := graph.UserPath(me.Pub, "friends", peer)
	if err := s.graph.Put(ctx, own, nil); err != nil {
		s.log.Warn().Err(err).Str("peer", peer).Msg("friend entry not removed")
	}

	s.log.Info().Str("peer", peer).Msg("friend removed")
	return nil
}

func (s *FriendService) requestPath(ctx context.Context, me, from string) (string, error) {
	from = strings.TrimSpace(from)
	if from == "" || strings.ContainsRune(from, '/') {
		return "", fmt.Errorf("%w: requester %q", ErrInvalidArgument, from)
	}
	path := graph.UserPath(me, "friend_requests", from)
	present, err := exists(ctx, s.graph, path)
	if err != nil {
		return "", err
	}
	if !present {
		return "", fmt.Errorf("%w: no friend request from %s", ErrNotFound, from)
	}
	return path, nil
}
