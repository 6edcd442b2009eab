package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"

	"lindachat/graph"
	"lindachat/models"
)

type pendingWrite struct {
	path  string
	value any
}

// MembershipService manages groups, channels and direct chat records.
//
// Members and admins are stored one key per principal, so concurrent joins
// and leaves never overwrite each other.
type MembershipService struct {
	graph   graph.Graph
	session *Session
	cipher  Cipher
	clock   Clock
	log     zerolog.Logger
}

// Create allocates a group or channel with the caller as first member and admin.
func (s *MembershipService) Create(ctx context.Context, name, kind string) (models.Conversation, error) {
	me, err := s.session.Current()
	if err != nil {
		return models.Conversation{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Conversation{}, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	id, err := newConversationID(kind)
	if err != nil {
		return models.Conversation{}, err
	}
	secret, err := s.cipher.GenerateGroupKey()
	if err != nil {
		return models.Conversation{}, encryptionFailure(err)
	}

	now := s.clock.Now().UnixMilli()
	conv := models.Conversation{
		ID:      id,
		Type:    kind,
		Name:    name,
		Creator: me.Pub,
		Created: now,
		Secret:  secret,
	}

	convPath, _ := conversationPath(id)
	writes := []pendingWrite{
		{convPath, conv},
		{memberPath(id, me.Pub), models.Member{Pub: me.Pub, Alias: me.Alias, Joined: now}},
		{adminPath(id, me.Pub), models.Admin{Pub: me.Pub, Since: now}},
		{myConversationPath(me.Pub, id), models.ConversationRef{ConversationID: id, Type: kind, Name: name, Joined: now}},
	}
	if kind == models.ConversationGroup {
		record := models.DiscoveryRecord{ID: id, Type: kind, Name: name, Creator: me.Pub, Created: now}
		writes = append(writes, pendingWrite{publicGroupPath(id), record})
	}
	for _, w := range writes {
		if err := s.graph.Put(ctx, w.path, w.value); err != nil {
			return models.Conversation{}, writeFailure(w.path, err)
		}
	}

	s.log.Info().Str("conversation", id).Str("type", kind).Msg("conversation created")
	return conv, nil
}

// Join adds the caller to a group or channel. Joining twice is a no-op.
func (s *MembershipService) Join(ctx context.Context, id string) error {
	me, conv, err := s.groupOrChannel(ctx, id)
	if err != nil {
		return err
	}
	member, err := isMember(ctx, s.graph, conv.ID, me.Pub)
	if err != nil {
		return err
	}
	if member {
		return nil
	}

	now := s.clock.Now().UnixMilli()
	path := memberPath(conv.ID, me.Pub)
	if err := s.graph.Put(ctx, path, models.Member{Pub: me.Pub, Alias: me.Alias, Joined: now}); err != nil {
		return writeFailure(path, err)
	}
	path = myConversationPath(me.Pub, conv.ID)
	ref := models.ConversationRef{ConversationID: conv.ID, Type: conv.Type, Name: conv.Name, Joined: now}
	if err := s.graph.Put(ctx, path, ref); err != nil {
		return writeFailure(path, err)
	}

	s.log.Info().Str("conversation", conv.ID).Msg("joined")
	return nil
}

// Leave removes the caller from a group or channel. A conversation whose last
// admin leaves stays in place without an owner.
func (s *MembershipService) Leave(ctx context.Context, id string) error {
	me, conv, err := s.groupOrChannel(ctx, id)
	if err != nil {
		return err
	}

	for _, path := range []string{
		memberPath(conv.ID, me.Pub),
		adminPath(conv.ID, me.Pub),
		myConversationPath(me.Pub, conv.ID),
	} {
		present, err := exists(ctx, s.graph, path)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		if err := s.graph.Put(ctx, path, nil); err != nil {
			return writeFailure(path, err)
		}
	}

	s.log.Info().Str("conversation", conv.ID).Msg("left")
	return nil
}

// Delete tombstones a group or channel. Only admins and the creator may delete.
func (s *MembershipService) Delete(ctx context.Context, id string) error {
	me, conv, err := s.groupOrChannel(ctx, id)
	if err != nil {
		return err
	}
	admin, err := isAdmin(ctx, s.graph, conv.ID, me.Pub)
	if err != nil {
		return err
	}
	if !admin && conv.Creator != me.Pub {
		return fmt.Errorf("%w: only admins may delete %s", ErrPermissionDenied, conv.ID)
	}

	conv.Deleted = true
	conv.Secret = ""
	path, _ := conversationPath(conv.ID)
	if err := s.graph.Put(ctx, path, conv); err != nil {
		return writeFailure(path, err)
	}
	if conv.Type == models.ConversationGroup {
		if err := s.graph.Put(ctx, publicGroupPath(conv.ID), nil); err != nil {
			s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("discovery record not removed")
		}
	}
	if err := s.graph.Put(ctx, myConversationPath(me.Pub, conv.ID), nil); err != nil {
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("conversation index not updated")
	}

	s.log.Info().Str("conversation", conv.ID).Msg("conversation deleted")
	return nil
}

// Search returns discoverable groups and channels whose name contains query,
// ignoring case. An empty query matches everything.
func (s *MembershipService) Search(ctx context.Context, query string) ([]models.DiscoveryRecord, error) {
	folder := cases.Fold()
	needle := folder.String(strings.TrimSpace(query))

	var results []models.DiscoveryRecord
	seen := make(map[string]struct{})

	groups, err := s.graph.Children(ctx, publicGroups)
	if err != nil {
		return nil, err
	}
	for _, node := range groups {
		var rec models.DiscoveryRecord
		if err := node.Decode(&rec); err != nil || rec.ID == "" {
			continue
		}
		if !s.live(ctx, rec.ID) {
			continue
		}
		if strings.Contains(folder.String(rec.Name), needle) {
			results = append(results, rec)
			seen[rec.ID] = struct{}{}
		}
	}

	channels, err := s.graph.Children(ctx, channelRoot)
	if err != nil {
		return nil, err
	}
	for _, node := range channels {
		var conv models.Conversation
		if err := node.Decode(&conv); err != nil || conv.Deleted || conv.ID == "" {
			continue
		}
		if _, dup := seen[conv.ID]; dup {
			continue
		}
		if strings.Contains(folder.String(conv.Name), needle) {
			results = append(results, models.DiscoveryRecord{
				ID:      conv.ID,
				Type:    conv.Type,
				Name:    conv.Name,
				Creator: conv.Creator,
				Created: conv.Created,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Name != results[j].Name {
			return results[i].Name < results[j].Name
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// live reports whether the conversation behind a discovery record still exists.
func (s *MembershipService) live(ctx context.Context, id string) bool {
	_, err := loadConversation(ctx, s.graph, id)
	return err == nil
}

// Members lists the member set of a group or channel.
func (s *MembershipService) Members(ctx context.Context, id string) ([]models.Member, error) {
	if _, err := loadConversation(ctx, s.graph, id); err != nil {
		return nil, err
	}
	nodes, err := s.graph.Children(ctx, membersPath(id))
	if err != nil {
		return nil, err
	}
	members := make([]models.Member, 0, len(nodes))
	for _, node := range nodes {
		var member models.Member
		if err := node.Decode(&member); err != nil {
			continue
		}
		if member.Pub == "" {
			member.Pub = node.Key
		}
		members = append(members, member)
	}
	return members, nil
}

// CountMembers returns the size of the member set.
func (s *MembershipService) CountMembers(ctx context.Context, id string) (int, error) {
	members, err := s.Members(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// Admins lists the admin set of a group or channel.
func (s *MembershipService) Admins(ctx context.Context, id string) ([]models.Admin, error) {
	if _, err := loadConversation(ctx, s.graph, id); err != nil {
		return nil, err
	}
	nodes, err := s.graph.Children(ctx, adminsPath(id))
	if err != nil {
		return nil, err
	}
	admins := make([]models.Admin, 0, len(nodes))
	for _, node := range nodes {
		var admin models.Admin
		if err := node.Decode(&admin); err != nil {
			continue
		}
		if admin.Pub == "" {
			admin.Pub = node.Key
		}
		admins = append(admins, admin)
	}
	return admins, nil
}

// IsMember reports whether pub is in the member set of id.
func (s *MembershipService) IsMember(ctx context.Context, id, pub string) (bool, error) {
	if _, err := conversationPath(id); err != nil {
		return false, err
	}
	return isMember(ctx, s.graph, id, pub)
}

// IsAdmin reports whether pub is in the admin set of id.
func (s *MembershipService) IsAdmin(ctx context.Context, id, pub string) (bool, error) {
	if _, err := conversationPath(id); err != nil {
		return false, err
	}
	return isAdmin(ctx, s.graph, id, pub)
}

// PromoteAdmin adds a member to the admin set. The caller must be an admin.
func (s *MembershipService) PromoteAdmin(ctx context.Context, id, member string) error {
	me, conv, err := s.groupOrChannel(ctx, id)
	if err != nil {
		return err
	}
	admin, err := isAdmin(ctx, s.graph, conv.ID, me.Pub)
	if err != nil {
		return err
	}
	if !admin {
		return fmt.Errorf("%w: only admins may promote in %s", ErrPermissionDenied, conv.ID)
	}
	ok, err := isMember(ctx, s.graph, conv.ID, member)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not a member of %s", ErrNotFound, member, conv.ID)
	}

	path := adminPath(conv.ID, member)
	if err := s.graph.Put(ctx, path, models.Admin{Pub: member, Since: s.clock.Now().UnixMilli()}); err != nil {
		return writeFailure(path, err)
	}
	return nil
}

// MyConversations lists the caller's conversation index, newest first.
func (s *MembershipService) MyConversations(ctx context.Context) ([]models.ConversationRef, error) {
	me, err := s.session.Current()
	if err != nil {
		return nil, err
	}
	nodes, err := s.graph.Children(ctx, graph.UserPath(me.Pub, "my_conversations"))
	if err != nil {
		return nil, err
	}
	refs := make([]models.ConversationRef, 0, len(nodes))
	for _, node := range nodes {
		var ref models.ConversationRef
		if err := node.Decode(&ref); err != nil {
			continue
		}
		if ref.ConversationID == "" {
			ref.ConversationID = node.Key
		}
		refs = append(refs, ref)
	}
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Joined > refs[j].Joined })
	return refs, nil
}

// OpenDirect returns the direct chat with peer, creating it when missing.
// The peer must have published a profile.
func (s *MembershipService) OpenDirect(ctx context.Context, peer string) (models.Conversation, error) {
	me, err := s.session.Current()
	if err != nil {
		return models.Conversation{}, err
	}
	peer = strings.TrimSpace(peer)
	if peer == "" || peer == me.Pub || strings.ContainsRune(peer, '/') {
		return models.Conversation{}, fmt.Errorf("%w: direct chat peer %q", ErrInvalidArgument, peer)
	}
	if _, err := s.session.Profile(ctx, peer); err != nil {
		return models.Conversation{}, err
	}

	id := DirectConversationID(me.Pub, peer)
	conv, err := loadConversation(ctx, s.graph, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Conversation{}, err
	}

	participants := []string{me.Pub, peer}
	sort.Strings(participants)
	now := s.clock.Now().UnixMilli()
	conv = models.Conversation{
		ID:           id,
		Type:         models.ConversationDirect,
		Creator:      me.Pub,
		Participants: participants,
		Created:      now,
	}
	path, _ := conversationPath(id)
	if err := s.graph.Put(ctx, path, conv); err != nil {
		return models.Conversation{}, writeFailure(path, err)
	}
	ref := models.ConversationRef{ConversationID: id, Type: conv.Type, Joined: now}
	if err := s.graph.Put(ctx, myConversationPath(me.Pub, id), ref); err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("conversation index not updated")
	}
	return conv, nil
}

func (s *MembershipService) groupOrChannel(ctx context.Context, id string) (Identity, models.Conversation, error) {
	me, err := s.session.Current()
	if err != nil {
		return Identity{}, models.Conversation{}, err
	}
	conv, err := loadConversation(ctx, s.graph, id)
	if err != nil {
		return Identity{}, models.Conversation{}, err
	}
	if conv.Type == models.ConversationDirect {
		return Identity{}, models.Conversation{}, fmt.Errorf("%w: %s is a direct chat", ErrInvalidArgument, id)
	}
	return me, conv, nil
}
