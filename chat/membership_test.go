package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lindachat/models"
)

func TestCreateGroupAndChannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")

	group, err := alice.Membership.Create(ctx, "  Book Club ", models.ConversationGroup)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(group.ID, "grp_"))
	assert.Equal(t, "Book Club", group.Name)
	assert.Equal(t, alice.id.Pub, group.Creator)
	assert.NotEmpty(t, group.Secret)

	channel, err := alice.Membership.Create(ctx, "News", models.ConversationChannel)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(channel.ID, "chn_"))

	_, err = h.graph.Get(ctx, publicGroupPath(group.ID))
	assert.NoError(t, err)
	_, err = h.graph.Get(ctx, publicGroupPath(channel.ID))
	assert.Error(t, err, "channels have no public group record")

	for _, id := range []string{group.ID, channel.ID} {
		member, err := alice.Membership.IsMember(ctx, id, alice.id.Pub)
		require.NoError(t, err)
		assert.True(t, member)
		admin, err := alice.Membership.IsAdmin(ctx, id, alice.id.Pub)
		require.NoError(t, err)
		assert.True(t, admin)
	}

	mine, err := alice.Membership.MyConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = alice.Membership.Create(ctx, "", models.ConversationGroup)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = alice.Membership.Create(ctx, "dm", models.ConversationDirect)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConcurrentJoinsConverge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bob")
	carol := h.newUser(t, "carol")

	channel, err := alice.Membership.Create(ctx, "town square", models.ConversationChannel)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, u := range []*testUser{bob, carol, bob, carol} {
		wg.Add(1)
		go func(u *testUser) {
			defer wg.Done()
			assert.NoError(t, u.Membership.Join(ctx, channel.ID))
		}(u)
	}
	wg.Wait()

	members, err := alice.Membership.Members(ctx, channel.ID)
	require.NoError(t, err)
	pubs := make([]string, 0, len(members))
	for _, m := range members {
		pubs = append(pubs, m.Pub)
	}
	assert.ElementsMatch(t, []string{alice.id.Pub, bob.id.Pub, carol.id.Pub}, pubs)

	count, err := alice.Membership.CountMembers(ctx, channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestLeaveIsIdempotentAndCanOrphan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bob")

	group, err := alice.Membership.Create(ctx, "club", models.ConversationGroup)
	require.NoError(t, err)
	require.NoError(t, bob.Membership.Join(ctx, group.ID))

	require.NoError(t, alice.Membership.Leave(ctx, group.ID))
	require.NoError(t, alice.Membership.Leave(ctx, group.ID))

	admins, err := bob.Membership.Admins(ctx, group.ID)
	require.NoError(t, err)
	assert.Empty(t, admins)

	count, err := bob.Membership.CountMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = bob.Send(ctx, group.ID, "", "anyone here?")
	assert.NoError(t, err)

	mine, err := alice.Membership.MyConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestDeleteRequiresAdminAndTombstones(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bob")

	group, err := alice.Membership.Create(ctx, "temporary", models.ConversationGroup)
	require.NoError(t, err)
	require.NoError(t, bob.Membership.Join(ctx, group.ID))

	err = bob.Membership.Delete(ctx, group.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, alice.Membership.Delete(ctx, group.ID))

	results, err := bob.Membership.Search(ctx, "temporary")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.ErrorIs(t, bob.Membership.Join(ctx, group.ID), ErrNotFound)
	_, err = bob.Send(ctx, group.ID, "", "hello?")
	assert.ErrorIs(t, err, ErrNotFound)

	// A stale replica re-sending the old discovery record does not resurrect it.
	record := models.DiscoveryRecord{ID: group.ID, Type: models.ConversationGroup, Name: "temporary"}
	require.NoError(t, h.graph.Put(ctx, publicGroupPath(group.ID), record))
	results, err = bob.Membership.Search(ctx, "temporary")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")

	club, err := alice.Membership.Create(ctx, "Book Club", models.ConversationGroup)
	require.NoError(t, err)
	news, err := alice.Membership.Create(ctx, "ÄPFEL News", models.ConversationChannel)
	require.NoError(t, err)
	_, err = alice.Membership.Create(ctx, "Chess", models.ConversationGroup)
	require.NoError(t, err)

	results, err := alice.Membership.Search(ctx, "book")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, club.ID, results[0].ID)

	results, err = alice.Membership.Search(ctx, "äpfel")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, news.ID, results[0].ID)
	assert.Equal(t, models.ConversationChannel, results[0].Type)

	results, err = alice.Membership.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestPromoteAdmin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bob")
	carol := h.newUser(t, "carol")

	channel, err := alice.Membership.Create(ctx, "news", models.ConversationChannel)
	require.NoError(t, err)
	require.NoError(t, bob.Membership.Join(ctx, channel.ID))

	assert.ErrorIs(t, bob.Membership.PromoteAdmin(ctx, channel.ID, bob.id.Pub), ErrPermissionDenied)
	assert.ErrorIs(t, alice.Membership.PromoteAdmin(ctx, channel.ID, carol.id.Pub), ErrNotFound)

	require.NoError(t, alice.Membership.PromoteAdmin(ctx, channel.ID, bob.id.Pub))
	_, err = bob.Send(ctx, channel.ID, "", "now I can post")
	assert.NoError(t, err)
}

func TestOpenDirect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.newUser(t, "alice")
	bob := h.newUser(t, "bob")

	first, err := alice.Membership.OpenDirect(ctx, bob.id.Pub)
	require.NoError(t, err)
	second, err := bob.Membership.OpenDirect(ctx, alice.id.Pub)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ConversationDirect, first.Type)
	assert.True(t, first.HasParticipant(alice.id.Pub))
	assert.True(t, first.HasParticipant(bob.id.Pub))

	_, err = alice.Membership.OpenDirect(ctx, alice.id.Pub)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = alice.Membership.OpenDirect(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, alice.Membership.Join(ctx, first.ID), ErrInvalidArgument)
}
