package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"lindachat/graph"
	"lindachat/models"
)

const (
	directRoot      = "chats"
	groupRoot       = "groups"
	channelRoot     = "channels"
	publicGroups    = "public/groups"
	friendshipsRoot = "friendships"

	directPrefix  = "dm_"
	groupPrefix   = "grp_"
	channelPrefix = "chn_"
)

// DirectConversationID is the deterministic id of the direct chat between a and b.
func DirectConversationID(a, b string) string {
	return directPrefix + pairDigest(a, b)
}

func friendshipID(a, b string) string {
	return "fr_" + pairDigest(a, b)
}

func pairDigest(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	sum := sha256.Sum256([]byte(pair[0] + "|" + pair[1]))
	return hex.EncodeToString(sum[:16])
}

func newConversationID(kind string) (string, error) {
	switch kind {
	case models.ConversationGroup:
		return groupPrefix + uuid.NewString(), nil
	case models.ConversationChannel:
		return channelPrefix + uuid.NewString(), nil
	default:
		return "", fmt.Errorf("%w: conversation type %q", ErrInvalidArgument, kind)
	}
}

func conversationRoot(id string) (string, error) {
	switch {
	case strings.HasPrefix(id, directPrefix):
		return directRoot, nil
	case strings.HasPrefix(id, groupPrefix):
		return groupRoot, nil
	case strings.HasPrefix(id, channelPrefix):
		return channelRoot, nil
	default:
		return "", fmt.Errorf("%w: conversation %q", ErrNotFound, id)
	}
}

func conversationPath(id string) (string, error) {
	root, err := conversationRoot(id)
	if err != nil {
		return "", err
	}
	if strings.ContainsRune(id, '/') {
		return "", fmt.Errorf("%w: conversation %q", ErrNotFound, id)
	}
	return graph.Join(root, id), nil
}

func mustConversationPath(id string, segments ...string) string {
	base, err := conversationPath(id)
	if err != nil {
		// Callers validate the id through loadConversation first.
		panic(err)
	}
	return graph.Join(append([]string{base}, segments...)...)
}

func messagesPath(id string) string           { return mustConversationPath(id, "messages") }
func messagePath(id, msgID string) string     { return mustConversationPath(id, "messages", msgID) }
func receiptsPath(id, msgID string) string    { return mustConversationPath(id, "receipts", msgID) }
func membersPath(id string) string            { return mustConversationPath(id, "members") }
func memberPath(id, pub string) string        { return mustConversationPath(id, "members", pub) }
func adminsPath(id string) string             { return mustConversationPath(id, "admins") }
func adminPath(id, pub string) string         { return mustConversationPath(id, "admins", pub) }
func lastMessagePath(id string) string        { return mustConversationPath(id, "last_message") }
func publicGroupPath(id string) string        { return graph.Join(publicGroups, id) }
func friendshipPath(a, b string) string       { return graph.Join(friendshipsRoot, friendshipID(a, b)) }
func myConversationPath(me, id string) string { return graph.UserPath(me, "my_conversations", id) }
func blockPath(blocker, target string) string { return graph.UserPath(blocker, "blocked_users", target) }

func receiptPath(id, msgID, kind, by string) string {
	return graph.Join(receiptsPath(id, msgID), kind+"_"+by)
}
