package chat

import (
	"context"
	"errors"
	"fmt"

	"lindachat/graph"
	"lindachat/models"
)

func loadConversation(ctx context.Context, g graph.Graph, id string) (models.Conversation, error) {
	var conv models.Conversation
	path, err := conversationPath(id)
	if err != nil {
		return conv, err
	}

	node, err := g.Get(ctx, path)
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return conv, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
		}
		return conv, err
	}
	if err := node.Decode(&conv); err != nil {
		return conv, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	if conv.Deleted {
		return conv, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if conv.ID == "" {
		conv.ID = id
	}
	return conv, nil
}

// exists reports whether path holds a live value.
func exists(ctx context.Context, g graph.Graph, path string) (bool, error) {
	_, err := g.Get(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, graph.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func isMember(ctx context.Context, g graph.Graph, conversationID, pub string) (bool, error) {
	return exists(ctx, g, memberPath(conversationID, pub))
}

func isAdmin(ctx context.Context, g graph.Graph, conversationID, pub string) (bool, error) {
	return exists(ctx, g, adminPath(conversationID, pub))
}

// contentKey resolves the key messages in conv are sealed with, from me's side.
// Direct chats use the other party's published encryption key; groups and
// channels carry a shared secret on the conversation record.
func contentKey(ctx context.Context, session *Session, conv models.Conversation, me string) (string, error) {
	if conv.Type != models.ConversationDirect {
		if conv.Secret == "" {
			return "", fmt.Errorf("%w: conversation %s has no key", ErrEncryptionFailure, conv.ID)
		}
		return conv.Secret, nil
	}

	peer := conv.Peer(me)
	if peer == "" {
		return "", fmt.Errorf("%w: not a participant of %s", ErrPermissionDenied, conv.ID)
	}
	profile, err := session.Profile(ctx, peer)
	if err != nil {
		return "", err
	}
	if profile.EPub == "" {
		return "", fmt.Errorf("%w: %s has no encryption key", ErrEncryptionFailure, peer)
	}
	return profile.EPub, nil
}
