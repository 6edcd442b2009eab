package chat

import (
	"context"

	"lindachat/graph"
	"lindachat/models"
)

// PermissionResolver answers whether a principal may read or post in a
// conversation. Answers are always read from the graph, never cached.
type PermissionResolver struct {
	graph  graph.Graph
	blocks *BlockRegistry
}

// CanPost reports whether principal may post into conv.
//
// Direct chats require that neither party blocks the other. Channels require
// an admin, groups a member.
func (p *PermissionResolver) CanPost(ctx context.Context, conv models.Conversation, principal string) (bool, error) {
	switch conv.Type {
	case models.ConversationDirect:
		if !conv.HasParticipant(principal) {
			return false, nil
		}
		status, err := p.blocks.statusBetween(ctx, principal, conv.Peer(principal))
		if err != nil {
			return false, err
		}
		return !status.Blocked(), nil
	case models.ConversationChannel:
		return isAdmin(ctx, p.graph, conv.ID, principal)
	case models.ConversationGroup:
		return isMember(ctx, p.graph, conv.ID, principal)
	default:
		return false, nil
	}
}

// CanRead reports whether principal may read conv. Channel members read
// without being able to post.
func (p *PermissionResolver) CanRead(ctx context.Context, conv models.Conversation, principal string) (bool, error) {
	if conv.Type == models.ConversationDirect {
		return conv.HasParticipant(principal), nil
	}
	member, err := isMember(ctx, p.graph, conv.ID, principal)
	if err != nil || member {
		return member, err
	}
	return isAdmin(ctx, p.graph, conv.ID, principal)
}
