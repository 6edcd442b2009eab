package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"lindachat/graph"
	"lindachat/metrics"
	"lindachat/models"
)

// Display statuses, in increasing order.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var statusRank = map[string]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func receiptStatus(kind string) string {
	switch kind {
	case models.ReceiptSent:
		return StatusSent
	case models.ReceiptDelivery:
		return StatusDelivered
	case models.ReceiptRead:
		return StatusRead
	default:
		return ""
	}
}

// foldStatus returns the higher of current and next.
func foldStatus(current, next string) string {
	if statusRank[next] > statusRank[current] {
		return next
	}
	return current
}

// Cipher is the content encryption collaborator.
type Cipher interface {
	Encrypt(plaintext, key string) (string, error)
	Decrypt(ciphertext, key string) (string, error)
	GenerateGroupKey() (string, error)
}

// ViewMessage is a decrypted message as presented to the UI.
type ViewMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	SenderAlias    string `json:"sender_alias,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
	Version        string `json:"version"`
	Outgoing       bool   `json:"outgoing"`
	Status         string `json:"status"`
}

func lessMessage(a, b *ViewMessage) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// LastMessageView is a decrypted last-message pointer.
type LastMessageView struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// MessageStore writes and reads message records.
type MessageStore struct {
	graph      graph.Graph
	session    *Session
	blocks     *BlockRegistry
	perms      *PermissionResolver
	cipher     Cipher
	clock      Clock
	previewLen int
	random     io.Reader
	log        zerolog.Logger
}

// Send encrypts content and writes it into the conversation. recipient may
// be empty; for direct chats it must name the other participant when set.
// Every validation runs before the first write.
func (s *MessageStore) Send(ctx context.Context, conversationID, recipient, content string) (string, error) {
	id, err := s.send(ctx, conversationID, recipient, content)
	if err != nil {
		metrics.SendRejectedTotal.WithLabelValues(Reason(err)).Inc()
		return "", err
	}
	return id, nil
}

func (s *MessageStore) send(ctx context.Context, conversationID, recipient, content string) (string, error) {
	me, err := s.session.Current()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}

	conv, err := loadConversation(ctx, s.graph, conversationID)
	if err != nil {
		return "", err
	}

	switch conv.Type {
	case models.ConversationDirect:
		if !conv.HasParticipant(me.Pub) {
			return "", fmt.Errorf("%w: not a participant of %s", ErrPermissionDenied, conv.ID)
		}
		peer := conv.Peer(me.Pub)
		if recipient != "" && recipient != peer {
			return "", fmt.Errorf("%w: %s is not part of %s", ErrInvalidArgument, recipient, conv.ID)
		}
		recipient = peer

		status, err := s.blocks.Status(ctx, peer)
		if err != nil {
			return "", err
		}
		if status.Blocked() {
			return "", fmt.Errorf("%w: direct chat with %s", ErrBlocked, peer)
		}
	default:
		ok, err := s.perms.CanPost(ctx, conv, me.Pub)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: cannot post in %s %s", ErrPermissionDenied, conv.Type, conv.ID)
		}
		recipient = ""
	}

	key, err := contentKey(ctx, s.session, conv, me.Pub)
	if err != nil {
		return "", err
	}

	now := s.clock.Now()
	id, err := newMessageID(now, s.random)
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}

	sealedContent, err := s.cipher.Encrypt(content, key)
	if err != nil {
		return "", encryptionFailure(err)
	}
	sealedPreview, err := s.cipher.Encrypt(preview(content, s.previewLen), key)
	if err != nil {
		return "", encryptionFailure(err)
	}

	msg := models.Message{
		ID:             id,
		ConversationID: conv.ID,
		Sender:         me.Pub,
		SenderAlias:    me.Alias,
		Recipient:      recipient,
		Content:        sealedContent,
		Preview:        sealedPreview,
		Timestamp:      now.UnixMilli(),
		Version:        models.ProtocolVersion,
	}
	path := messagePath(conv.ID, id)
	if err := s.graph.Put(ctx, path, msg); err != nil {
		return "", writeFailure(path, err)
	}
	metrics.MessagesSentTotal.WithLabelValues(conv.Type).Inc()

	receipt := models.Receipt{MessageID: id, Type: models.ReceiptSent, By: me.Pub, Timestamp: msg.Timestamp}
	if err := s.graph.Put(ctx, receiptPath(conv.ID, id, models.ReceiptSent, me.Pub), receipt); err != nil {
		s.log.Warn().Err(err).Str("message", id).Msg("sent receipt not written")
	} else {
		metrics.ReceiptsEmittedTotal.WithLabelValues(models.ReceiptSent).Inc()
	}

	last := models.LastMessage{
		Content:   sealedPreview,
		Sender:    me.Pub,
		Timestamp: msg.Timestamp,
		Version:   models.ProtocolVersion,
	}
	if err := s.graph.Put(ctx, lastMessagePath(conv.ID), last); err != nil {
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("last message pointer not updated")
	}

	s.log.Debug().Str("conversation", conv.ID).Str("message", id).Msg("message sent")
	return id, nil
}

// History reads the conversation's messages once, decrypted and ordered.
// Status is not folded from receipts here; use a selected view for that.
func (s *MessageStore) History(ctx context.Context, conversationID string) ([]ViewMessage, error) {
	me, err := s.session.Current()
	if err != nil {
		return nil, err
	}
	conv, err := loadConversation(ctx, s.graph, conversationID)
	if err != nil {
		return nil, err
	}
	ok, err := s.perms.CanRead(ctx, conv, me.Pub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: cannot read %s", ErrPermissionDenied, conv.ID)
	}

	key, err := contentKey(ctx, s.session, conv, me.Pub)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", conv.ID).Msg("content key unavailable")
	}

	nodes, err := s.graph.Children(ctx, messagesPath(conv.ID))
	if err != nil {
		return nil, err
	}
	out := make([]ViewMessage, 0, len(nodes))
	for _, node := range nodes {
		msg, ok := decodeMessage(node, conv.ID)
		if !ok {
			continue
		}
		out = append(out, s.present(msg, key, me.Pub))
	}
	sort.Slice(out, func(i, j int) bool { return lessMessage(&out[i], &out[j]) })
	return out, nil
}

// decodeMessage reads a message record stored under conversationID. Records
// that are malformed, keyed under another id or claiming another
// conversation are dropped. A missing conversation id is taken from the path.
func decodeMessage(node graph.Node, conversationID string) (models.Message, bool) {
	var msg models.Message
	if err := node.Decode(&msg); err != nil || !msg.Valid() || msg.ID != node.Key {
		return models.Message{}, false
	}
	switch msg.ConversationID {
	case "":
		msg.ConversationID = conversationID
	case conversationID:
	default:
		return models.Message{}, false
	}
	return msg, true
}

func (s *MessageStore) present(msg models.Message, key, me string) ViewMessage {
	view := ViewMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Sender:         msg.Sender,
		SenderAlias:    msg.SenderAlias,
		Recipient:      msg.Recipient,
		Timestamp:      msg.Timestamp,
		Version:        msg.Version,
		Outgoing:       msg.Sender == me,
		Status:         StatusPending,
	}
	if key != "" {
		text, err := s.cipher.Decrypt(msg.Content, key)
		if err != nil {
			s.log.Debug().Err(err).Str("message", msg.ID).Msg("message not decryptable")
		} else {
			view.Text = text
		}
	}
	return view
}

// LastMessage returns the decrypted last-message pointer of a conversation.
func (s *MessageStore) LastMessage(ctx context.Context, conversationID string) (LastMessageView, error) {
	var view LastMessageView
	me, err := s.session.Current()
	if err != nil {
		return view, err
	}
	conv, err := loadConversation(ctx, s.graph, conversationID)
	if err != nil {
		return view, err
	}

	node, err := s.graph.Get(ctx, lastMessagePath(conv.ID))
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return view, fmt.Errorf("%w: no messages in %s", ErrNotFound, conv.ID)
		}
		return view, err
	}
	var last models.LastMessage
	if err := node.Decode(&last); err != nil {
		return view, fmt.Errorf("decode last message: %w", err)
	}

	key, err := contentKey(ctx, s.session, conv, me.Pub)
	if err != nil {
		return view, err
	}
	text, err := s.cipher.Decrypt(last.Content, key)
	if err != nil {
		return view, encryptionFailure(err)
	}
	return LastMessageView{Text: text, Sender: last.Sender, Timestamp: last.Timestamp}, nil
}

// ClearConversation deletes every message and receipt of a conversation.
// Direct chat participants and group/channel admins may clear.
func (s *MessageStore) ClearConversation(ctx context.Context, conversationID string) error {
	me, err := s.session.Current()
	if err != nil {
		return err
	}
	conv, err := loadConversation(ctx, s.graph, conversationID)
	if err != nil {
		return err
	}

	allowed := conv.HasParticipant(me.Pub)
	if conv.Type != models.ConversationDirect {
		if allowed, err = isAdmin(ctx, s.graph, conv.ID, me.Pub); err != nil {
			return err
		}
	}
	if !allowed {
		return fmt.Errorf("%w: cannot clear %s", ErrPermissionDenied, conv.ID)
	}

	messages, err := s.graph.Children(ctx, messagesPath(conv.ID))
	if err != nil {
		return err
	}
	for _, msg := range messages {
		receipts, err := s.graph.Children(ctx, receiptsPath(conv.ID, msg.Key))
		if err != nil {
			return err
		}
		for _, receipt := range receipts {
			if err := s.graph.Put(ctx, receipt.Path, nil); err != nil {
				return writeFailure(receipt.Path, err)
			}
		}
		if err := s.graph.Put(ctx, msg.Path, nil); err != nil {
			return writeFailure(msg.Path, err)
		}
	}

	path := lastMessagePath(conv.ID)
	if err := s.graph.Put(ctx, path, nil); err != nil {
		return writeFailure(path, err)
	}

	s.log.Info().Str("conversation", conv.ID).Int("messages", len(messages)).Msg("conversation cleared")
	return nil
}

func preview(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
