package models

// ProtocolVersion is stamped on every message and last-message record.
const ProtocolVersion = "2.0"

// Message is the record written once under a conversation's messages collection.
// Content and Preview are ciphertext; delivery state lives in receipts.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	SenderAlias    string `json:"sender_alias,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Content        string `json:"content"`
	Preview        string `json:"preview,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Version        string `json:"version"`
}

// Valid reports whether the record carries the fields a view requires.
func (m Message) Valid() bool {
	return m.ID != "" && m.Content != "" && m.Sender != "" && m.Timestamp > 0
}

// LastMessage is the denormalized pointer kept next to a conversation.
type LastMessage struct {
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// Receipt types, in increasing severity.
const (
	ReceiptSent     = "sent"
	ReceiptDelivery = "delivery"
	ReceiptRead     = "read"
)

// Receipt asserts that a message reached a lifecycle stage for one principal.
type Receipt struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	By        string `json:"by"`
	Timestamp int64  `json:"timestamp"`
}
