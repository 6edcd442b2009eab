package models

// Conversation types.
const (
	ConversationDirect  = "direct"
	ConversationGroup   = "group"
	ConversationChannel = "channel"
)

// Conversation is the record at a conversation's root path.
// A deleted conversation keeps its record with Deleted set.
type Conversation struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Name         string   `json:"name,omitempty"`
	Creator      string   `json:"creator,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Created      int64    `json:"created"`
	Deleted      bool     `json:"deleted,omitempty"`
	Secret       string   `json:"secret,omitempty"`
}

// HasParticipant reports whether pub is one of a direct chat's two parties.
func (c Conversation) HasParticipant(pub string) bool {
	for _, p := range c.Participants {
		if p == pub {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a direct chat.
func (c Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// Member is one entry of a group/channel membership set.
type Member struct {
	Pub    string `json:"pub"`
	Alias  string `json:"alias,omitempty"`
	Joined int64  `json:"joined"`
}

// Admin is one entry of a channel/group admin set.
type Admin struct {
	Pub   string `json:"pub"`
	Since int64  `json:"since"`
}

// ConversationRef indexes a conversation under ~<pub>/my_conversations.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
	Name           string `json:"name,omitempty"`
	Joined         int64  `json:"joined"`
}

// DiscoveryRecord is the public listing of an open group.
type DiscoveryRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Creator string `json:"creator"`
	Created int64  `json:"created"`
}
