package models

// Profile is what a principal publishes about itself under ~<pub>/profile.
type Profile struct {
	Pub     string `json:"pub"`
	EPub    string `json:"epub"`
	Alias   string `json:"alias"`
	Updated int64  `json:"updated"`
}

// BlockEntry marks one target in the blocker's own blocked_users list.
type BlockEntry struct {
	Target    string `json:"target"`
	Timestamp int64  `json:"timestamp"`
}

// FriendRequest is written into the recipient's namespace under certificate.
type FriendRequest struct {
	From      string `json:"from"`
	Alias     string `json:"alias,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Friendship links two principals; removing it writes null.
type Friendship struct {
	ID      string `json:"id"`
	User1   string `json:"user1"`
	User2   string `json:"user2"`
	Created int64  `json:"created"`
}

// Other returns the friend of pub in this friendship, or "" if pub is not part of it.
func (f Friendship) Other(pub string) string {
	switch pub {
	case f.User1:
		return f.User2
	case f.User2:
		return f.User1
	default:
		return ""
	}
}

// Friend is one entry of ~<pub>/friends.
type Friend struct {
	Pub   string `json:"pub"`
	Since int64  `json:"since"`
}
