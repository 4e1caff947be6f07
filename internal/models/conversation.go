package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Conversation is a thread between exactly two users, optionally scoped to a property listing.
// UnreadCount is always relative to the user the conversation was loaded for.
type Conversation struct {
	ID            string    `db:"id" json:"id"`
	User1ID       string    `db:"user1_id" json:"-"`
	User2ID       string    `db:"user2_id" json:"-"`
	PropertyID    *string   `db:"property_id" json:"property_id"`
	Subject       *string   `db:"subject" json:"subject"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	LastMessageAt time.Time `db:"last_message_at" json:"last_message_at"`
	UnreadCount   int       `db:"unread_count" json:"unread_count"`
}

// Participants returns both participant ids in stored (sorted) order.
func (c Conversation) Participants() []string {
	return []string{c.User1ID, c.User2ID}
}

// MarshalJSON exposes the participant pair as a list.
func (c Conversation) MarshalJSON() ([]byte, error) {
	type plain Conversation
	return json.Marshal(struct {
		plain
		Participants []string `json:"participants"`
	}{plain(c), c.Participants()})
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.User1ID == userID || c.User2ID == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// SortedPair orders two participant ids the way conversations are keyed.
func SortedPair(a, b string) (string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0], pair[1]
}
