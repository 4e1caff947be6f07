package models

import (
	"time"

	"github.com/lib/pq"
)

// Message is an immutable unit of content within a conversation.
type Message struct {
	ID             string         `db:"id" json:"id"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	SenderID       string         `db:"sender_id" json:"sender_id"`
	Content        string         `db:"content" json:"content"`
	Attachments    pq.StringArray `db:"attachments" json:"attachments"`
	ReadAt         *time.Time     `db:"read_at" json:"read_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}
