package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"property-messaging/internal/models"
	"property-messaging/internal/readstate"
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	ListForConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	Append(ctx context.Context, conversationID, senderID, content string, attachments []string) (models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string, asOf time.Time) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	q       sqlx.ExtContext
	tracker *readstate.Tracker
}

// NewMessageRepo constructs MessageRepo over a database handle or transaction.
func NewMessageRepo(q sqlx.ExtContext, tracker *readstate.Tracker) *MessageRepo {
	return &MessageRepo{q: q, tracker: tracker}
}

const messageColumns = `id, conversation_id, sender_id, content, attachments, read_at, created_at`

// ListForConversation returns messages oldest first, ties broken by id.
func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := sqlx.SelectContext(ctx, r.q, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = $1
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, classify(err)
	}
	return msgs, nil
}

// Append stores a message from senderID. The conversation row is locked for the statement so
// created_at never goes backwards within a conversation.
func (r *MessageRepo) Append(ctx context.Context, conversationID, senderID, content string, attachments []string) (models.Message, error) {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return models.Message{}, ErrInvalidMessage
	}
	if attachments == nil {
		attachments = []string{}
	}

	var msg models.Message
	err := sqlx.GetContext(ctx, r.q, &msg, `WITH conv AS (
            SELECT id FROM conversations
            WHERE id = $1 AND (user1_id = $2 OR user2_id = $2)
            FOR UPDATE
        )
        INSERT INTO messages (conversation_id, sender_id, content, attachments, created_at)
        SELECT conv.id, $2, $3, $4::text[], GREATEST(clock_timestamp(),
            COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.conversation_id = conv.id), clock_timestamp()))
        FROM conv
        RETURNING `+messageColumns, conversationID, senderID, content, pq.StringArray(attachments))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.access(ctx, conversationID, senderID)
	}
	if err != nil {
		return models.Message{}, classify(err)
	}
	return msg, nil
}

// MarkRead marks messages from the other participant up to asOf as read and resets userID's
// counter as of asOf. A zero asOf means now.
//
// The conversation row is share-locked first. Append holds it FOR UPDATE until the send
// commits, so the recount in Reset starts after every in-flight send is visible and cannot
// overwrite an increment with a stale count.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, userID string, asOf time.Time) error {
	var asOfArg interface{}
	if !asOf.IsZero() {
		asOfArg = asOf
	}

	return r.inTx(ctx, func(q sqlx.ExtContext) error {
		if err := lockMembership(ctx, q, conversationID, userID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `UPDATE messages SET read_at = NOW()
            WHERE conversation_id = $1 AND sender_id <> $2 AND read_at IS NULL
            AND created_at <= COALESCE($3::timestamptz, NOW())`, conversationID, userID, asOfArg); err != nil {
			return classify(err)
		}
		if err := r.tracker.Reset(ctx, q, conversationID, userID, asOf); err != nil {
			return classify(err)
		}
		return nil
	})
}

type txBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// inTx runs fn in a transaction of its own, or in the caller's when the repository is
// already bound to one.
func (r *MessageRepo) inTx(ctx context.Context, fn func(q sqlx.ExtContext) error) (err error) {
	db, ok := r.q.(txBeginner)
	if !ok {
		return fn(r.q)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// lockMembership share-locks the conversation row and checks userID participates.
func lockMembership(ctx context.Context, q sqlx.ExtContext, conversationID, userID string) error {
	var members struct {
		User1ID string `db:"user1_id"`
		User2ID string `db:"user2_id"`
	}
	err := sqlx.GetContext(ctx, q, &members, `SELECT user1_id, user2_id FROM conversations WHERE id = $1 FOR SHARE`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	if members.User1ID != userID && members.User2ID != userID {
		return ErrNotAuthorized
	}
	return nil
}

// access resolves why a conversation is unusable for userID, or nil when it is usable.
func (r *MessageRepo) access(ctx context.Context, conversationID, userID string) error {
	var members struct {
		User1ID string `db:"user1_id"`
		User2ID string `db:"user2_id"`
	}
	err := sqlx.GetContext(ctx, r.q, &members, `SELECT user1_id, user2_id FROM conversations WHERE id = $1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return classify(err)
	}
	if members.User1ID != userID && members.User2ID != userID {
		return ErrNotAuthorized
	}
	return nil
}
