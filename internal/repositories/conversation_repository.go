package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"property-messaging/internal/models"
	"property-messaging/internal/readstate"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	ListForUser(ctx context.Context, userID string) ([]models.Conversation, error)
	CreateOrGet(ctx context.Context, userA, userB string, propertyID, subject *string) (models.Conversation, error)
	Get(ctx context.Context, conversationID, viewerID string) (models.Conversation, error)
	Delete(ctx context.Context, conversationID, requesterID string) error
	TouchOnNewMessage(ctx context.Context, conversationID string, lastMessageAt time.Time, recipientID string) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	q       sqlx.ExtContext
	tracker *readstate.Tracker
}

// NewConversationRepo constructs a ConversationRepo over a database handle or transaction.
func NewConversationRepo(q sqlx.ExtContext, tracker *readstate.Tracker) *ConversationRepo {
	return &ConversationRepo{q: q, tracker: tracker}
}

const conversationColumns = `c.id, c.user1_id, c.user2_id, c.property_id, c.subject, c.created_at, c.last_message_at,
        COALESCE(r.unread_count, 0) AS unread_count`

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c
        LEFT JOIN conversation_reads r ON r.conversation_id = c.id AND r.user_id = $1
        WHERE c.user1_id = $1 OR c.user2_id = $1
        ORDER BY c.last_message_at DESC, c.id`
	convs := []models.Conversation{}
	if err := sqlx.SelectContext(ctx, r.q, &convs, query, userID); err != nil {
		return nil, classify(err)
	}
	return convs, nil
}

// CreateOrGet returns the conversation for {userA, userB, propertyID}, creating it when absent.
// The insert and the existence check are one statement guarded by the dedup index; a lost race
// re-reads and returns the winner. It must not run inside a transaction because a unique
// violation aborts the enclosing transaction.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, userA, userB string, propertyID, subject *string) (models.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return models.Conversation{}, ErrInvalidParticipants
	}
	user1, user2 := models.SortedPair(userA, userB)

	var conv models.Conversation
	err := sqlx.GetContext(ctx, r.q, &conv, `WITH ins AS (
            INSERT INTO conversations (user1_id, user2_id, property_id, subject)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (user1_id, user2_id, (COALESCE(property_id, ''))) DO NOTHING
            RETURNING id, user1_id, user2_id, property_id, subject, created_at, last_message_at
        ), reads AS (
            INSERT INTO conversation_reads (conversation_id, user_id, last_read_at)
            SELECT ins.id, u.user_id, ins.created_at
            FROM ins, unnest(ARRAY[ins.user1_id, ins.user2_id]) AS u(user_id)
        )
        SELECT id, user1_id, user2_id, property_id, subject, created_at, last_message_at, 0 AS unread_count FROM ins`,
		user1, user2, propertyID, subject)
	if err == nil {
		return conv, nil
	}

	err = classify(err)
	if !errors.Is(err, sql.ErrNoRows) && !errors.Is(err, errDuplicateConversation) {
		return models.Conversation{}, err
	}
	return r.findByKey(ctx, user1, user2, propertyID, userA)
}

func (r *ConversationRepo) findByKey(ctx context.Context, user1, user2 string, propertyID *string, viewerID string) (models.Conversation, error) {
	var conv models.Conversation
	err := sqlx.GetContext(ctx, r.q, &conv, `SELECT `+conversationColumns+` FROM conversations c
        LEFT JOIN conversation_reads r ON r.conversation_id = c.id AND r.user_id = $4
        WHERE c.user1_id = $1 AND c.user2_id = $2 AND COALESCE(c.property_id, '') = COALESCE($3::text, '')`,
		user1, user2, propertyID, viewerID)
	if errors.Is(err, sql.ErrNoRows) {
		// the winning insert was rolled back after we observed the conflict
		return models.Conversation{}, fmt.Errorf("create conversation: %w", ErrNotFound)
	}
	if err != nil {
		return models.Conversation{}, classify(err)
	}
	return conv, nil
}

// Get fetches a conversation as seen by viewerID.
func (r *ConversationRepo) Get(ctx context.Context, conversationID, viewerID string) (models.Conversation, error) {
	var conv models.Conversation
	err := sqlx.GetContext(ctx, r.q, &conv, `SELECT `+conversationColumns+` FROM conversations c
        LEFT JOIN conversation_reads r ON r.conversation_id = c.id AND r.user_id = $2
        WHERE c.id = $1`, conversationID, viewerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, classify(err)
	}
	if !conv.HasParticipant(viewerID) {
		return models.Conversation{}, ErrNotAuthorized
	}
	return conv, nil
}

// Delete removes a conversation; messages and read state cascade.
func (r *ConversationRepo) Delete(ctx context.Context, conversationID, requesterID string) error {
	if _, err := r.Get(ctx, conversationID, requesterID); err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1 AND (user1_id = $2 OR user2_id = $2)`,
		conversationID, requesterID)
	if err != nil {
		return classify(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchOnNewMessage advances last_message_at and accounts the new message on the recipient's
// counter. Callers invoke it only after the message insert succeeded.
func (r *ConversationRepo) TouchOnNewMessage(ctx context.Context, conversationID string, lastMessageAt time.Time, recipientID string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2)
        WHERE id = $1`, conversationID, lastMessageAt)
	if err != nil {
		return classify(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if count == 0 {
		return ErrNotFound
	}

	if err := r.tracker.Increment(ctx, r.q, conversationID, recipientID); err != nil {
		if errors.Is(err, readstate.ErrNoReadState) {
			return fmt.Errorf("touch conversation: %w", ErrNotAuthorized)
		}
		return classify(err)
	}
	return nil
}
