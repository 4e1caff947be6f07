// Package readstate derives and maintains per-participant unread counters.
//
// The stored counter is a cache of Derive: the number of messages authored by someone else
// with created_at after the user's last_read_at. Every mutation recomputes it from the
// messages table inside a single UPDATE. Callers must make sure that recount sees every
// committed message: increments run inside the send transaction after the insert, and resets
// run after share-locking the conversation row, which waits for in-flight sends to commit.
package readstate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"property-messaging/internal/models"
)

// ErrNoReadState is returned when a participant has no read-state row.
var ErrNoReadState = errors.New("read state not found")

// Derive counts messages in msgs authored by someone other than userID after lastReadAt.
func Derive(msgs []models.Message, userID string, lastReadAt time.Time) int {
	count := 0
	for _, m := range msgs {
		if m.SenderID != userID && m.CreatedAt.After(lastReadAt) {
			count++
		}
	}
	return count
}

// LatestFrom returns the newest created_at among messages not authored by userID.
func LatestFrom(msgs []models.Message, userID string) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, m := range msgs {
		if m.SenderID == userID {
			continue
		}
		if !found || m.CreatedAt.After(latest) {
			latest = m.CreatedAt
			found = true
		}
	}
	return latest, found
}

// Tracker is the mutation surface over conversation_reads.
type Tracker struct {
	db *sqlx.DB
}

// NewTracker constructs a Tracker.
func NewTracker(db *sqlx.DB) *Tracker {
	return &Tracker{db: db}
}

// Increment accounts for a newly appended message on recipientID's counter.
// The counter is re-derived, so at-least-once replays do not double count.
func (t *Tracker) Increment(ctx context.Context, q sqlx.ExtContext, conversationID, recipientID string) error {
	res, err := q.ExecContext(ctx, `UPDATE conversation_reads r
        SET unread_count = (SELECT COUNT(*) FROM messages m
            WHERE m.conversation_id = r.conversation_id
            AND m.sender_id <> r.user_id
            AND m.created_at > r.last_read_at)
        WHERE r.conversation_id = $1 AND r.user_id = $2`, conversationID, recipientID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Reset marks userID as having read everything up to asOf. Messages created after asOf stay
// unread. A zero asOf means the store's current time. Counters already at zero are left alone.
// q must hold a share lock on the conversation row (see MessageRepo.MarkRead).
func (t *Tracker) Reset(ctx context.Context, q sqlx.ExtContext, conversationID, userID string, asOf time.Time) error {
	var asOfArg interface{}
	if !asOf.IsZero() {
		asOfArg = asOf
	}
	_, err := q.ExecContext(ctx, `UPDATE conversation_reads r
        SET last_read_at = GREATEST(r.last_read_at, COALESCE($3::timestamptz, NOW())),
            unread_count = (SELECT COUNT(*) FROM messages m
                WHERE m.conversation_id = r.conversation_id
                AND m.sender_id <> r.user_id
                AND m.created_at > GREATEST(r.last_read_at, COALESCE($3::timestamptz, NOW())))
        WHERE r.conversation_id = $1 AND r.user_id = $2 AND r.unread_count > 0`, conversationID, userID, asOfArg)
	return err
}

// Consistency compares the stored counter with a fresh derivation.
type Consistency struct {
	Stored     int
	Derived    int
	LastReadAt time.Time
}

// Consistent reports whether the stored counter matches the derivation.
func (c Consistency) Consistent() bool {
	return c.Stored == c.Derived
}

// Check loads the stored counter and recomputes it from messages.
func (t *Tracker) Check(ctx context.Context, conversationID, userID string) (Consistency, error) {
	var state struct {
		UnreadCount int       `db:"unread_count"`
		LastReadAt  time.Time `db:"last_read_at"`
	}
	err := t.db.GetContext(ctx, &state, `SELECT unread_count, last_read_at FROM conversation_reads
        WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Consistency{}, ErrNoReadState
	}
	if err != nil {
		return Consistency{}, err
	}

	var msgs []models.Message
	if err := t.db.SelectContext(ctx, &msgs, `SELECT id, conversation_id, sender_id, content, attachments, read_at, created_at
        FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return Consistency{}, err
	}

	return Consistency{
		Stored:     state.UnreadCount,
		Derived:    Derive(msgs, userID, state.LastReadAt),
		LastReadAt: state.LastReadAt,
	}, nil
}

func expectRow(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNoReadState
	}
	return nil
}
