package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"property-messaging/internal/readstate"
)

// Store groups the repositories and runs units of work that must commit together.
type Store interface {
	Conversations() ConversationRepository
	Messages() MessageRepository
	InTx(ctx context.Context, fn func(conversations ConversationRepository, messages MessageRepository) error) error
}

// SQLStore is the Postgres-backed Store.
type SQLStore struct {
	db            *sqlx.DB
	tracker       *readstate.Tracker
	conversations *ConversationRepo
	messages      *MessageRepo
}

// NewStore constructs a SQLStore.
func NewStore(db *sqlx.DB) *SQLStore {
	tracker := readstate.NewTracker(db)
	return &SQLStore{
		db:            db,
		tracker:       tracker,
		conversations: NewConversationRepo(db, tracker),
		messages:      NewMessageRepo(db, tracker),
	}
}

// Conversations returns the non-transactional conversation repository.
func (s *SQLStore) Conversations() ConversationRepository { return s.conversations }

// Messages returns the non-transactional message repository.
func (s *SQLStore) Messages() MessageRepository { return s.messages }

// Tracker exposes the read-state tracker.
func (s *SQLStore) Tracker() *readstate.Tracker { return s.tracker }

// InTx runs fn with repositories bound to one transaction. Any error rolls everything back.
func (s *SQLStore) InTx(ctx context.Context, fn func(conversations ConversationRepository, messages MessageRepository) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(NewConversationRepo(tx, s.tracker), NewMessageRepo(tx, s.tracker)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
var _ ConversationRepository = (*ConversationRepo)(nil)
var _ MessageRepository = (*MessageRepo)(nil)
