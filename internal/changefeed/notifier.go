package changefeed

import (
	"context"
	"errors"

	"property-messaging/internal/models"
)

// Notifier announces a committed change. In Postgres mode the database triggers do this and
// the notifier is a no-op.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.Notification) error { return nil }

// Publisher is the subset of rabbitmq.Publisher the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// AMQPNotifier publishes one copy of a change per participant routing key.
type AMQPNotifier struct {
	publisher Publisher
}

func NewAMQPNotifier(publisher Publisher) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher}
}

func (n *AMQPNotifier) Notify(ctx context.Context, note models.Notification) error {
	body := payload{
		Op:             note.Op,
		Table:          note.Table,
		ConversationID: note.ConversationID,
		Participants:   note.Participants,
	}
	var errs []error
	for _, userID := range note.Participants {
		if err := n.publisher.Publish(ctx, UserRoutingKey(userID), body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
