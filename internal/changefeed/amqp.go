package changefeed

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"property-messaging/internal/models"
)

// UserRoutingKey is the topic key a user's change notifications are published under.
func UserRoutingKey(userID string) string {
	return "user." + userID
}

// AMQPFeed consumes change notifications from a topic exchange. Each subscription gets an
// exclusive auto-delete queue bound to the user's routing key on a shared connection.
type AMQPFeed struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewAMQPFeed(url, exchange string) *AMQPFeed {
	return &AMQPFeed{url: url, exchange: exchange}
}

// Subscribe fails only when the first consumer cannot be set up. Later broker failures are
// retried with backoff and announced with a reconnect notification.
func (f *AMQPFeed) Subscribe(ctx context.Context, userID string) (<-chan models.Notification, error) {
	ch, deliveries, err := f.consume(userID)
	if err != nil {
		return nil, err
	}
	out := make(chan models.Notification, subscriberBuffer)
	go f.pump(ctx, userID, out, ch, deliveries)
	return out, nil
}

// Close drops the shared connection; active subscriptions start redialing until cancelled.
func (f *AMQPFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil || f.conn.IsClosed() {
		return nil
	}
	return f.conn.Close()
}

func (f *AMQPFeed) connection() (*amqp.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil && !f.conn.IsClosed() {
		return f.conn, nil
	}
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return nil, err
	}
	log.Printf("changefeed amqp connected exchange=%s", f.exchange)
	f.conn = conn
	return conn, nil
}

func (f *AMQPFeed) consume(userID string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	conn, err := f.connection()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", f.exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, UserRoutingKey(userID), f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

func (f *AMQPFeed) pump(ctx context.Context, userID string, out chan models.Notification, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	defer close(out)
	for {
		if !f.drain(ctx, out, deliveries) {
			_ = ch.Close()
			return
		}
		log.Printf("changefeed amqp consumer lost user_id=%s, redialing", userID)

		var err error
		ch, deliveries, err = f.redial(ctx, userID)
		if err != nil {
			return
		}
		deliver("amqp", out, models.Notification{Kind: models.NotificationReconnected})
	}
}

// drain forwards deliveries until the channel dies (true) or ctx is done (false).
func (f *AMQPFeed) drain(ctx context.Context, out chan models.Notification, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			deliver("amqp", out, parseNotification(d.Body))
		}
	}
}

func (f *AMQPFeed) redial(ctx context.Context, userID string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
		ch, deliveries, err := f.consume(userID)
		if err == nil {
			return ch, deliveries, nil
		}
		log.Printf("changefeed amqp redial failed user_id=%s: %v", userID, err)
	}
}
