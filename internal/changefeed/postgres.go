package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"property-messaging/internal/models"
)

const pingInterval = 90 * time.Second

var ErrFeedClosed = errors.New("change feed closed")

// PGFeed listens on a Postgres NOTIFY channel with one connection per process and fans
// notifications out to subscribers.
type PGFeed struct {
	listener *pq.Listener
	subs     *fanout
	done     chan struct{}
}

// NewPGFeed starts listening on channel. The listener reconnects on its own; every
// re-established connection is announced to subscribers as a reconnect notification.
func NewPGFeed(dsn, channel string) (*PGFeed, error) {
	f := &PGFeed{
		subs: newFanout("postgres"),
		done: make(chan struct{}),
	}
	f.listener = pq.NewListener(dsn, 2*time.Second, time.Minute, f.onEvent)
	if err := f.listener.Listen(channel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	log.Printf("changefeed postgres listening channel=%s", channel)

	go f.run()
	return f, nil
}

// Subscribe registers userID for notifications.
func (f *PGFeed) Subscribe(ctx context.Context, userID string) (<-chan models.Notification, error) {
	ch, ok := f.subs.add(ctx, userID)
	if !ok {
		return nil, ErrFeedClosed
	}
	return ch, nil
}

// Close stops listening and closes every subscription.
func (f *PGFeed) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	close(f.done)
	f.subs.closeAll()
	return f.listener.Close()
}

func (f *PGFeed) run() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// pq sends nil once the connection is re-established; anything sent while we were
				// disconnected is gone
				f.subs.broadcast(models.Notification{Kind: models.NotificationReconnected})
				continue
			}
			f.subs.broadcast(parseNotification([]byte(n.Extra)))
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					log.Printf("changefeed postgres ping failed: %v", err)
				}
			}()
		case <-f.done:
			return
		}
	}
}

func (f *PGFeed) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		log.Printf("changefeed postgres disconnected: %v", err)
	case pq.ListenerEventConnectionAttemptFailed:
		log.Printf("changefeed postgres reconnect attempt failed: %v", err)
	case pq.ListenerEventReconnected:
		log.Printf("changefeed postgres reconnected")
	}
}
