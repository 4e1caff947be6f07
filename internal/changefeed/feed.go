// Package changefeed delivers "something changed" notifications for conversations.
//
// Delivery is at-least-once and unordered, and payloads are best effort: consumers must treat
// every notification as a hint to re-read, never as data.
package changefeed

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"property-messaging/internal/models"
	"property-messaging/internal/observability"
)

// Feed subscribes a user to notifications about conversations they participate in.
// The returned channel closes when ctx is cancelled or the feed shuts down.
type Feed interface {
	Subscribe(ctx context.Context, userID string) (<-chan models.Notification, error)
}

const subscriberBuffer = 64

type subscriber struct {
	userID string
	ch     chan models.Notification
}

// fanout maintains active subscribers and filters notifications per user.
type fanout struct {
	source string
	subs   map[*subscriber]struct{}
	closed bool
	mu     sync.RWMutex
}

func newFanout(source string) *fanout {
	return &fanout{source: source, subs: make(map[*subscriber]struct{})}
}

func (f *fanout) add(ctx context.Context, userID string) (<-chan models.Notification, bool) {
	sub := &subscriber{userID: userID, ch: make(chan models.Notification, subscriberBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, false
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(sub)
	}()
	return sub.ch, true
}

func (f *fanout) remove(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

func (f *fanout) broadcast(n models.Notification) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	observability.IncChangeNotification(f.source, string(n.Kind))
	for sub := range f.subs {
		if !n.RelevantTo(sub.userID) {
			continue
		}
		deliver(f.source, sub.ch, n)
	}
}

func (f *fanout) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// deliver never blocks the producer. A full buffer already holds a pending notification,
// which triggers the same full re-fetch, so dropping a change loses nothing.
func deliver(source string, ch chan models.Notification, n models.Notification) {
	select {
	case ch <- n:
	default:
		observability.IncChangeDropped(source)
		if n.Kind == models.NotificationReconnected {
			log.Printf("changefeed %s: subscriber buffer full, reconnect signal dropped", source)
		}
	}
}

type payload struct {
	Op             string   `json:"op"`
	Table          string   `json:"table"`
	ConversationID string   `json:"conversation_id"`
	Participants   []string `json:"participants"`
}

// parseNotification decodes a change payload. Anything unreadable still counts as a change.
func parseNotification(raw []byte) models.Notification {
	var p payload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return models.Notification{Kind: models.NotificationChange}
	}
	participants := make([]string, 0, len(p.Participants))
	for _, id := range p.Participants {
		if id != "" {
			participants = append(participants, id)
		}
	}
	return models.Notification{
		Kind:           models.NotificationChange,
		Op:             p.Op,
		Table:          p.Table,
		ConversationID: p.ConversationID,
		Participants:   participants,
	}
}
