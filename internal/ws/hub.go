package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"property-messaging/internal/models"
	"property-messaging/internal/observability"
)

const (
	sendBuffer   = 8
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	eventsKey    = "ws_events.messaging"
)

// EventPublisher publishes websocket lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type client struct {
	conn *websocket.Conn
	info ConnInfo
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub maintains active websocket connections per user.
type Hub struct {
	clients    map[string]map[*websocket.Conn]*client
	publisher  EventPublisher
	pingPeriod time.Duration
	mu         sync.RWMutex
}

// NewHub creates an empty hub. publisher may be nil.
func NewHub(publisher EventPublisher) *Hub {
	return &Hub{
		clients:    make(map[string]map[*websocket.Conn]*client),
		publisher:  publisher,
		pingPeriod: pingPeriod,
	}
}

// AddClient registers a connection and starts its writer.
func (h *Hub) AddClient(userID string, conn *websocket.Conn, info ConnInfo) {
	c := &client{conn: conn, info: info, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if _, ok := h.clients[userID]; !ok {
		h.clients[userID] = make(map[*websocket.Conn]*client)
	}
	h.clients[userID][conn] = c
	h.mu.Unlock()

	if conn != nil {
		go h.writeLoop(userID, c)
	}
}

// RemoveClient unregisters a connection and stops its writer.
func (h *Hub) RemoveClient(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[userID]
	if !ok {
		return
	}
	if c, ok := conns[conn]; ok {
		c.close()
		delete(conns, conn)
	}
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
}

// PushSnapshot queues the snapshot for every connection of userID. It never blocks: a slow
// connection loses its oldest queued snapshot, which the new one supersedes anyway.
func (h *Hub) PushSnapshot(userID string, snapshot interface{}) {
	payload, err := json.Marshal(models.ChatEvent{Type: "snapshot", Snapshot: snapshot})
	if err != nil {
		log.Printf("websocket snapshot encode failed user_id=%s: %v", userID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients[userID] {
		enqueue(c, payload)
	}
}

func enqueue(c *client, payload []byte) {
	for {
		select {
		case c.send <- payload:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// Connected reports whether userID has at least one open connection.
func (h *Hub) Connected(userID string) bool {
	return h.connections(userID) > 0
}

func (h *Hub) connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// writeLoop drains the client's queue and pings on an interval so a push-only client still
// answers with pongs.
func (h *Hub) writeLoop(userID string, c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.dropClient(userID, c, err)
				return
			}
			observability.IncWSEvent("ws_push")
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				h.dropClient(userID, c, err)
				return
			}
		}
	}
}

func (h *Hub) dropClient(userID string, c *client, err error) {
	log.Printf("websocket write error: %v", err)
	c.conn.Close()
	h.RemoveClient(userID, c.conn)
	h.publishWSError(c.info, err)
}

func (h *Hub) publish(ctx context.Context, info ConnInfo, event, reason string) {
	if h.publisher == nil {
		return
	}
	duration := int64(0)
	if !info.ConnectedAt.IsZero() {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = h.publisher.Publish(ctx, eventsKey, wsEnvelope(info, event, reason, duration))
}

func (h *Hub) publishWSError(info ConnInfo, err error) {
	h.publish(context.Background(), info, "ws_error", err.Error())
	observability.IncWSEvent("ws_error")
}
