package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"property-messaging/internal/messaging"
	"property-messaging/internal/middleware"
	"property-messaging/internal/models"
	"property-messaging/internal/observability"
)

// Sessions resolves the messaging client behind a connection.
type Sessions interface {
	Get(identity models.Identity) (*messaging.Client, error)
	Touch(userID string)
}

// Handler upgrades authenticated requests and streams session snapshots.
type Handler struct {
	hub      *Hub
	sessions Sessions
	secret   []byte
}

func NewHandler(hub *Hub, sessions Sessions, secret []byte) *Handler {
	return &Handler{hub: hub, sessions: sessions, secret: secret}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and registers the client.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("property-messaging/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	raw, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		raw = c.Query("token")
	}
	identity, err := middleware.ParseToken(h.secret, raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	session, err := h.sessions.Get(identity)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := observability.ClientInfoFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      identity.ID,
		DeviceID:    client.DeviceID,
		IP:          client.IP,
		RequestID:   client.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		h.sessions.Touch(identity.ID)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		h.sessions.Touch(identity.ID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	h.hub.AddClient(identity.ID, conn, info)
	h.hub.PushSnapshot(identity.ID, session.Snapshot())

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.hub.publish(ctx, info, "ws_connect", "")

	go h.readLoop(conn, info)
}

// readLoop only watches for disconnects. Any inbound frame, including the pong answering
// the hub's ping, keeps the session alive; silence past pongWait closes the connection.
func (h *Handler) readLoop(conn *websocket.Conn, info ConnInfo) {
	var closeReason string
	defer func() {
		h.hub.RemoveClient(info.UserID, conn)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.hub.publish(context.Background(), info, "ws_disconnect", closeReason)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.publishWSError(info, err)
			}
			return
		}
		h.sessions.Touch(info.UserID)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
