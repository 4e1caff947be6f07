package ws

import (
	"github.com/google/uuid"

	"property-messaging/internal/observability"
)

func newConnID() string {
	return uuid.NewString()
}

func wsEventPayload(info ConnInfo, event, reason string, durationMs int64) map[string]interface{} {
	return map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": durationMs,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
		"request_id": info.RequestID,
		"trace_id":   info.TraceID,
	}
}

func wsEnvelope(info ConnInfo, event, reason string, durationMs int64) observability.EventEnvelope {
	return observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   wsEventPayload(info, event, reason, durationMs),
	}
}
