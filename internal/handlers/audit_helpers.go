package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"property-messaging/internal/middleware"
	"property-messaging/internal/telemetry"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	identity := middleware.IdentityFrom(c)
	if !identity.Present() {
		return nil
	}
	id := identity.ID
	return &id
}

// RequestID assigns every request an id, echoes it back and makes it visible to audit events.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := requestIDFromContext(c)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(telemetry.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
