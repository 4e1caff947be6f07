package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"property-messaging/internal/telemetry"
)

var auditLevels = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	// GET /debug/audit-test?level=WARN&text=... publishes one audit envelope end to end.
	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		level := strings.ToUpper(c.DefaultQuery("level", "INFO"))
		if !auditLevels[level] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level"})
			return
		}
		requestID := requestIDFromContext(c)
		emitter.Emit(c.Request.Context(), level, c.DefaultQuery("text", "audit test"), requestID, userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": requestID})
	})
}
