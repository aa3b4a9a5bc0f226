package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/swiftride/dispatch/pkg/logger"
)

const (
	// CorrelationIDHeader names the request id header shared with the
	// edge; the same id ties the gateway, dispatch and push logs of
	// one ride action together.
	CorrelationIDHeader = "X-Request-ID"
	// CorrelationIDKey is the gin context key for the request id
	CorrelationIDKey = "correlation_id"
)

// CorrelationID adopts the caller's request id or mints one, and
// plants it in the gin context, the request context (for log
// enrichment) and the response.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CorrelationIDHeader))
		// Only well-formed ids are adopted; anything else is replaced
		// rather than propagated through the logs.
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}

		c.Set(CorrelationIDKey, id)
		c.Request = c.Request.WithContext(
			logger.ContextWithCorrelationID(c.Request.Context(), id))
		c.Writer.Header().Set(CorrelationIDHeader, id)

		c.Next()
	}
}
