package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

const correlationHeader = "X-Correlation-ID"

// CorrelationMiddleware attaches a correlation ID to every request, reusing
// the caller's header when present, and echoes it on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = utils.NewCorrelationID()
		}
		utils.SetCorrelationID(id)
		c.Header(correlationHeader, id)
		c.Next()
		utils.ClearCorrelationID()
	}
}

// RequestLoggingMiddleware logs one line per request at debug level.
func RequestLoggingMiddleware() gin.HandlerFunc {
	log := utils.NewLogger("HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}
