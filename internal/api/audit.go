package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// auditMiddleware writes an audit record for every state-changing request.
// Query strings are omitted because reveal requests are audited separately.
func auditMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Method == "HEAD" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := logging.StatusSuccess
		if c.Writer.Status() >= 400 {
			status = logging.StatusFailure
		}
		event := logging.NewAuditEvent(logging.APIAccess, c.Request.Method+" "+c.FullPath(), status).
			WithIPAddress(c.ClientIP()).
			WithDetails(map[string]interface{}{
				"status":        c.Writer.Status(),
				"latency_ms":    time.Since(start).Milliseconds(),
				"user_agent":    c.Request.UserAgent(),
				"authenticated": c.GetBool("authenticated"),
			})
		if key := c.Param("account_key"); key != "" {
			event = event.WithAccount(key)
		}
		logger.Audit(event)
	}
}
