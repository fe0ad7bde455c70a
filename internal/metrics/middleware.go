package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sessioncap/sessioncap/internal/logging"
)

// unmatchedEndpoint labels requests no route matched, so scanning clients
// cannot grow the label set.
const unmatchedEndpoint = "unmatched"

// MiddlewareConfig selects how routes are measured. Entries are gin route
// patterns as returned by FullPath.
type MiddlewareConfig struct {
	// Skip routes are not recorded at all.
	Skip []string
	// LongRunning routes are counted but kept out of the request latency
	// histogram. A capture request lasts a whole session and is measured by
	// capture_session_duration_seconds instead.
	LongRunning []string
}

// Middleware records HTTP metrics for each request.
func Middleware(m *Metrics, logger *logging.Logger, cfg MiddlewareConfig) gin.HandlerFunc {
	skip := toSet(cfg.Skip)
	long := toSet(cfg.LongRunning)

	return func(c *gin.Context) {
		endpoint := c.FullPath()
		if _, ok := skip[endpoint]; ok && endpoint != "" {
			c.Next()
			return
		}

		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		if endpoint == "" {
			endpoint = unmatchedEndpoint
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)
		if _, ok := long[endpoint]; !ok {
			m.RecordRequestLatency(endpoint, c.Request.Method, status, time.Since(start).Seconds())
		}

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error",
				"endpoint", endpoint, "status", status, "error", c.Errors.String())
		}
	}
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
