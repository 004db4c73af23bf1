package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/telemetry"
)

// MetricsMiddleware records request count and duration for every request.
//
// The path label is taken from c.FullPath(), the matched route template
// (e.g. /api/v1/credentials/:provider) rather than the raw URL. Requests that
// match no registered route use the literal "<no-route>" so unhandled paths
// do not inflate label cardinality.
//
// Register after gin.Recovery and RequestIDMiddleware so the status set by
// error handlers is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
