// activity.go provides Gin middleware that records authenticated write
// operations in the activity log, so API-level mutations appear in the same
// stream as service-level events.
package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/audit"
)

// ActivityMiddleware logs successful write requests from authenticated users.
// Reads and failed requests are skipped: denials are already logged by the
// access controller, and read logging would flood the stream.
func ActivityMiddleware(log *audit.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case "GET", "HEAD", "OPTIONS":
			return
		}
		if c.Writer.Status() >= 400 {
			return
		}

		userID := UserID(c)
		if userID == "" {
			return
		}

		action := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		log.LogActivity(userID, action, resourceFromPath(c.Request.URL.Path),
			map[string]any{"statusCode": c.Writer.Status()},
			audit.ActivityOptions{
				Category:  audit.CategoryAPI,
				IPAddress: c.ClientIP(),
				UserAgent: c.Request.UserAgent(),
			})
	}
}

// resourceFromPath maps an API path to the resource kind it touches
func resourceFromPath(path string) string {
	switch {
	case strings.Contains(path, "/projects"):
		return "project"
	case strings.Contains(path, "/templates"):
		return "template"
	case strings.Contains(path, "/images"):
		return "image"
	case strings.Contains(path, "/credentials"):
		return "credential"
	case strings.Contains(path, "/session"):
		return "session"
	default:
		return "api"
	}
}
