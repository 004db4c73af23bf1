// Package middleware provides the Gin HTTP middleware for the security API.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RateLimit → RequestID → Metrics → Auth → Activity → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to blunt brute-force attempts before any
// token work. Auth populates the user identity and verifies the session;
// activity logging runs last so only authenticated requests are recorded.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/session"
)

// Context keys populated by AuthMiddleware
const (
	UserIDKey = "user_id"
	EmailKey  = "email"
)

// AuthMiddleware validates the Bearer JWT and checks that the live session
// belongs to the token's user. Each authenticated request also counts as an
// activity signal, which the session manager coalesces.
func AuthMiddleware(sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		if status := sessions.CheckSessionStatus(); !status.IsValid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Session expired, please log in again",
			})
			return
		}

		// The token must belong to the live session. One session exists at a
		// time; a login by another user replaces it and retires every token
		// issued for the previous session.
		if current, ok := sessions.Current(); !ok || current.UserID != claims.UserID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Session expired, please log in again",
			})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(EmailKey, claims.Email)

		sessions.RecordActivity()
		c.Next()
	}
}

// UserID returns the authenticated user id set by AuthMiddleware, or ""
func UserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
