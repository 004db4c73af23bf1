// Package api wires together all HTTP routes for the security service.
//
// Route grouping:
//   - /healthz, /version and /api/v1/auth/login are public. Login is rate
//     limited separately and strictly, since it is the brute-force surface.
//   - Everything else under /api/v1 requires a Bearer JWT and a live session;
//     write operations are additionally recorded in the activity log.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/access"
	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/config"
	"github.com/storyforge/storyforge-security/internal/middleware"
	"github.com/storyforge/storyforge-security/internal/session"
	"github.com/storyforge/storyforge-security/internal/storage"
	"github.com/storyforge/storyforge-security/internal/vault"
)

// Services carries the constructed service instances the router exposes
type Services struct {
	Store    storage.Store
	Gateway  auth.Gateway
	Sessions *session.Manager
	Vault    *vault.Vault
	Audit    *audit.Log
	Access   *access.Controller
}

// BackgroundServices holds resources that must be stopped during graceful
// shutdown, after the HTTP server has drained in-flight requests.
type BackgroundServices struct {
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, svc Services) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))

	router.GET("/healthz", healthCheckHandler(svc.Store))
	router.GET("/version", versionHandler())

	authRateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimitConfig())
	generalRateLimiter := middleware.NewRateLimiter(
		middleware.RateLimitConfigFrom(cfg.Security.RateLimiting))

	sessionHandlers := newSessionHandlers(svc.Sessions, svc.Gateway, cfg.Auth.TokenTTL)
	credentialHandlers := newCredentialHandlers(svc.Vault)
	auditHandlers := newAuditHandlers(svc.Audit, cfg.Audit)
	accessHandlers := newAccessHandlers(svc.Access)

	apiV1 := router.Group("/api/v1")
	{
		// Login is the only unauthenticated endpoint, under the strict limiter.
		authGroup := apiV1.Group("/auth")
		if cfg.Security.RateLimiting.Enabled {
			authGroup.Use(middleware.RateLimitMiddleware(authRateLimiter))
		}
		authGroup.POST("/login", sessionHandlers.login)

		authenticated := apiV1.Group("")
		if cfg.Security.RateLimiting.Enabled {
			authenticated.Use(middleware.RateLimitMiddleware(generalRateLimiter))
		}
		authenticated.Use(middleware.AuthMiddleware(svc.Sessions))
		authenticated.Use(middleware.ActivityMiddleware(svc.Audit))
		{
			authenticated.POST("/auth/logout", sessionHandlers.logout)

			sessionGroup := authenticated.Group("/session")
			{
				sessionGroup.GET("/status", sessionHandlers.status)
				sessionGroup.POST("/extend", sessionHandlers.extend)
				sessionGroup.GET("/config", sessionHandlers.getConfig)
				sessionGroup.PUT("/config", sessionHandlers.updateConfig)
				sessionGroup.GET("/events", sessionHandlers.events)
				sessionGroup.GET("/stats", sessionHandlers.stats)
			}

			credentialsGroup := authenticated.Group("/credentials")
			{
				credentialsGroup.GET("", credentialHandlers.list)
				credentialsGroup.GET("/providers", credentialHandlers.providers)
				credentialsGroup.POST("/validate", credentialHandlers.validate)
				credentialsGroup.GET("/security-check", credentialHandlers.securityCheck)
				credentialsGroup.GET("/stats", credentialHandlers.stats)
				credentialsGroup.PUT("/:provider", credentialHandlers.save)
				credentialsGroup.POST("/:provider/load", credentialHandlers.load)
				credentialsGroup.DELETE("/:provider", credentialHandlers.remove)
				credentialsGroup.POST("/:provider/toggle", credentialHandlers.toggle)
				credentialsGroup.PUT("/:provider/expiration", credentialHandlers.setExpiration)
			}

			auditGroup := authenticated.Group("/audit")
			{
				auditGroup.GET("/activities", auditHandlers.queryActivities)
				auditGroup.GET("/trails", auditHandlers.queryTrails)
				auditGroup.POST("/trails", auditHandlers.logTrail)
				auditGroup.GET("/export", auditHandlers.export)
				auditGroup.POST("/cleanup", auditHandlers.cleanup)
				auditGroup.GET("/stats", auditHandlers.stats)
			}

			accessGroup := authenticated.Group("/access")
			{
				accessGroup.POST("/check", accessHandlers.check)
				accessGroup.GET("/decisions", accessHandlers.decisions)
				accessGroup.GET("/security-check", accessHandlers.securityCheck)
			}

			resourcesGroup := authenticated.Group("/resources")
			{
				resourcesGroup.POST("/:kind", accessHandlers.register)
				resourcesGroup.GET("/:kind/:id", accessHandlers.get)
				resourcesGroup.DELETE("/:kind/:id", accessHandlers.remove)
			}
		}
	}

	bg := &BackgroundServices{
		rateLimiters: []*middleware.RateLimiter{authRateLimiter, generalRateLimiter},
	}
	return router, bg
}

// healthCheckHandler probes the storage port with a known-absent sentinel key,
// which exercises connectivity without creating state
func healthCheckHandler(store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := store.Get(c.Request.Context(), ".health-probe")
		if err != nil && err != storage.ErrNotFound {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "storage backend not ready",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs every request as a structured slog record
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS for the configured origins
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
