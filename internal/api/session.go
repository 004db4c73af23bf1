package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/auth"
	"github.com/storyforge/storyforge-security/internal/middleware"
	"github.com/storyforge/storyforge-security/internal/session"
)

type sessionHandlers struct {
	sessions *session.Manager
	gateway  auth.Gateway
	tokenTTL time.Duration
}

func newSessionHandlers(sessions *session.Manager, gateway auth.Gateway, tokenTTL time.Duration) *sessionHandlers {
	return &sessionHandlers{
		sessions: sessions,
		gateway:  gateway,
		tokenTTL: tokenTTL,
	}
}

type loginRequest struct {
	UserID     string `json:"userId" binding:"required"`
	Email      string `json:"email"`
	RememberMe bool   `json:"rememberMe"`
}

// login starts a session for the user and issues a JWT for subsequent
// requests. Any prior session is replaced; clients holding its token will be
// rejected at the auth middleware on their next request.
func (h *sessionHandlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	sess := h.sessions.StartSession(auth.User{ID: req.UserID, Email: req.Email}, session.StartOptions{
		RememberMe: req.RememberMe,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})

	token, err := auth.GenerateJWT(req.UserID, req.Email, h.tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"session": sess,
	})
}

func (h *sessionHandlers) logout(c *gin.Context) {
	h.sessions.EndSession("logout")
	h.gateway.Logout()
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *sessionHandlers) status(c *gin.Context) {
	status := h.sessions.CheckSessionStatus()

	response := gin.H{"status": status}
	if sess, ok := h.sessions.Current(); ok {
		response["session"] = sess
	}
	c.JSON(http.StatusOK, response)
}

func (h *sessionHandlers) extend(c *gin.Context) {
	if !h.sessions.ExtendSession() {
		c.JSON(http.StatusConflict, gin.H{"error": "No active session to extend"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Session extended",
		"status":  h.sessions.CheckSessionStatus(),
	})
}

func (h *sessionHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.GetConfig())
}

func (h *sessionHandlers) updateConfig(c *gin.Context) {
	var cfg session.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := h.sessions.UpdateConfig(cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.sessions.GetConfig())
}

func (h *sessionHandlers) events(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 50)
	events := h.sessions.GetSessionEvents(limit)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (h *sessionHandlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.GetStats())
}

// parseIntQuery returns the named query parameter as an int, or fallback when
// absent or malformed
func parseIntQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// currentUserID returns the authenticated user ID set by the auth middleware
func currentUserID(c *gin.Context) string {
	return middleware.UserID(c)
}
