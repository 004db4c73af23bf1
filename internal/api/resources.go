package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/access"
)

type accessHandlers struct {
	access *access.Controller
}

func newAccessHandlers(ctrl *access.Controller) *accessHandlers {
	return &accessHandlers{access: ctrl}
}

type checkAccessRequest struct {
	ResourceType string `json:"resourceType" binding:"required"`
	ResourceID   string `json:"resourceId" binding:"required"`
	Action       string `json:"action" binding:"required"`
	// UserID defaults to the authenticated user when omitted
	UserID string `json:"userId"`
}

// check evaluates an access decision without acting on the resource. The
// decision itself is the payload; denials are 200s, not errors.
func (h *accessHandlers) check(c *gin.Context) {
	var req checkAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	decision := h.access.CheckAccess(c.Request.Context(), req.ResourceType, req.ResourceID, req.Action, req.UserID)
	c.JSON(http.StatusOK, decision)
}

func (h *accessHandlers) decisions(c *gin.Context) {
	decisions := h.access.RecentDecisions(parseIntQuery(c, "limit", 50))
	c.JSON(http.StatusOK, gin.H{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (h *accessHandlers) securityCheck(c *gin.Context) {
	report, err := h.access.RunSecurityCheck(c.Request.Context())
	if err != nil {
		if errors.Is(err, access.ErrNoUser) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authenticated user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Security check failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type registerResourceRequest struct {
	ID   string         `json:"id" binding:"required"`
	Data map[string]any `json:"data"`
}

// register stores a project or template owned by the caller. Image and
// credential ownership is derived, so those kinds are rejected here.
func (h *accessHandlers) register(c *gin.Context) {
	var req registerResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	resource, err := h.access.RegisterResource(c.Request.Context(), c.Param("kind"), req.ID, currentUserID(c), req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, resource)
}

func (h *accessHandlers) get(c *gin.Context) {
	decision := h.access.CheckAccess(c.Request.Context(), c.Param("kind"), c.Param("id"), access.ActionRead, currentUserID(c))
	if !decision.Allowed {
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "Access denied",
			"decision": decision,
		})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *accessHandlers) remove(c *gin.Context) {
	kind, id := c.Param("kind"), c.Param("id")

	decision := h.access.CheckAccess(c.Request.Context(), kind, id, access.ActionDelete, currentUserID(c))
	if !decision.Allowed {
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "Access denied",
			"decision": decision,
		})
		return
	}

	if err := h.access.RemoveResource(c.Request.Context(), kind, id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
