package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-security/internal/audit"
	"github.com/storyforge/storyforge-security/internal/config"
)

type auditHandlers struct {
	log *audit.Log
	cfg config.AuditConfig
}

func newAuditHandlers(log *audit.Log, cfg config.AuditConfig) *auditHandlers {
	return &auditHandlers{log: log, cfg: cfg}
}

// activityFiltersFromQuery builds filters from query parameters. Unknown
// category/severity values pass through unchanged and simply match nothing.
func activityFiltersFromQuery(c *gin.Context) audit.ActivityFilters {
	filters := audit.ActivityFilters{
		UserID:   c.Query("userId"),
		Category: audit.Category(c.Query("category")),
		Severity: audit.Severity(c.Query("severity")),
		Limit:    parseIntQuery(c, "limit", 0),
	}
	filters.Start, filters.End = parseTimeRange(c)
	return filters
}

func trailFiltersFromQuery(c *gin.Context) audit.TrailFilters {
	filters := audit.TrailFilters{
		UserID: c.Query("userId"),
		Action: c.Query("action"),
		Limit:  parseIntQuery(c, "limit", 0),
	}
	filters.Start, filters.End = parseTimeRange(c)
	return filters
}

func parseTimeRange(c *gin.Context) (start, end time.Time) {
	if raw := c.Query("start"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			start = t
		}
	}
	if raw := c.Query("end"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			end = t
		}
	}
	return start, end
}

func (h *auditHandlers) queryActivities(c *gin.Context) {
	entries := h.log.QueryActivities(activityFiltersFromQuery(c))
	c.JSON(http.StatusOK, gin.H{
		"activities": entries,
		"count":      len(entries),
	})
}

func (h *auditHandlers) queryTrails(c *gin.Context) {
	entries := h.log.QueryTrails(trailFiltersFromQuery(c))
	c.JSON(http.StatusOK, gin.H{
		"trails": entries,
		"count":  len(entries),
	})
}

type logTrailRequest struct {
	Action     string         `json:"action" binding:"required"`
	BeforeData map[string]any `json:"beforeData"`
	AfterData  map[string]any `json:"afterData"`
	Reason     string         `json:"reason"`
	ApprovedBy string         `json:"approvedBy"`
}

func (h *auditHandlers) logTrail(c *gin.Context) {
	var req logTrailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	entry := h.log.LogTrail(currentUserID(c), req.Action, req.BeforeData, req.AfterData, audit.TrailOptions{
		Reason:     req.Reason,
		ApprovedBy: req.ApprovedBy,
	})
	c.JSON(http.StatusCreated, entry)
}

// export streams activities or trails as a JSON or CSV attachment
func (h *auditHandlers) export(c *gin.Context) {
	format := audit.ExportFormat(c.DefaultQuery("format", "json"))
	kind := c.DefaultQuery("kind", "activities")

	var (
		data []byte
		err  error
	)
	switch kind {
	case "activities":
		data, err = h.log.ExportActivities(activityFiltersFromQuery(c), format)
	case "trails":
		data, err = h.log.ExportTrails(trailFiltersFromQuery(c), format)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Unknown export kind %q", kind)})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	filename := fmt.Sprintf("%s-%s.%s", kind, time.Now().UTC().Format("2006-01-02"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, data)
}

type cleanupRequest struct {
	ActivityDays int `json:"activityDays"`
	TrailDays    int `json:"trailDays"`
}

// cleanup removes entries older than the requested horizons, defaulting to the
// configured retention when the body omits them
func (h *auditHandlers) cleanup(c *gin.Context) {
	var req cleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
			return
		}
	}
	if req.ActivityDays <= 0 {
		req.ActivityDays = h.cfg.ActivityRetentionDays
	}
	if req.TrailDays <= 0 {
		req.TrailDays = h.cfg.TrailRetentionDays
	}

	c.JSON(http.StatusOK, gin.H{
		"activitiesRemoved": h.log.CleanupActivities(req.ActivityDays),
		"trailsRemoved":     h.log.CleanupTrails(req.TrailDays),
	})
}

func (h *auditHandlers) stats(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = currentUserID(c)
	}
	c.JSON(http.StatusOK, h.log.GetStats(userID))
}
