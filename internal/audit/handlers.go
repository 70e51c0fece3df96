package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for audit trail queries.
type Handler struct {
	trail *Trail
}

// NewHandler creates a new audit handler.
func NewHandler(trail *Trail) *Handler {
	return &Handler{trail: trail}
}

// RegisterRoutes sets up the audit query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subjects/:subject/events", h.ListEvents)
}

// ListEvents handles GET /v1/subjects/:subject/events
//
// Query params: limit (default 50, max 1000) or sinceSeconds for a trailing
// window query.
func (h *Handler) ListEvents(c *gin.Context) {
	subject := c.Param("subject")

	if raw := c.Query("sinceSeconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "sinceSeconds must be a positive integer",
			})
			return
		}
		since := time.Now().UTC().Add(-time.Duration(seconds) * time.Second)
		events, err := h.trail.QueryWindow(c.Request.Context(), subject, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to query events",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"events": events,
			"count":  len(events),
			"since":  since,
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	events, err := h.trail.QueryRecent(c.Request.Context(), subject, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
