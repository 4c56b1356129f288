package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payguard/payguard/internal/pagination"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// Handler provides HTTP endpoints for querying the audit trail.
type Handler struct {
	sink *Sink
}

// NewHandler creates a new audit handler.
func NewHandler(sink *Sink) *Handler {
	return &Handler{sink: sink}
}

// RegisterRoutes sets up audit query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.QueryAudit)
}

// QueryAudit handles GET /v1/audit
//
// Query params: agent_id, decision, payout_id, since, until (RFC3339),
// limit, and cursor (opaque, from a previous response's next_cursor).
func (h *Handler) QueryAudit(c *gin.Context) {
	f := Filter{
		AgentID:  c.Query("agent_id"),
		Decision: c.Query("decision"),
		PayoutID: c.Query("payout_id"),
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "since must be RFC3339",
			})
			return
		}
		f.Since = t
	}
	if s := c.Query("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "until must be RFC3339",
			})
			return
		}
		f.Until = t
	}
	limit := defaultQueryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed cursor",
		})
		return
	}
	f.Cursor = cursor

	// Fetch one extra record to learn whether another page exists.
	f.Limit = limit + 1
	records, err := h.sink.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	records, next, hasMore := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"records":     records,
		"count":       len(records),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}
