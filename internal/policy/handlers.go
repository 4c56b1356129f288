package policy

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/payguard/payguard/internal/validation"
)

// Handler provides HTTP endpoints for policy administration.
type Handler struct {
	store Store
}

// NewHandler creates a new policy handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up policy admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policies", h.ListPolicies)
	r.GET("/policies/:agent_id", h.GetPolicy)
	r.PUT("/policies/:agent_id", h.UpsertPolicy)
	r.DELETE("/policies/:agent_id", h.DeletePolicy)
}

// GetPolicy handles GET /v1/policies/:agent_id
func (h *Handler) GetPolicy(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !validation.IsValidAgentID(agentID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed agent id",
		})
		return
	}

	pol, err := h.store.Get(c.Request.Context(), agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No policy configured for this agent",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": pol})
}

// UpsertPolicy handles PUT /v1/policies/:agent_id
func (h *Handler) UpsertPolicy(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !validation.IsValidAgentID(agentID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed agent id",
		})
		return
	}

	var pol AgentPolicy
	if err := c.ShouldBindJSON(&pol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	pol.AgentID = agentID
	pol.Normalize()

	if err := pol.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
		return
	}

	if err := h.store.Upsert(c.Request.Context(), &pol); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"policy": pol})
}

// DeletePolicy handles DELETE /v1/policies/:agent_id
func (h *Handler) DeletePolicy(c *gin.Context) {
	agentID := c.Param("agent_id")
	if !validation.IsValidAgentID(agentID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "malformed agent id",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), agentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No policy configured for this agent",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": agentID})
}

// ListPolicies handles GET /v1/policies
func (h *Handler) ListPolicies(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	policies, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"count":    len(policies),
	})
}
