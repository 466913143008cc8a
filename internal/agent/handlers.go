package agent

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/validation"
)

// Handler provides HTTP endpoints for agents.
type Handler struct {
	svc *Service
}

// NewHandler creates a new agent handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up agent routes. Callers must be users or admins.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.CreateAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:id", h.GetAgent)
	r.PATCH("/agents/:id", h.UpdateAgent)
	r.DELETE("/agents/:id", h.DeleteAgent)
}

// ownerScope returns the owner filter for the caller: their own ID, or ""
// for admins.
func ownerScope(c *gin.Context) string {
	p, _ := auth.GetPrincipal(c)
	if p.IsAdmin() {
		return ""
	}
	return p.Subject
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent not found"})
	case errors.Is(err, ErrExternalIDTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "external_id_taken", "message": "external agent id already registered"})
	default:
		logging.L(c.Request.Context()).Error("agent request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// CreateAgent handles POST /v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req struct {
		Name        string   `json:"name" binding:"required"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
		ExternalID  string   `json:"externalId" binding:"required"`
		OwnerID     string   `json:"ownerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and externalId required"})
		return
	}
	owner := ownerScope(c)
	if owner == "" {
		if req.OwnerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ownerId required for admin"})
			return
		}
		owner = req.OwnerID
	}

	a, err := h.svc.Create(c.Request.Context(), owner, CreateInput{
		Name:        validation.SanitizeString(req.Name, 200),
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		Tags:        sanitizeTags(req.Tags),
		ExternalID:  validation.SanitizeString(req.ExternalID, 200),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": a})
}

func sanitizeTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, validation.SanitizeString(t, 64))
	}
	return out
}

// ListAgents handles GET /v1/agents?tag=
func (h *Handler) ListAgents(c *gin.Context) {
	owner := ownerScope(c)
	if owner == "" {
		owner = c.Query("ownerId")
	}
	agents, err := h.svc.List(c.Request.Context(), owner, c.Query("tag"))
	if err != nil {
		writeError(c, err)
		return
	}
	if agents == nil {
		agents = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// GetAgent handles GET /v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.svc.GetOwned(c.Request.Context(), c.Param("id"), ownerScope(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// UpdateAgent handles PATCH /v1/agents/:id
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req struct {
		Name        *string  `json:"name"`
		Description *string  `json:"description"`
		Tags        []string `json:"tags"`
		ExternalID  *string  `json:"externalId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	a, err := h.svc.Update(c.Request.Context(), c.Param("id"), ownerScope(c), UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		Tags:        sanitizeTags(req.Tags),
		ExternalID:  req.ExternalID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// DeleteAgent handles DELETE /v1/agents/:id
func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id"), ownerScope(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
