package subscription

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/scheduler"
)

// ClientLookup checks client ownership.
type ClientLookup interface {
	GetOwned(ctx context.Context, id, ownerID string) (*client.Client, error)
}

// Handler provides HTTP endpoints for subscriptions.
type Handler struct {
	svc     *Service
	clients ClientLookup
}

// NewHandler creates a new subscription handler.
func NewHandler(svc *Service, clients ClientLookup) *Handler {
	return &Handler{svc: svc, clients: clients}
}

// RegisterPublicRoutes sets up the tier catalogue.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/tiers", h.ListTiers)
}

// RegisterOwnerRoutes sets up subscription management for client owners.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.GET("/clients/:id/subscription", h.GetSubscription)
	r.POST("/clients/:id/subscription", h.Subscribe)
	r.PUT("/clients/:id/subscription", h.UpdateSubscription)
	r.DELETE("/clients/:id/subscription", h.Unsubscribe)
}

// RegisterAdminRoutes sets up operator-only routes. Mount r at /v1/admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/clients/:id/subscription/reset", h.ResetCredits)
}

// RegisterClientRoutes sets up the client's own read-only view.
func (h *Handler) RegisterClientRoutes(r *gin.RouterGroup) {
	r.GET("/client/subscription", h.GetOwnSubscription)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, client.ErrClientNotFound), errors.Is(err, client.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "client not found"})
	case errors.Is(err, ErrNotSubscribed):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_subscribed", "message": "client has no subscription"})
	case errors.Is(err, ErrAlreadySubscribed):
		c.JSON(http.StatusConflict, gin.H{"error": "already_subscribed", "message": "client already has a subscription"})
	case errors.Is(err, ErrCancelling):
		c.JSON(http.StatusConflict, gin.H{"error": "cancelling", "message": "subscription cancellation in progress; retry DELETE to finish it"})
	case errors.Is(err, ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "tier must be base, pro or business"})
	case errors.Is(err, ErrInvalidInterval):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_interval", "message": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "timeout", "message": "request cancelled"})
	default:
		logging.L(c.Request.Context()).Error("subscription request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// owned resolves :id for the caller, writing a 404 when it is not theirs.
func (h *Handler) owned(c *gin.Context) (string, bool) {
	p, _ := auth.GetPrincipal(c)
	owner := p.Subject
	if p.IsAdmin() {
		owner = ""
	}
	cl, err := h.clients.GetOwned(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		writeError(c, err)
		return "", false
	}
	return cl.ID, true
}

type planRequest struct {
	Tier     string `json:"tier" binding:"required"`
	Interval int    `json:"interval"`
}

// ListTiers handles GET /v1/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": ListTiers(), "maxInterval": MaxInterval})
}

// GetSubscription handles GET /v1/clients/:id/subscription
func (h *Handler) GetSubscription(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	h.writeSubscription(c, id)
}

// GetOwnSubscription handles GET /v1/client/subscription
func (h *Handler) GetOwnSubscription(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	if p.Role != auth.RoleClient {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "client session required"})
		return
	}
	h.writeSubscription(c, p.Subject)
}

func (h *Handler) writeSubscription(c *gin.Context, clientID string) {
	sub, err := h.svc.Get(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	jobs, err := h.svc.Jobs(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "jobs": jobs})
}

// Subscribe handles POST /v1/clients/:id/subscription
func (h *Handler) Subscribe(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier is required"})
		return
	}
	sub, err := h.svc.Subscribe(c.Request.Context(), id, req.Tier, req.Interval)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// UpdateSubscription handles PUT /v1/clients/:id/subscription
func (h *Handler) UpdateSubscription(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier is required"})
		return
	}
	sub, err := h.svc.Update(c.Request.Context(), id, req.Tier, req.Interval)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// Unsubscribe handles DELETE /v1/clients/:id/subscription
func (h *Handler) Unsubscribe(c *gin.Context) {
	id, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.svc.Unsubscribe(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ResetCredits handles POST /v1/admin/clients/:id/subscription/reset
func (h *Handler) ResetCredits(c *gin.Context) {
	sub, err := h.svc.ResetCredits(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}
