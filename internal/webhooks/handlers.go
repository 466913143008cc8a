package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/events"
	"github.com/voicedesk/voicedesk/internal/logging"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	svc *Service
}

// NewHandler creates a new webhook handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for registering an endpoint
type CreateWebhookRequest struct {
	URL    string        `json:"url" binding:"required"`
	Events []events.Type `json:"events" binding:"required"`
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("webhook request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	ep, err := h.svc.Create(c.Request.Context(), p.Subject, req.URL, req.Events)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": ep,
		"secret":  ep.Secret, // only shown once
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	eps, err := h.svc.List(c.Request.Context(), p.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	if eps == nil {
		eps = []*Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": eps, "count": len(eps)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	owner := p.Subject
	if p.IsAdmin() {
		owner = ""
	}
	if err := h.svc.Delete(c.Request.Context(), c.Param("webhookId"), owner); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
