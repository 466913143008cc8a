package usage

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/client"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/pagination"
)

// ClientLookup checks client ownership.
type ClientLookup interface {
	GetOwned(ctx context.Context, id, ownerID string) (*client.Client, error)
}

// Handler provides HTTP endpoints for usage.
type Handler struct {
	svc     *Service
	agents  AgentLookup
	clients ClientLookup
}

// NewHandler creates a new usage handler.
func NewHandler(svc *Service, agents AgentLookup, clients ClientLookup) *Handler {
	return &Handler{svc: svc, agents: agents, clients: clients}
}

// RegisterOwnerRoutes sets up usage reporting and history for owners.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/usage", h.ReportUsage)
	r.GET("/clients/:id/usage", h.ListUsage)
}

// RegisterClientRoutes sets up the client's own usage history.
func (h *Handler) RegisterClientRoutes(r *gin.RouterGroup) {
	r.GET("/client/usage", h.ListOwnUsage)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNegativeCost):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cost", "message": "cost must not be negative"})
	case errors.Is(err, client.ErrClientNotFound), errors.Is(err, client.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "client not found"})
	default:
		logging.L(c.Request.Context()).Error("usage request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// ReportUsage handles POST /v1/usage
//
// The cost is the vendor's charge for one invocation; the markup is applied
// server side.
func (h *Handler) ReportUsage(c *gin.Context) {
	var req struct {
		ExternalAgentID string           `json:"externalAgentId" binding:"required"`
		Cost            *decimal.Decimal `json:"cost" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "externalAgentId and cost required"})
		return
	}

	// users may only report usage for their own agents
	if p, _ := auth.GetPrincipal(c); !p.IsAdmin() {
		ag, err := h.agents.GetByExternalID(c.Request.Context(), req.ExternalAgentID)
		if err == nil && ag.OwnerID != p.Subject {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent_not_found", "message": "agent not found"})
			return
		}
		if err != nil && !errors.Is(err, agent.ErrAgentNotFound) {
			writeError(c, err)
			return
		}
	}

	res, err := h.svc.Deduct(c.Request.Context(), req.ExternalAgentID, *req.Cost)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// ListUsage handles GET /v1/clients/:id/usage
func (h *Handler) ListUsage(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	owner := p.Subject
	if p.IsAdmin() {
		owner = ""
	}
	cl, err := h.clients.GetOwned(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	h.writePage(c, cl.ID)
}

// ListOwnUsage handles GET /v1/client/usage
func (h *Handler) ListOwnUsage(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	if p.Role != auth.RoleClient {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "client session required"})
		return
	}
	h.writePage(c, p.Subject)
}

func (h *Handler) writePage(c *gin.Context, clientID string) {
	params, err := pagination.FromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	recs, next, err := h.svc.List(c.Request.Context(), clientID, params)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*Record{}
	}
	resp := gin.H{"usage": recs, "count": len(recs), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
