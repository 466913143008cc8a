package client

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/validation"
)

// Handler provides HTTP endpoints for client management.
type Handler struct {
	svc *Service
}

// NewHandler creates a new client handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes sets up the client login route.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/auth/client-login", h.Login)
}

// RegisterOwnerRoutes sets up routes for users managing their clients.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/clients", h.CreateClient)
	r.GET("/clients", h.ListClients)
	r.GET("/clients/:id", h.GetClient)
	r.PATCH("/clients/:id", h.UpdateClient)
	r.DELETE("/clients/:id", h.DeleteClient)
	r.POST("/clients/:id/agents", h.AssignAgent)
	r.DELETE("/clients/:id/agents/:agentId", h.UnassignAgent)
}

// RegisterClientRoutes sets up the restricted client dashboard routes.
func (h *Handler) RegisterClientRoutes(r *gin.RouterGroup) {
	r.GET("/client/me", h.Self)
}

func ownerScope(c *gin.Context) string {
	p, _ := auth.GetPrincipal(c)
	if p.IsAdmin() {
		return ""
	}
	return p.Subject
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrClientNotFound), errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "client not found"})
	case errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, agent.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "agent_not_found", "message": "agent not found"})
	case errors.Is(err, ErrUsernameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "username_taken", "message": "username already taken"})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "email already in use"})
	case errors.Is(err, ErrNotAssigned):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_assigned", "message": "agent is not assigned to this client"})
	default:
		logging.L(c.Request.Context()).Error("client request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

// CreateClient handles POST /v1/clients
func (h *Handler) CreateClient(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Username string `json:"username" binding:"required"`
		Email    string `json:"email"`
		Password string `json:"password" binding:"required"`
		OwnerID  string `json:"ownerId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name, username and password required"})
		return
	}
	if errs := validation.Validate(
		validation.Username("username", req.Username),
		validation.Email("email", validation.NormalizeEmail(req.Email)),
		validation.Password("password", req.Password),
	); len(errs) > 0 {
		validation.Abort(c, errs)
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

	cl, err := h.svc.Create(c.Request.Context(), owner, CreateInput{
		Name:     validation.SanitizeString(req.Name, 200),
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"client": cl})
}

// ListClients handles GET /v1/clients
func (h *Handler) ListClients(c *gin.Context) {
	owner := ownerScope(c)
	if owner == "" {
		owner = c.Query("ownerId")
	}
	clients, err := h.svc.List(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	if clients == nil {
		clients = []*Client{}
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients, "count": len(clients)})
}

// GetClient handles GET /v1/clients/:id
func (h *Handler) GetClient(c *gin.Context) {
	cl, err := h.svc.GetOwned(c.Request.Context(), c.Param("id"), ownerScope(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": cl})
}

// UpdateClient handles PATCH /v1/clients/:id. Only admins may set credits,
// which overwrites the operator counter and leaves the subscription balance alone.
func (h *Handler) UpdateClient(c *gin.Context) {
	var req struct {
		Name     *string `json:"name"`
		Email    *string `json:"email"`
		Password *string `json:"password"`
		Credits  *int64  `json:"credits"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	var checks []func() *validation.ValidationError
	if req.Email != nil {
		checks = append(checks, validation.Email("email", validation.NormalizeEmail(*req.Email)))
	}
	if req.Password != nil {
		checks = append(checks, validation.Password("password", *req.Password))
	}
	if req.Credits != nil {
		if p, _ := auth.GetPrincipal(c); !p.IsAdmin() {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "credit adjustments require admin"})
			return
		}
		checks = append(checks, validation.NonNegative("credits", *req.Credits))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	if req.Name != nil {
		n := validation.SanitizeString(*req.Name, 200)
		req.Name = &n
	}

	cl, err := h.svc.Update(c.Request.Context(), c.Param("id"), ownerScope(c), UpdateInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
		Credits:  req.Credits,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": cl})
}

// DeleteClient handles DELETE /v1/clients/:id
func (h *Handler) DeleteClient(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id"), ownerScope(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AssignAgent handles POST /v1/clients/:id/agents
func (h *Handler) AssignAgent(c *gin.Context) {
	var req struct {
		AgentID string `json:"agentId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "agentId required"})
		return
	}
	cl, err := h.svc.AssignAgent(c.Request.Context(), c.Param("id"), ownerScope(c), req.AgentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": cl})
}

// UnassignAgent handles DELETE /v1/clients/:id/agents/:agentId
func (h *Handler) UnassignAgent(c *gin.Context) {
	cl, err := h.svc.UnassignAgent(c.Request.Context(), c.Param("id"), ownerScope(c), c.Param("agentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": cl})
}

// Login handles POST /v1/auth/client-login
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "username and password required"})
		return
	}
	token, exp, cl, err := h.svc.Authenticate(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, ErrInvalidLogin) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": "invalid username or password"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": exp, "client": cl})
}

// Self handles GET /v1/client/me for a logged-in client.
func (h *Handler) Self(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	if p.Role != auth.RoleClient {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "client session required"})
		return
	}
	cl, err := h.svc.Get(c.Request.Context(), p.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"client": cl})
}
