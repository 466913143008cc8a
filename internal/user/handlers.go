package user

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/auth"
	"github.com/voicedesk/voicedesk/internal/logging"
	"github.com/voicedesk/voicedesk/internal/validation"
	"github.com/voicedesk/voicedesk/internal/vault"
)

// Handler provides HTTP endpoints for accounts.
type Handler struct {
	svc *Service
}

// NewHandler creates a new user handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes sets up unauthenticated account routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
}

// RegisterProtectedRoutes sets up routes for a logged-in user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
	r.PUT("/me/vendor-key", h.SetVendorKey)
	r.DELETE("/me/vendor-key", h.ClearVendorKey)
}

type userResponse struct {
	*User
	VendorKeySet bool `json:"vendorKeySet"`
}

// Register handles POST /v1/auth/register
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Name     string `json:"name"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "email and password required"})
		return
	}
	if errs := validation.Validate(
		validation.Email("email", validation.NormalizeEmail(req.Email)),
		validation.Password("password", req.Password),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	u, err := h.svc.Register(c.Request.Context(), req.Email, req.Name, req.Password)
	if errors.Is(err, ErrEmailTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "email already registered"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("register failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to register"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": userResponse{User: u}})
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "email and password required"})
		return
	}

	token, exp, u, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidLogin) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": "invalid email or password"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": exp,
		"user":      userResponse{User: u, VendorKeySet: u.HasVendorKey()},
	})
}

func callerID(c *gin.Context) (string, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok || p.Role != auth.RoleUser {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "user session required"})
		return "", false
	}
	return p.Subject, true
}

// Me handles GET /v1/me
func (h *Handler) Me(c *gin.Context) {
	id, ok := callerID(c)
	if !ok {
		return
	}
	u, err := h.svc.Get(c.Request.Context(), id)
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": userResponse{User: u, VendorKeySet: u.HasVendorKey()}})
}

// SetVendorKey handles PUT /v1/me/vendor-key
func (h *Handler) SetVendorKey(c *gin.Context) {
	id, ok := callerID(c)
	if !ok {
		return
	}
	var req struct {
		APIKey string `json:"apiKey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "apiKey required"})
		return
	}
	if err := h.svc.SetVendorKey(c.Request.Context(), id, req.APIKey); err != nil {
		logging.L(c.Request.Context()).Error("set vendor key failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to store key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"vendorKeySet": true, "hint": vault.Hint(req.APIKey)})
}

// ClearVendorKey handles DELETE /v1/me/vendor-key
func (h *Handler) ClearVendorKey(c *gin.Context) {
	id, ok := callerID(c)
	if !ok {
		return
	}
	if err := h.svc.ClearVendorKey(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to clear key"})
		return
	}
	c.Status(http.StatusNoContent)
}
