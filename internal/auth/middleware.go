package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/voicedesk/voicedesk/internal/logging"
)

// ContextKeyPrincipal is the gin context key holding the caller's Principal.
const ContextKeyPrincipal = "authPrincipal"

// AdminSecretHeader carries the operator secret.
const AdminSecretHeader = "X-Admin-Secret"

// Middleware resolves the caller from a Bearer token or the admin secret.
// It never aborts; pair with RequireAuth or RequireRole.
func Middleware(issuer *Issuer, adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			p  Principal
			ok bool
		)
		if s := c.GetHeader(AdminSecretHeader); s != "" && adminSecret != "" {
			if subtle.ConstantTimeCompare([]byte(s), []byte(adminSecret)) == 1 {
				p, ok = Principal{Subject: "admin", Role: RoleAdmin}, true
			}
		} else if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			parsed, err := issuer.Parse(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
			if err == nil {
				p, ok = parsed, true
			}
		}

		if ok {
			c.Set(ContextKeyPrincipal, p)
			c.Request = c.Request.WithContext(logging.WithSubject(c.Request.Context(), p.Role+":"+p.Subject))
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects requests whose principal holds none of roles.
// Admins pass every role check.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required.",
			})
			return
		}
		if p.IsAdmin() {
			c.Next()
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not allowed for role " + p.Role,
		})
	}
}

// GetPrincipal returns the authenticated caller, if any.
func GetPrincipal(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
