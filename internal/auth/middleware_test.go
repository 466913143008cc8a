package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminSecret = "operator-secret"

func newRouter(iss *Issuer, guard gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(iss, adminSecret))
	r.GET("/x", guard, func(c *gin.Context) {
		p, _ := GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"subject": p.Subject, "role": p.Role})
	})
	return r
}

func do(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth(t *testing.T) {
	iss := NewIssuer(testSecret, 0)
	r := newRouter(iss, RequireAuth())

	assert.Equal(t, http.StatusUnauthorized, do(r, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{"Authorization": "Bearer garbage"}).Code)

	tok, _, err := iss.Issue("usr_1", RoleUser)
	require.NoError(t, err)
	w := do(r, map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"usr_1"`)
}

func TestRequireRole(t *testing.T) {
	iss := NewIssuer(testSecret, 0)
	r := newRouter(iss, RequireRole(RoleUser))

	clientTok, _, _ := iss.Issue("cli_1", RoleClient)
	assert.Equal(t, http.StatusForbidden, do(r, map[string]string{"Authorization": "Bearer " + clientTok}).Code)

	userTok, _, _ := iss.Issue("usr_1", RoleUser)
	assert.Equal(t, http.StatusOK, do(r, map[string]string{"Authorization": "Bearer " + userTok}).Code)
}

func TestAdminSecret(t *testing.T) {
	iss := NewIssuer(testSecret, 0)
	r := newRouter(iss, RequireRole(RoleUser))

	w := do(r, map[string]string{AdminSecretHeader: adminSecret})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"admin"`)

	assert.Equal(t, http.StatusUnauthorized, do(r, map[string]string{AdminSecretHeader: "nope"}).Code)
}

func TestAdminSecretDisabledWhenUnset(t *testing.T) {
	iss := NewIssuer(testSecret, 0)
	r := gin.New()
	r.Use(Middleware(iss, ""))
	r.GET("/x", RequireAuth(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set(AdminSecretHeader, "")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
