package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicedesk/voicedesk/internal/agent"
	"github.com/voicedesk/voicedesk/internal/auth"
)

type testEnv struct {
	r      *gin.Engine
	iss    *auth.Issuer
	agents *agent.Service
}

func setupRouter(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, agents := newTestService(t, NewMemoryStore())
	h := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(svc.issuer, "admin-secret"))
	h.RegisterPublicRoutes(v1)
	h.RegisterOwnerRoutes(v1.Group("", auth.RequireRole(auth.RoleUser)))
	h.RegisterClientRoutes(v1.Group("", auth.RequireRole(auth.RoleClient)))
	return testEnv{r: r, iss: svc.issuer, agents: agents}
}

func request(r *gin.Engine, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func bearer(t *testing.T, iss *auth.Issuer, subject, role string) map[string]string {
	t.Helper()
	tok, _, err := iss.Issue(subject, role)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func createClient(t *testing.T, env testEnv, headers map[string]string, body string) Client {
	t.Helper()
	w := request(env.r, "POST", "/v1/clients", headers, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Client Client `json:"client"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Client
}

func TestHandlers_ClientLifecycle(t *testing.T) {
	env := setupRouter(t)
	owner := bearer(t, env.iss, "usr_owner", auth.RoleUser)
	other := bearer(t, env.iss, "usr_other", auth.RoleUser)

	cl := createClient(t, env, owner, `{"name":"Acme","username":"acme","email":"ops@acme.io","password":"password1"}`)
	assert.Equal(t, "usr_owner", cl.OwnerID)
	assert.Empty(t, cl.PasswordHash, "hash never serialized")

	w := request(env.r, "POST", "/v1/clients", owner, `{"name":"Dup","username":"acme","password":"password1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(env.r, "POST", "/v1/clients", owner, `{"name":"Bad","username":"a!","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")

	w = request(env.r, "GET", "/v1/clients/"+cl.ID, other, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(env.r, "PATCH", "/v1/clients/"+cl.ID, owner, `{"name":"Acme Corp"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Acme Corp")

	w = request(env.r, "GET", "/v1/clients", owner, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = request(env.r, "DELETE", "/v1/clients/"+cl.ID, owner, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = request(env.r, "GET", "/v1/clients/"+cl.ID, owner, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_CreditsAreAdminOnly(t *testing.T) {
	env := setupRouter(t)
	owner := bearer(t, env.iss, "usr_owner", auth.RoleUser)
	admin := map[string]string{auth.AdminSecretHeader: "admin-secret"}

	cl := createClient(t, env, owner, `{"name":"Acme","username":"acme","password":"password1"}`)

	w := request(env.r, "PATCH", "/v1/clients/"+cl.ID, owner, `{"credits":999}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(env.r, "PATCH", "/v1/clients/"+cl.ID, admin, `{"credits":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = request(env.r, "PATCH", "/v1/clients/"+cl.ID, admin, `{"credits":999}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"credits":999`)
}

func TestHandlers_AdminCreateNeedsOwner(t *testing.T) {
	env := setupRouter(t)
	admin := map[string]string{auth.AdminSecretHeader: "admin-secret"}

	w := request(env.r, "POST", "/v1/clients", admin, `{"name":"Acme","username":"acme","password":"password1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	cl := createClient(t, env, admin, `{"name":"Acme","username":"acme","password":"password1","ownerId":"usr_x"}`)
	assert.Equal(t, "usr_x", cl.OwnerID)
}

func TestHandlers_AgentAssignment(t *testing.T) {
	env := setupRouter(t)
	owner := bearer(t, env.iss, "usr_owner", auth.RoleUser)
	cl := createClient(t, env, owner, `{"name":"Acme","username":"acme","password":"password1"}`)
	ag, err := env.agents.Create(t.Context(), "usr_owner", agent.CreateInput{Name: "Desk", ExternalID: "ext-1"})
	require.NoError(t, err)

	w := request(env.r, "POST", "/v1/clients/"+cl.ID+"/agents", owner, `{"agentId":"agt_missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(env.r, "POST", "/v1/clients/"+cl.ID+"/agents", owner, `{"agentId":"`+ag.ID+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), ag.ID)

	w = request(env.r, "DELETE", "/v1/clients/"+cl.ID+"/agents/"+ag.ID, owner, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = request(env.r, "DELETE", "/v1/clients/"+cl.ID+"/agents/"+ag.ID, owner, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ClientLoginAndSelf(t *testing.T) {
	env := setupRouter(t)
	owner := bearer(t, env.iss, "usr_owner", auth.RoleUser)
	cl := createClient(t, env, owner, `{"name":"Acme","username":"acme","password":"password1"}`)

	w := request(env.r, "POST", "/v1/auth/client-login", nil, `{"username":"acme","password":"nope-nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = request(env.r, "POST", "/v1/auth/client-login", nil, `{"username":"acme","password":"password1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))

	session := map[string]string{"Authorization": "Bearer " + login.Token}
	w = request(env.r, "GET", "/v1/client/me", session, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), cl.ID)

	// client sessions cannot reach owner routes
	w = request(env.r, "GET", "/v1/clients", session, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// users cannot reach the client dashboard
	w = request(env.r, "GET", "/v1/client/me", owner, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}
