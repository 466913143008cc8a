package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  bool
		wantCredits bool
	}{
		{"allowed origin", []string{"https://app.example.com"}, "https://app.example.com", true, true},
		{"wildcard", []string{"*"}, "https://anything.com", true, false},
		{"empty list", nil, "https://anything.com", true, false},
		{"disallowed origin", []string{"https://app.example.com"}, "https://evil.com", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowed))
			router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", tc.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.wantCredits, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

type stubResolver map[string][]string

func (s stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := s[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return addrs, nil
}

func TestURLPolicyCheck(t *testing.T) {
	p := URLPolicy{Resolver: stubResolver{
		"hooks.example.com":  {"93.184.216.34"},
		"sneaky.example.com": {"93.184.216.34", "10.0.0.5"},
	}}
	ctx := context.Background()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.com/voicedesk", false},
		{"ftp://hooks.example.com", true},
		{"https://", true},
		{"http://localhost:8080/x", true},
		{"http://127.0.0.1/x", true},
		{"http://192.168.1.10/x", true},
		{"http://169.254.169.254/latest", true},
		{"https://sneaky.example.com/x", true},
		{"https://unknown.example.com/x", true},
		{"https://93.184.216.34/x", false},
	}
	for _, tt := range tests {
		err := p.Check(ctx, tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}

func TestURLPolicyAllowPrivate(t *testing.T) {
	p := URLPolicy{AllowPrivate: true}
	assert.NoError(t, p.Check(context.Background(), "http://127.0.0.1:9999/hook"))
	assert.Error(t, p.Check(context.Background(), "gopher://127.0.0.1"))
}
