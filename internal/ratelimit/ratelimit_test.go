package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow_Burst(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 3})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("a"), "request after burst should be denied")
}

func TestLimiterAllow_Refill(t *testing.T) {
	l := New(Config{RPS: 50, Burst: 1})
	defer l.Stop()

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.Allow("a"))
}

func TestLimiterAllow_IndependentKeys(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1})
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())
}

func TestLimiterEvictsIdleCallers(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, CleanupInterval: 5 * time.Millisecond, IdleTTL: time.Millisecond})
	defer l.Stop()

	l.Allow("a")
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLimiterStopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RPS: 1, Burst: 2})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return c.GetHeader("X-Caller") }))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(caller string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-Caller", caller)
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("x").Code)
	assert.Equal(t, http.StatusOK, do("x").Code)
	w := do("x")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("y").Code)
}
