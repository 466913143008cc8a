package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/voicedesk/voicedesk/internal/idgen"
)

func TestIsValidUsername(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"alice", true},
		{"a.b-c_d", true},
		{"ab", false},
		{"_alice", false},
		{"has space", false},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidUsername(tc.in), tc.in)
	}
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("ops@example.com"))
	assert.False(t, IsValidEmail("Ops <ops@example.com>"))
	assert.False(t, IsValidEmail("not-an-email"))
	assert.False(t, IsValidEmail(""))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "hel", SanitizeString("hello", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "ops@example.com", NormalizeEmail(" Ops@Example.COM "))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("username", ""),
		Email("email", "bogus"),
		Password("password", "short"),
		NonNegative("credits", -1),
		Username("username", "ok_name"),
		MaxLength("note", "abc", 10),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "username: is required", errs.Error())
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/clients/:id", IDParamMiddleware("id", idgen.PrefixClient), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/clients/"+idgen.New(idgen.PrefixClient), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/clients/"+idgen.New(idgen.PrefixAgent), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader(`{"k":"0123456789"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
