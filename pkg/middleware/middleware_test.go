package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func jwtRouter(secret string) *gin.Engine {
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(contextClientID))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	r := jwtRouter("secret")
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + signed(t, "secret", jwt.MapClaims{"client_id": "42", "exp": exp}), http.StatusOK, "42"},
		{"missing header", "", http.StatusUnauthorized, ""},
		{"wrong secret", "Bearer " + signed(t, "other", jwt.MapClaims{"client_id": "42", "exp": exp}), http.StatusUnauthorized, ""},
		{"missing client id", "Bearer " + signed(t, "secret", jwt.MapClaims{"exp": exp}), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signed(t, "secret", jwt.MapClaims{"client_id": "42", "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestInternalAuth(t *testing.T) {
	r := gin.New()
	r.POST("/internal", InternalAuth("key"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for header, status := range map[string]int{
		"":      http.StatusUnauthorized,
		"wrong": http.StatusForbidden,
		"key":   http.StatusNoContent,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		if header != "" {
			req.Header.Set(InternalKeyHeader, header)
		}
		r.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, "header %q", header)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(Limits{Auth: rate.Limit(0.001), Trading: rate.Inf, Market: rate.Inf})
	r := gin.New()
	r.Use(rl.Middleware())
	r.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/api/v1/auth/token"))
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "/api/v1/auth/token"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/orders"))
	}
}
