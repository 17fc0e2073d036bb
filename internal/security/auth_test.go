package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func authRouter(secret string, skipPaths ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ServiceTokenMiddleware(secret, skipPaths...))
	r.GET("/agent/1/diary", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestServiceTokenAccepted(t *testing.T) {
	r := authRouter("s3cret")
	req := httptest.NewRequest(http.MethodGet, "/agent/1/diary", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceTokenMissing(t *testing.T) {
	r := authRouter("s3cret")
	req := httptest.NewRequest(http.MethodGet, "/agent/1/diary", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServiceTokenInvalid(t *testing.T) {
	r := authRouter("s3cret")
	req := httptest.NewRequest(http.MethodGet, "/agent/1/diary", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServiceTokenSkipPaths(t *testing.T) {
	r := authRouter("s3cret", "/health")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPlayerAddress(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("X-Player-Address", "  0xAbc  ")
	require.Equal(t, "0xAbc", PlayerAddress(c))
}
