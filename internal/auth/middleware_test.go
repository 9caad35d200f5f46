package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(token))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return router
}

func get(router *gin.Engine, path, header string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Code
}

func TestMiddleware(t *testing.T) {
	router := newRouter("secret")

	assert.Equal(t, http.StatusUnauthorized, get(router, "/ping", ""))
	assert.Equal(t, http.StatusUnauthorized, get(router, "/ping", "Bearer wrong"))
	assert.Equal(t, http.StatusUnauthorized, get(router, "/ping", "secret"))
	assert.Equal(t, http.StatusNoContent, get(router, "/ping", "Bearer secret"))
	assert.Equal(t, http.StatusNoContent, get(router, "/ping", "bearer  secret "))
	assert.Equal(t, http.StatusNoContent, get(router, "/ping?access_token=secret", ""))
}

func TestMiddlewareDisabledWithoutToken(t *testing.T) {
	assert.Equal(t, http.StatusNoContent, get(newRouter(""), "/ping", ""))
}
