package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(l *Limiter, rule Rule) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(l, rule, func(c *gin.Context) string {
		return c.GetHeader("X-Account")
	}))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return router
}

func TestMiddlewareLimits(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	router := newLimitedRouter(l, Rule{Limit: 2, Window: time.Minute, Policy: FailClosed})

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Account", "acct-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, do().Code)

	third := do()
	assert.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "60", third.Header().Get("Retry-After"))
	assert.Contains(t, third.Body.String(), "RATE_LIMITED")
}

func TestMiddlewareStoreFailure(t *testing.T) {
	l, mr, _ := newTestLimiter(t)
	mr.SetError("ERR store down")

	closed := newLimitedRouter(l, Rule{Limit: 2, Window: time.Minute, Policy: FailClosed})
	w := httptest.NewRecorder()
	closed.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "SERVICE_UNAVAILABLE")

	open := newLimitedRouter(l, Rule{Limit: 2, Window: time.Minute, Policy: FailOpen})
	w = httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
