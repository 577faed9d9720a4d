package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	allowed   bool
	remaining int
	err       error
	keys      []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	f.keys = append(f.keys, key)
	return f.allowed, f.remaining, f.err
}

func serveWithRateLimit(cfg RateLimitConfig, limiter RateLimiter, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(cfg, limiter))
	r.GET(path, func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitSetsQuotaHeaders(t *testing.T) {
	limiter := &fakeLimiter{allowed: true, remaining: 3}
	cfg := RateLimitConfig{Enabled: true, RequestsPerSecond: 10}

	w := serveWithRateLimit(cfg, limiter, "/v1/rag/query")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Remaining"))

	require.Len(t, limiter.keys, 1)
	assert.Contains(t, limiter.keys[0], "/v1/rag/query")
}

func TestRateLimitRejectsWhenQuotaExceeded(t *testing.T) {
	limiter := &fakeLimiter{allowed: false, remaining: 0}
	cfg := RateLimitConfig{Enabled: true, RequestsPerSecond: 10}

	w := serveWithRateLimit(cfg, limiter, "/v1/rag/query")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis offline")}
	cfg := RateLimitConfig{Enabled: true, RequestsPerSecond: 10}

	w := serveWithRateLimit(cfg, limiter, "/v1/rag/query")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitDisabledSkipsLimiter(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	cfg := RateLimitConfig{Enabled: false}

	w := serveWithRateLimit(cfg, limiter, "/v1/rag/query")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, limiter.keys)
}
