package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (*redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := newRedisStore(redisStoreConfig{Addr: mr.Addr(), Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreAllowCountsWithinWindow(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	allowed, retry, err := store.Allow(ctx, "cloudlocker:login:test", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retry)

	allowed, _, err = store.Allow(ctx, "cloudlocker:login:test", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, retry, err = store.Allow(ctx, "cloudlocker:login:test", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed, "expected throttle on third attempt")
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Minute)

	ttl := mr.TTL("cloudlocker:login:test")
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(2 * time.Minute)
	allowed, _, err = store.Allow(ctx, "cloudlocker:login:test", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "expected the window to reset after expiry")
}

func TestRedisStoreRearmsKeyWithoutExpiry(t *testing.T) {
	store, mr := newMiniredisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("cloudlocker:login:stuck", "5"))

	allowed, retry, err := store.Allow(ctx, "cloudlocker:login:stuck", 1, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 30*time.Second, retry)
	assert.Greater(t, mr.TTL("cloudlocker:login:stuck"), time.Duration(0))
}

func TestRedisStorePingFailsWhenServerStops(t *testing.T) {
	store, mr := newMiniredisStore(t)
	require.NoError(t, store.Ping(context.Background()))
	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	_, err := newRedisStore(redisStoreConfig{})
	assert.Error(t, err)
}

func TestRateLimiterSharesLoginCountersThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute, RedisAddr: mr.Addr()}

	first, err := newRateLimiter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := newRateLimiter(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	assert.True(t, first.Shared())
	require.NoError(t, first.Ping(context.Background()))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req1 := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req1.RemoteAddr = "198.51.100.9:1000"
	rec1 := httptest.NewRecorder()
	rateLimitMiddleware(first, nil, nil, next).ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusNoContent, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req2.RemoteAddr = "198.51.100.9:1001"
	rec2 := httptest.NewRecorder()
	rateLimitMiddleware(second, nil, nil, next).ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code, "replica should see the shared counter")
	assert.NotEmpty(t, rec2.Header().Get("Retry-After"))
	assert.True(t, mr.Exists(loginKeyPrefix+"198.51.100.9"))
}

func TestRateLimitMiddlewareReportsStoreFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := newRateLimiter(RateLimitConfig{LoginLimit: 1, RedisAddr: mr.Addr(), RedisTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rl.Close() })
	mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	rec := httptest.NewRecorder()
	rateLimitMiddleware(rl, nil, nil, http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerRegistersSharedLimiterForHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{RateLimit: RateLimitConfig{LoginLimit: 5, RedisAddr: mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	require.NotNil(t, handler.RateLimiter)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rate_limiter"`)
}
