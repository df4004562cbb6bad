package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brainnel/checkout-api/internal/platform/auth"
)

func TestRateLimiterAllowsBurstThenRefills(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(6, 2, func() time.Time { return now })

	require.True(t, limiter.Allow("uid:a"))
	require.True(t, limiter.Allow("uid:a"))
	require.False(t, limiter.Allow("uid:a"))
	require.True(t, limiter.Allow("uid:b"), "callers get independent buckets")

	now = now.Add(10 * time.Second)
	require.True(t, limiter.Allow("uid:a"))
}

func TestNewRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(0, 5, nil)
	require.Nil(t, limiter)
	require.True(t, limiter.Allow("anyone"))

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rr := httptest.NewRecorder()
	limiter.Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRateLimiterMiddlewareRejects(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 1, func() time.Time { return now })
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	ctx := auth.WithIdentity(context.Background(), &auth.Identity{UID: "user-1"})
	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/sessions/chk/payments", nil).WithContext(ctx)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equalf(t, want, rr.Code, "request %d", i)
		if want == http.StatusTooManyRequests {
			require.Contains(t, rr.Body.String(), "rate_limited")
			require.Equal(t, "60", rr.Header().Get("Retry-After"))
		}
	}
}

func TestRateLimitKeyFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "203.0.113.7:5050"
	require.Equal(t, "ip:203.0.113.7", rateLimitKey(req))
}
