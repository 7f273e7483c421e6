package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscrowd_RateLimiter_BurstExhaustion(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow("10.0.0.1")
		require.True(t, allowed, "request %d should be within burst", i)
	}

	allowed, retryAfter := rl.Allow("10.0.0.1")
	require.False(t, allowed)
	require.Greater(t, retryAfter.Seconds(), 0.0)
}

func TestEscrowd_RateLimiter_PerIPIsolation(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 1)

	allowed, _ := rl.Allow("10.0.0.1")
	require.True(t, allowed)
	allowed, _ = rl.Allow("10.0.0.1")
	require.False(t, allowed)

	allowed, _ = rl.Allow("10.0.0.2")
	require.True(t, allowed, "a second caller has its own bucket")
}

func TestEscrowd_RateLimiter_Middleware(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	request := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/commitments/c1/milestones/m1/signal", nil)
		req.RemoteAddr = "10.0.0.9:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusNoContent, request().Code)

	rec := request()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestEscrowd_GetIPFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:9999"
	require.Equal(t, "192.168.1.5", GetIPFromRequest(req))

	req.Header.Set("X-Real-IP", "203.0.113.7")
	require.Equal(t, "203.0.113.7", GetIPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	require.Equal(t, "198.51.100.4", GetIPFromRequest(req))
}
