package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestFleet_Server_RateLimiter_Allow(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(clockwork.NewFakeClock(), rate.Limit(5), 5)

	for i := range 5 {
		require.True(t, limiter.Allow("192.168.1.1"), "request %d should be allowed", i+1)
	}
	require.False(t, limiter.Allow("192.168.1.1"))

	// Each IP has its own bucket.
	require.True(t, limiter.Allow("192.168.1.2"))
}

func TestFleet_Server_RateLimiter_Refill(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(clock, rate.Limit(10), 2)

	require.True(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.1"))
	allowed, retryAfter := limiter.AllowWithRetry("10.0.0.1")
	require.False(t, allowed)
	require.InDelta(t, float64(100*time.Millisecond), float64(retryAfter), float64(time.Millisecond))

	clock.Advance(150 * time.Millisecond)
	require.True(t, limiter.Allow("10.0.0.1"))
}

func TestFleet_Server_RateLimiter_Cleanup(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	limiter := NewRateLimiter(clock, rate.Limit(1), 1)

	limiter.Allow("10.0.0.1")
	clock.Advance(3 * time.Minute)
	limiter.Allow("10.0.0.2")
	require.Equal(t, 2, limiter.clients())

	clock.Advance(3 * time.Minute)
	limiter.evict()
	require.Equal(t, 1, limiter.clients())
}

func TestFleet_Server_RateLimitMiddleware(t *testing.T) {
	t.Parallel()
	limiter := NewRateLimiter(clockwork.NewFakeClock(), rate.Limit(1), 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/query", nil)
	req.RemoteAddr = "192.168.1.1:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body RateLimitError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "rate_limit_exceeded", body.Error)
	require.Equal(t, 1, body.RetryAfter)
}
