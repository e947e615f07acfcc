package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Key: KeyIP, Limit: 2, Window: time.Minute})

	allowed, remaining, _ := rl.Allow("client-a")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)

	allowed, remaining, _ = rl.Allow("client-a")
	assert.True(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestRateLimiterBlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Key: KeyIP, Limit: 1, Window: time.Minute})

	allowed, _, _ := rl.Allow("client-b")
	require := assert.New(t)
	require.True(allowed)

	allowed, remaining, resetAt := rl.Allow("client-b")
	require.False(allowed)
	require.Equal(0, remaining)
	require.True(resetAt.After(time.Now()))
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Key: KeyIP, Limit: 1, Window: time.Millisecond})

	allowed, _, _ := rl.Allow("client-c")
	assert.True(t, allowed)

	time.Sleep(5 * time.Millisecond)
	allowed, _, _ = rl.Allow("client-c")
	assert.True(t, allowed)
}

func TestRateLimiterKeyForFallsBackToIP(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Key: KeyUser, Limit: 10, Window: time.Minute})
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.RemoteAddr = "10.0.0.5:1234"

	assert.Equal(t, "10.0.0.5", rl.KeyFor(req, "", ""))
}

func TestRateLimiterKeyForPrefersPrincipal(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Key: KeyUser, Limit: 10, Window: time.Minute})
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)

	assert.Equal(t, "alice", rl.KeyFor(req, "alice", ""))
}
