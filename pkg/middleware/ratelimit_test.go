package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimiter(perWindow, burst int) (*RateLimiter, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerWindow: perWindow,
		WindowDuration:    time.Second,
		BurstSize:         burst,
	})
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	rl, now := testLimiter(10, 2)

	allowed := 0
	for i := 0; i < 20; i++ {
		d, err := rl.Allow(ctx, "actor:1")
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed)

	d, _ := rl.Allow(ctx, "actor:2")
	assert.True(t, d.Allowed, "keys have separate buckets")
	assert.Equal(t, 11, d.Remaining)

	*now = now.Add(500 * time.Millisecond)
	d, _ = rl.Allow(ctx, "actor:1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)

	*now = now.Add(time.Hour)
	d, _ = rl.Allow(ctx, "actor:1")
	assert.Equal(t, 11, d.Remaining, "refill is capped at capacity")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	ctx := context.Background()
	rl, now := testLimiter(10, 0)

	_, _ = rl.Allow(ctx, "a")
	*now = now.Add(1500 * time.Millisecond)
	_, _ = rl.Allow(ctx, "b")
	*now = now.Add(1500 * time.Millisecond)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Len(t, rl.buckets, 1)
	assert.Contains(t, rl.buckets, "b")
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	assert.Equal(t, DefaultRateLimitConfig(), rl.config)
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	rl := NewDistributedRateLimiter(client, RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	}, "test")

	for i := 0; i < 4; i++ {
		d, err := rl.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3-i, d.Remaining)
	}
	d, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)
	assert.True(t, mr.Exists("test:ip:10.0.0.1"))
	assert.Equal(t, time.Minute, mr.TTL("test:ip:10.0.0.1"))

	mr.FastForward(time.Minute)
	d, err = rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window starts after expiry")

	require.NoError(t, rl.Reset(ctx, "ip:10.0.0.1"))
	assert.False(t, mr.Exists("test:ip:10.0.0.1"))
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	rl := NewDistributedRateLimiter(client, DefaultRateLimitConfig(), "")
	d, err := rl.Allow(context.Background(), "actor:1")
	require.Error(t, err)
	assert.True(t, d.Allowed)
}

type stubLimiter struct {
	d    Decision
	err  error
	keys []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (Decision, error) {
	s.keys = append(s.keys, key)
	return s.d, s.err
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	reset := time.Now().Add(30 * time.Second)

	tests := []struct {
		name       string
		limiter    *stubLimiter
		headers    map[string]string
		wantStatus int
		wantKey    string
		wantWarn   bool
	}{
		{
			name:       "allowed by actor",
			limiter:    &stubLimiter{d: Decision{Allowed: true, Limit: 5, Remaining: 4, Reset: reset}},
			headers:    map[string]string{"X-Actor-ID": "42"},
			wantStatus: http.StatusOK,
			wantKey:    "actor:42",
		},
		{
			name:       "rejected by ip",
			limiter:    &stubLimiter{d: Decision{Limit: 5, Reset: reset}},
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			wantStatus: http.StatusTooManyRequests,
			wantKey:    "ip:203.0.113.7",
		},
		{
			name:       "limiter failure fails open",
			limiter:    &stubLimiter{err: errors.New("redis down")},
			wantStatus: http.StatusOK,
			wantKey:    "ip:192.0.2.1",
			wantWarn:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			h := RateLimit(tt.limiter, log)(ok)

			req := httptest.NewRequest(http.MethodGet, "/v1/attachments/1", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, []string{tt.wantKey}, tt.limiter.keys)
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
				assert.NotEmpty(t, w.Header().Get("Retry-After"))
				assert.Contains(t, w.Body.String(), "rate limit exceeded")
			}
			if tt.wantWarn {
				require.NotNil(t, hook.LastEntry())
				assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
			} else {
				assert.Empty(t, hook.AllEntries())
			}
		})
	}
}
