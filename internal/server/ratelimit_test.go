package server

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable time source for the limiter.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute, perHour, perDay int, dataPerDay int64) (*RateLimiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(perMinute, perHour, perDay, dataPerDay)
	rl.now = c.now
	return rl, c
}

func TestRateLimiter_NoLimits(t *testing.T) {
	rl, _ := newTestLimiter(0, 0, 0, 0)
	for range 100 {
		require.NoError(t, rl.CheckRateLimit("client", 1<<20))
	}
	assert.Equal(t, 100, rl.GetUsage("client").DayCount)
}

func TestRateLimiter_RequestsPerMinute(t *testing.T) {
	rl, c := newTestLimiter(3, 0, 0, 0)
	for range 3 {
		require.NoError(t, rl.CheckRateLimit("client", 0))
	}

	c.advance(20 * time.Second)
	err := rl.CheckRateLimit("client", 0)
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "minute", rle.Type)
	assert.Equal(t, 3, rle.Limit)
	assert.Equal(t, 40*time.Second, rle.RetryAfter)

	// Rejected requests do not count.
	assert.Equal(t, 3, rl.GetUsage("client").MinuteCount)

	c.advance(40 * time.Second)
	require.NoError(t, rl.CheckRateLimit("client", 0))
	assert.Equal(t, 1, rl.GetUsage("client").MinuteCount)
	assert.Equal(t, 4, rl.GetUsage("client").HourCount)
}

func TestRateLimiter_RequestsPerHour(t *testing.T) {
	rl, c := newTestLimiter(0, 2, 0, 0)
	require.NoError(t, rl.CheckRateLimit("client", 0))
	require.NoError(t, rl.CheckRateLimit("client", 0))

	var rle *RateLimitError
	require.ErrorAs(t, rl.CheckRateLimit("client", 0), &rle)
	assert.Equal(t, "hour", rle.Type)

	c.advance(time.Hour)
	assert.NoError(t, rl.CheckRateLimit("client", 0))
}

func TestRateLimiter_DailyQuotas(t *testing.T) {
	t.Run("requests", func(t *testing.T) {
		rl, c := newTestLimiter(0, 0, 2, 0)
		require.NoError(t, rl.CheckRateLimit("client", 0))
		require.NoError(t, rl.CheckRateLimit("client", 0))

		var qe *QuotaExceededError
		require.ErrorAs(t, rl.CheckRateLimit("client", 0), &qe)
		assert.Equal(t, "requests", qe.Type)
		assert.Equal(t, int64(2), qe.Used)
		assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), qe.Resets)

		c.advance(14 * time.Hour)
		require.NoError(t, rl.CheckRateLimit("client", 0))
		assert.Equal(t, 1, rl.GetUsage("client").DayCount)
	})

	t.Run("data", func(t *testing.T) {
		rl, _ := newTestLimiter(0, 0, 0, 1000)
		require.NoError(t, rl.CheckRateLimit("client", 600))

		var qe *QuotaExceededError
		require.ErrorAs(t, rl.CheckRateLimit("client", 600), &qe)
		assert.Equal(t, "data", qe.Type)
		assert.Equal(t, int64(600), qe.Used)

		require.NoError(t, rl.CheckRateLimit("client", 400))
		assert.Equal(t, int64(1000), rl.GetUsage("client").DayBytes)
	})
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(1, 0, 0, 0)
	require.NoError(t, rl.CheckRateLimit("a", 0))
	require.NoError(t, rl.CheckRateLimit("b", 0))
	assert.Error(t, rl.CheckRateLimit("a", 0))
	assert.Equal(t, ClientUsage{}, rl.GetUsage("unknown"))
}

func TestRateLimitErrors_Messages(t *testing.T) {
	rle := &RateLimitError{Type: "minute", Limit: 10, RetryAfter: 30 * time.Second}
	assert.Equal(t, "rate limit exceeded for minute (limit: 10, retry after: 30s)", rle.Error())

	resets := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	qe := &QuotaExceededError{Type: "data", Limit: 100, Used: 90, Resets: resets}
	assert.Equal(t, "quota exceeded for data (used: 90, limit: 100, resets: 2026-03-15T00:00:00Z)", qe.Error())

	wrapped := fmt.Errorf("check: %w", qe)
	var target *QuotaExceededError
	assert.True(t, errors.As(wrapped, &target))
}

func BenchmarkRateLimiter_CheckRateLimit(b *testing.B) {
	rl := NewRateLimiter(0, 0, 0, 0)
	for b.Loop() {
		_ = rl.CheckRateLimit("bench", 1024)
	}
}
