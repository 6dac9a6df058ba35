package clients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowConsumesBurst(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(0.0001, 3)

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow(), "burst exhausted, refill is far away")

	stats := limiter.GetStats()
	assert.Equal(t, int64(3), stats.AllowedRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
}

func TestTokenBucketRefills(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(100, 1)

	require.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, limiter.Allow(), "tokens refill at 100/s")
}

func TestTokenBucketWaitBlocksUntilToken(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(50, 1)
	require.True(t, limiter.Allow())

	start := time.Now()
	err := limiter.Wait(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTokenBucketWaitHonorsCancellation(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(0.0001, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketSetBurstCapsTokens(t *testing.T) {
	limiter := NewTokenBucketRateLimiter(1, 10)
	limiter.SetBurst(2)

	assert.True(t, limiter.Allow())
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())
}
