package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroRateIsUnlimited(t *testing.T) {
	limiter := New(0, 0)
	for range 1000 {
		assert.True(t, limiter.Allow())
	}
}

func TestBurstThenThrottle(t *testing.T) {
	limiter := New(1, 3)

	for i := range 3 {
		assert.True(t, limiter.Allow(), "burst token %d", i)
	}
	assert.False(t, limiter.Allow(), "bucket should be empty after the burst")
}

func TestWaitHonoursContext(t *testing.T) {
	limiter := New(1, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := limiter.Wait(ctx)
	assert.Error(t, err, "empty bucket plus expired context should fail")
}
