package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	req := require.New(t)
	now := time.Unix(0, 0)
	b := newTokenBucket(RateLimitConfig{Burst: 3, RefillInterval: 3 * time.Second})
	b.now = func() time.Time { return now }
	b.lastCheck = now

	req.True(b.allow())
	req.True(b.allow())
	req.True(b.allow())
	req.False(b.allow(), "burst exhausted")

	now = now.Add(time.Second)
	req.True(b.allow(), "one token refilled after a second")
	req.False(b.allow())

	now = now.Add(time.Hour)
	for range 3 {
		req.True(b.allow())
	}
	req.False(b.allow(), "refill is capped at the burst size")
}

func TestTokenBucket_Defaults(t *testing.T) {
	b := newTokenBucket(RateLimitConfig{})
	require.True(t, b.allow())
	require.False(t, b.allow())
}
