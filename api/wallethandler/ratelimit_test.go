package wallethandler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Burst(t *testing.T) {
	l := NewRateLimiter(1, 3, time.Minute)
	require.NotNil(t, l)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user:alice", now), "request %d", i)
	}
	assert.False(t, l.Allow("user:alice", now))
	assert.True(t, l.Allow("user:bob", now))

	// One token per second refills.
	assert.True(t, l.Allow("user:alice", now.Add(time.Second)))
	assert.False(t, l.Allow("user:alice", now.Add(time.Second)))
}

func TestRateLimiter_Disabled(t *testing.T) {
	var l *RateLimiter
	assert.Nil(t, NewRateLimiter(0, 10, 0))
	assert.Nil(t, NewRateLimiter(5, 0, 0))

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("user:alice", time.Now()))
	}
	assert.Equal(t, 0, l.Len())
}

func TestRateLimiter_EmptyKey(t *testing.T) {
	l := NewRateLimiter(1, 1, time.Minute)
	now := time.Now()
	assert.True(t, l.Allow("  ", now))
	assert.True(t, l.Allow("", now))
	assert.Equal(t, 0, l.Len())
}

func TestRateLimiter_EvictsIdleKeys(t *testing.T) {
	l := NewRateLimiter(100, 10, time.Minute)
	start := time.Unix(1_700_000_000, 0)

	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("ip:10.0.0.%d", i), start)
	}
	assert.Equal(t, 100, l.Len())

	later := start.Add(2 * time.Minute)
	for i := 0; i < 512; i++ {
		l.Allow("ip:10.0.1.1", later)
	}
	assert.Equal(t, 1, l.Len())
}
