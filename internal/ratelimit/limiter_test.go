package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestCheckAllowsBurstThenBlocks(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := New(Options{Enabled: true, Requests: 3, Window: 30 * time.Second, Now: c.now})

	for i := 0; i < 3; i++ {
		ok, _ := l.Check(1)
		require.True(t, ok, "request %d should be admitted", i)
	}
	ok, retry := l.Check(1)
	require.False(t, ok)
	assert.InDelta(t, float64(10*time.Second), float64(retry), float64(50*time.Millisecond))
	assert.InDelta(t, 10, RetrySeconds(retry), 1)

	ok, _ = l.Check(2)
	assert.True(t, ok, "actors have independent buckets")

	c.t = c.t.Add(11 * time.Second)
	ok, _ = l.Check(1)
	assert.True(t, ok, "token refills after the interval")
}

func TestRejectedCheckDoesNotConsume(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := New(Options{Enabled: true, Requests: 1, Window: 10 * time.Second, Now: c.now})
	ok, _ := l.Check(9)
	require.True(t, ok)
	for i := 0; i < 5; i++ {
		ok, _ = l.Check(9)
		require.False(t, ok)
	}
	c.t = c.t.Add(11 * time.Second)
	ok, _ = l.Check(9)
	assert.True(t, ok, "rejected checks must not push the refill further out")
}

func TestDisabledAlwaysAllows(t *testing.T) {
	l := New(Options{Enabled: false, Requests: 1})
	for i := 0; i < 10; i++ {
		ok, retry := l.Check(1)
		assert.True(t, ok)
		assert.Zero(t, retry)
	}
	var nilLimiter *Limiter
	ok, _ := nilLimiter.Check(1)
	assert.True(t, ok)
}

func TestRetrySeconds(t *testing.T) {
	assert.Equal(t, 1, RetrySeconds(0))
	assert.Equal(t, 2, RetrySeconds(1500*time.Millisecond))
}
