package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackEstimatorWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	e := NewFallbackEstimator(15*time.Second, 5, clock)

	for want := 4; want >= 0; want-- {
		h := e.Sample()
		assert.Equal(t, "5, 5;window=15", h.Get(HeaderLimit))
		assert.Equal(t, want, mustAtoi(t, h.Get(HeaderRemaining)))
		assert.Equal(t, "15", h.Get(HeaderReset))
		assert.Empty(t, h.Get(HeaderRetryAfter))
	}

	over := e.Sample()
	assert.Equal(t, "0", over.Get(HeaderRemaining))
	require.NotEmpty(t, over.Get(HeaderRetryAfter))
	assert.LessOrEqual(t, mustAtoi(t, over.Get(HeaderRetryAfter)), 15)
	assert.Equal(t, 6, e.Snapshot().Count)
}

func TestFallbackEstimatorRollsWindow(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	e := NewFallbackEstimator(15*time.Second, 5, clock)

	e.Sample()
	e.Sample()

	clock.Advance(15 * time.Second)
	h := e.Sample()
	assert.Equal(t, "4", h.Get(HeaderRemaining))
	assert.Equal(t, "15", h.Get(HeaderReset))
	assert.Equal(t, 1, e.Snapshot().Count)

	clock.Advance(47 * time.Second)
	h = e.Sample()
	assert.Equal(t, "4", h.Get(HeaderRemaining))
	assert.Equal(t, "13", h.Get(HeaderReset))
	assert.Equal(t, start.Add(75*time.Second), e.Snapshot().WindowEnd)
}

func TestFallbackEstimatorPartialSecondRoundsUp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	e := NewFallbackEstimator(time.Second, 5, clock)

	clock.Advance(300 * time.Millisecond)
	h := e.Sample()
	assert.Equal(t, "1", h.Get(HeaderReset))
}

func TestFallbackEstimatorDisabled(t *testing.T) {
	e := NewFallbackEstimator(0, 0, clockwork.NewFakeClock())
	require.False(t, e.Enabled())

	for i := 0; i < 3; i++ {
		h := e.Sample()
		assert.Equal(t, "1000", h.Get(HeaderLimit))
		assert.Equal(t, "999", h.Get(HeaderRemaining))
		assert.Equal(t, "1", h.Get(HeaderReset))
	}
}

func mustAtoi(t *testing.T, value string) int {
	t.Helper()
	n, ok := ParseRemaining(value)
	require.True(t, ok, "not an integer: %q", value)
	return n
}
