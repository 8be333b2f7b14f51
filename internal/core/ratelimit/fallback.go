package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
)

// Fallback defaults, used when the node sends no quota headers.
const (
	DefaultFallbackWindow = 15 * time.Second
	DefaultFallbackCount  = 150
)

// FallbackEstimator emulates a fixed window quota for nodes that do not
// advertise one. Every Sample counts as one quota-consuming call.
type FallbackEstimator struct {
	window time.Duration
	quota  int
	clock  clockwork.Clock

	windowEnd time.Time
	count     int
}

// EstimatorSnapshot describes the estimator's current window.
type EstimatorSnapshot struct {
	Window    time.Duration `json:"window"`
	Quota     int           `json:"quota"`
	WindowEnd time.Time     `json:"window_end"`
	Count     int           `json:"count"`
}

// NewFallbackEstimator creates an estimator. A non-positive window or quota
// disables windowing and every sample reports ample quota.
func NewFallbackEstimator(window time.Duration, quota int, clock clockwork.Clock) *FallbackEstimator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &FallbackEstimator{
		window: window,
		quota:  quota,
		clock:  clock,
	}
	if e.Enabled() {
		e.windowEnd = clock.Now().Truncate(time.Second).Add(window)
	}
	return e
}

// Enabled reports whether windowing is active.
func (e *FallbackEstimator) Enabled() bool {
	return e.window > 0 && e.quota > 0
}

// Sample advances the emulated window and returns the headers a quota-aware
// node would have sent for one more call.
func (e *FallbackEstimator) Sample() http.Header {
	h := make(http.Header, 4)
	if !e.Enabled() {
		h.Set(HeaderLimit, "1000")
		h.Set(HeaderRemaining, "999")
		h.Set(HeaderReset, "1")
		return h
	}

	now := e.clock.Now()
	if !now.Before(e.windowEnd) {
		e.count = 1
		skipped := now.Sub(e.windowEnd)/e.window + 1
		e.windowEnd = e.windowEnd.Add(skipped * e.window)
	} else {
		e.count++
	}

	left := ceilSeconds(e.windowEnd.Sub(now))
	h.Set(HeaderLimit, fmt.Sprintf("%d, %d;window=%s", e.quota, e.quota, formatSeconds(e.window)))

	remaining := e.quota - e.count
	if remaining < 0 {
		h.Set(HeaderRemaining, "0")
		h.Set(HeaderRetryAfter, strconv.Itoa(left))
	} else {
		h.Set(HeaderRemaining, strconv.Itoa(remaining))
	}
	h.Set(HeaderReset, strconv.Itoa(left))

	return h
}

// Snapshot returns the current window state.
func (e *FallbackEstimator) Snapshot() EstimatorSnapshot {
	return EstimatorSnapshot{
		Window:    e.window,
		Quota:     e.quota,
		WindowEnd: e.windowEnd,
		Count:     e.count,
	}
}

// ceilSeconds rounds up so a relative reset never lands before the window end.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
