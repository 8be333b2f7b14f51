package ratelimit

import (
	"container/heap"
	"math/rand/v2"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeTimer struct {
	at   time.Time
	seq  int
	task func()
}

type timerQueue []fakeTimer

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}
func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x any)   { *q = append(*q, x.(fakeTimer)) }
func (q *timerQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

// fakeScheduler runs tasks in virtual time driven by a fake clock.
type fakeScheduler struct {
	clock  clockwork.FakeClock
	soon   []func()
	timers timerQueue
	seq    int
}

func newFakeScheduler(clock clockwork.FakeClock) *fakeScheduler {
	return &fakeScheduler{clock: clock}
}

func (s *fakeScheduler) RunSoon(task func()) {
	s.soon = append(s.soon, task)
}

func (s *fakeScheduler) RunAfter(delay time.Duration, task func()) {
	heap.Push(&s.timers, fakeTimer{at: s.clock.Now().Add(delay), seq: s.seq, task: task})
	s.seq++
}

func (s *fakeScheduler) runSoon() {
	for len(s.soon) > 0 {
		task := s.soon[0]
		s.soon = s.soon[1:]
		task()
	}
}

// runUntil executes everything due at or before deadline.
func (s *fakeScheduler) runUntil(deadline time.Time) {
	for {
		s.runSoon()
		if s.timers.Len() == 0 || s.timers[0].at.After(deadline) {
			return
		}
		next := heap.Pop(&s.timers).(fakeTimer)
		if d := next.at.Sub(s.clock.Now()); d > 0 {
			s.clock.Advance(d)
		}
		next.task()
	}
}

func (s *fakeScheduler) drain() {
	s.runUntil(time.Unix(1<<40, 0))
}

type dispatchLog struct {
	clock clockwork.Clock
	args  []int
	at    []time.Time
}

func (d *dispatchLog) record(arg int) {
	d.args = append(d.args, arg)
	d.at = append(d.at, d.clock.Now())
}

func quota(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func newTestLimiter(t *testing.T, target func(int), opts ...Option) (*Limiter[int], *fakeScheduler, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	sched := newFakeScheduler(clock)
	base := []Option{WithClock(clock), WithRandSource(rand.NewPCG(42, 99))}
	return New(target, sched, append(base, opts...)...), sched, clock
}

func TestLimiterFirstInvokeDispatchesImmediately(t *testing.T) {
	var log *dispatchLog
	limiter, sched, clock := newTestLimiter(t, func(arg int) { log.record(arg) }, WithFallbackWindow(time.Second, 1))
	log = &dispatchLog{clock: clock}

	limiter.Invoke(7)
	sched.drain()

	require.Equal(t, []int{7}, log.args)
	assert.Equal(t, epoch, log.at[0])
	assert.Equal(t, 1, limiter.State().Behind)
	assert.False(t, limiter.State().Probed)
}

func TestLimiterWaitsForReset(t *testing.T) {
	var limiter *Limiter[int]
	var log *dispatchLog
	limiter, sched, clock := newTestLimiter(t, func(arg int) {
		log.record(arg)
		if arg == 0 {
			limiter.Headers(http.StatusOK, quota(HeaderRemaining, "0", HeaderReset, "10"))
		}
	})
	log = &dispatchLog{clock: clock}

	limiter.Invoke(0)
	sched.runSoon()
	require.True(t, limiter.State().Probed)
	require.False(t, limiter.State().UseFallback)

	limiter.Invoke(1)
	assert.Equal(t, 1, limiter.State().Waiting)
	sched.drain()

	require.Equal(t, []int{0, 1}, log.args)
	assert.False(t, log.at[1].Before(epoch.Add(10*time.Second)))
}

func TestLimiterServerErrorBacksOff(t *testing.T) {
	var reasons []string
	limiter, sched, clock := newTestLimiter(t, func(int) {}, WithHooks(Hooks{
		OnBackoff: func(reason string, pause time.Duration) { reasons = append(reasons, reason) },
	}))

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, quota(HeaderLimit, "100", HeaderRemaining, "100", HeaderReset, "60"))

	limiter.Invoke(1)
	sched.runSoon()
	limiter.Headers(http.StatusServiceUnavailable, nil)

	state := limiter.State()
	require.NotNil(t, state.Reset)
	assert.True(t, state.Reset.After(clock.Now()))
	assert.Equal(t, []string{ReasonServerError}, reasons)
}

func TestLimiterBehindCorrection(t *testing.T) {
	limiter, sched, _ := newTestLimiter(t, func(int) {})

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, quota(HeaderRemaining, "10", HeaderReset, "60"))

	limiter.Invoke(1)
	limiter.Invoke(2)
	sched.runSoon()
	require.Equal(t, 2, limiter.State().Behind)
	require.Equal(t, 8, *limiter.State().Remaining)

	h := quota(HeaderRemaining, "8", HeaderReset, "60")
	limiter.Headers(http.StatusOK, h)
	first := limiter.State()
	limiter.Headers(http.StatusOK, h)
	second := limiter.State()

	assert.Equal(t, 7, *first.Remaining)
	assert.Equal(t, 8, *second.Remaining)
	assert.Equal(t, 8, *first.Remaining+first.Behind)
	assert.Equal(t, 8, *second.Remaining+second.Behind)
}

func TestLimiterFallbackIsSticky(t *testing.T) {
	var probes []bool
	limiter, sched, _ := newTestLimiter(t, func(int) {}, WithHooks(Hooks{
		OnProbe: func(useFallback bool) { probes = append(probes, useFallback) },
	}))

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, http.Header{})
	require.True(t, limiter.State().UseFallback)

	limiter.Invoke(1)
	sched.runSoon()
	limiter.Headers(http.StatusOK, quota(HeaderLimit, "3", HeaderRemaining, "3", HeaderReset, "5"))

	state := limiter.State()
	assert.True(t, state.UseFallback)
	assert.Equal(t, DefaultFallbackCount, *state.Limit)
	assert.Equal(t, []bool{true}, probes)
}

func TestLimiterRetryAfter(t *testing.T) {
	limiter, sched, clock := newTestLimiter(t, func(int) {})

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusTooManyRequests, quota(HeaderRemaining, "50", HeaderRetryAfter, "5"))

	state := limiter.State()
	assert.True(t, state.RetryActive)
	assert.Equal(t, 0, *state.Remaining)
	require.NotNil(t, state.Reset)
	assert.Equal(t, clock.Now().Add(5*time.Second), *state.Reset)

	limiter.Invoke(1)
	limiter.Headers(http.StatusOK, quota(HeaderRemaining, "50", HeaderReset, "5"))
	assert.False(t, limiter.State().RetryActive)
}

func TestLimiterOverloadWithoutReset(t *testing.T) {
	var reasons []string
	limiter, sched, _ := newTestLimiter(t, func(int) {}, WithHooks(Hooks{
		OnBackoff: func(reason string, pause time.Duration) { reasons = append(reasons, reason) },
	}))

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusRequestEntityTooLarge, quota(HeaderRemaining, "5"))

	assert.Equal(t, []string{ReasonOverload}, reasons)
	assert.NotNil(t, limiter.State().Reset)
}

func TestLimiterMissingInformationGuard(t *testing.T) {
	var reasons []string
	limiter, sched, _ := newTestLimiter(t, func(int) {}, WithSpare(2), WithHooks(Hooks{
		OnBackoff: func(reason string, pause time.Duration) { reasons = append(reasons, reason) },
	}))

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, quota(HeaderLimit, "10", HeaderRemaining, "2"))

	assert.Equal(t, []string{ReasonMissingInfo}, reasons)
	assert.NotNil(t, limiter.State().Reset)
}

func TestLimiterMalformedResetTriggersGuard(t *testing.T) {
	limiter, sched, clock := newTestLimiter(t, func(int) {})

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, quota(HeaderRemaining, "0", HeaderReset, "later"))

	state := limiter.State()
	require.NotNil(t, state.Reset)
	assert.True(t, state.Reset.After(clock.Now()))
}

func TestLimiterReleaseClampsBehind(t *testing.T) {
	limiter, sched, _ := newTestLimiter(t, func(int) {})

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Release()
	limiter.Release()
	limiter.Headers(http.StatusOK, quota(HeaderRemaining, "3", HeaderReset, "1"))

	assert.Equal(t, 0, limiter.State().Behind)
	assert.Equal(t, 3, *limiter.State().Remaining)
}

func TestLimiterReplenishesAdvertisedWindow(t *testing.T) {
	var limiter *Limiter[int]
	var log *dispatchLog
	limiter, sched, clock := newTestLimiter(t, func(arg int) {
		log.record(arg)
		if arg == 0 {
			limiter.Headers(http.StatusOK, quota(
				HeaderLimit, "3, 3;window=2",
				HeaderRemaining, "0",
				HeaderReset, "2",
			))
		}
	})
	log = &dispatchLog{clock: clock}

	limiter.Invoke(0)
	sched.runSoon()
	for i := 1; i <= 4; i++ {
		limiter.Invoke(i)
	}

	sched.runUntil(epoch.Add(3 * time.Second))
	require.Equal(t, []int{0, 1, 2, 3}, log.args)
	assert.Equal(t, 1, limiter.State().Waiting)

	for i := 0; i < 3; i++ {
		limiter.Release()
	}
	sched.runUntil(epoch.Add(5 * time.Second))
	require.Equal(t, []int{0, 1, 2, 3, 4}, log.args)
	assert.True(t, log.at[4].After(epoch.Add(4*time.Second)))
}

func TestLimiterFallbackBurst(t *testing.T) {
	calls := 5000
	if testing.Short() {
		calls = 500
	}

	var limiter *Limiter[int]
	var log *dispatchLog
	limiter, sched, clock := newTestLimiter(t, func(arg int) {
		log.record(arg)
		limiter.Headers(http.StatusOK, http.Header{})
	}, WithFallbackWindow(time.Second, 5))
	log = &dispatchLog{clock: clock}

	limiter.Invoke(0)
	sched.runSoon()
	require.True(t, limiter.State().UseFallback)

	for i := 1; i < calls; i++ {
		limiter.Invoke(i)
	}
	sched.drain()

	require.Len(t, log.args, calls)
	seen := make(map[int]bool, calls)
	for _, arg := range log.args {
		require.False(t, seen[arg], "duplicate dispatch of %d", arg)
		seen[arg] = true
	}

	perSecond := make(map[int64]int)
	for _, at := range log.at {
		perSecond[at.Unix()]++
	}
	for sec, n := range perSecond {
		assert.LessOrEqual(t, n, 5, "second %d", sec)
	}

	elapsed := log.at[len(log.at)-1].Sub(epoch)
	assert.GreaterOrEqual(t, elapsed, time.Duration(calls/5-1)*time.Second)
	assert.Less(t, elapsed, time.Duration(calls/2)*time.Second)

	state := limiter.State()
	assert.Equal(t, uint64(calls), state.Dispatched)
	assert.Equal(t, 0, state.Waiting)
	assert.Equal(t, 0, state.Behind)
}

func TestLimiterHugeRetryAfterStillWaits(t *testing.T) {
	limiter, sched, clock := newTestLimiter(t, func(int) {})

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusTooManyRequests, quota(HeaderRemaining, "0", HeaderRetryAfter, "10000000000"))

	limiter.Invoke(1)
	sched.runSoon()

	state := limiter.State()
	assert.Equal(t, uint64(1), state.Dispatched)
	assert.Equal(t, 1, state.Waiting)
	require.NotNil(t, state.Reset)
	assert.True(t, state.Reset.After(clock.Now()))
}

func TestLimiterFallbackRetryAfterHoldsWindow(t *testing.T) {
	var log *dispatchLog
	limiter, sched, clock := newTestLimiter(t, func(arg int) { log.record(arg) }, WithFallbackWindow(10*time.Second, 2))
	log = &dispatchLog{clock: clock}

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, http.Header{})
	require.True(t, limiter.State().UseFallback)

	limiter.Invoke(1)
	limiter.Invoke(2)
	limiter.Invoke(3)

	windowEnd := epoch.Add(10 * time.Second)
	state := limiter.State()
	require.True(t, state.RetryActive)
	require.NotNil(t, state.Reset)
	assert.Equal(t, windowEnd, *state.Reset)
	assert.Equal(t, 2, state.Waiting)

	clock.Advance(3 * time.Second)
	limiter.Invoke(4)
	state = limiter.State()
	assert.True(t, state.RetryActive)
	assert.Equal(t, windowEnd, *state.Reset)

	sched.runUntil(windowEnd)
	require.Equal(t, []int{0, 1}, log.args)

	sched.drain()
	require.Equal(t, []int{0, 1, 2, 3, 4}, log.args)
	for _, at := range log.at[2:] {
		assert.False(t, at.Before(windowEnd))
	}
	assert.False(t, limiter.State().RetryActive)
}

func TestLimiterSyntheticSampleKeepsNodeRetryAfter(t *testing.T) {
	limiter, sched, clock := newTestLimiter(t, func(int) {}, WithFallbackWindow(10*time.Second, 5))

	limiter.Invoke(0)
	sched.runSoon()
	limiter.Headers(http.StatusOK, http.Header{})
	require.True(t, limiter.State().UseFallback)

	limiter.Invoke(1)
	sched.runSoon()
	limiter.Headers(http.StatusTooManyRequests, quota(HeaderRetryAfter, "30"))

	retryAt := clock.Now().Add(30 * time.Second)
	state := limiter.State()
	require.True(t, state.RetryActive)
	assert.Equal(t, retryAt, *state.Reset)

	// The estimator is within quota, so this sample carries no Retry-After.
	limiter.Invoke(2)
	state = limiter.State()
	assert.False(t, state.RetryActive)
	require.NotNil(t, state.Reset)
	assert.Equal(t, retryAt, *state.Reset)

	limiter.Invoke(3)
	assert.Equal(t, epoch.Add(10*time.Second), *limiter.State().Reset)
}
