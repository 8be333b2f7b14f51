package ratelimit

import (
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultEpsilon is added to every computed wait so retries land just past a
// window boundary instead of on it.
const DefaultEpsilon = 10 * time.Millisecond

// Backoff reasons reported through Hooks.OnBackoff.
const (
	ReasonServerError = "server_error"
	ReasonOverload    = "overload"
	ReasonMissingInfo = "missing_info"
)

// Scheduler runs tasks on a single cooperative goroutine.
type Scheduler interface {
	// RunSoon queues task for the next turn.
	RunSoon(task func())
	// RunAfter queues task once at least delay has elapsed.
	RunAfter(delay time.Duration, task func())
}

// Hooks observe limiter decisions. Nil fields are skipped.
type Hooks struct {
	OnDispatch func(behind int)
	OnDelay    func(wait time.Duration)
	OnBackoff  func(reason string, pause time.Duration)
	OnProbe    func(useFallback bool)
}

// State is a point-in-time copy of a limiter's beliefs.
type State struct {
	Probed      bool          `json:"probed"`
	UseFallback bool          `json:"use_fallback"`
	Behind      int           `json:"behind"`
	Remaining   *int          `json:"remaining,omitempty"`
	Limit       *int          `json:"limit,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
	Reset       *time.Time    `json:"reset,omitempty"`
	RetryActive bool          `json:"retry_active"`
	Spare       int           `json:"spare"`
	Invoked     uint64        `json:"invoked"`
	Dispatched  uint64        `json:"dispatched"`
	Waiting     int           `json:"waiting"`
}

type options struct {
	spare          int
	fallbackWindow time.Duration
	fallbackCount  int
	backoffMean    time.Duration
	epsilon        time.Duration
	src            rand.Source
	clock          clockwork.Clock
	hooks          Hooks
}

// Option configures a Limiter.
type Option func(*options)

// WithSpare keeps n quota units untouched.
func WithSpare(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.spare = n
		}
	}
}

// WithFallbackWindow sets the emulated quota used for nodes without headers.
func WithFallbackWindow(window time.Duration, count int) Option {
	return func(o *options) {
		o.fallbackWindow = window
		o.fallbackCount = count
	}
}

// WithoutFallbackWindow disables emulated windowing. Fallback mode then never throttles.
func WithoutFallbackWindow() Option {
	return func(o *options) {
		o.fallbackWindow = 0
		o.fallbackCount = 0
	}
}

// WithBackoffMean sets the average pause after errors.
func WithBackoffMean(mean time.Duration) Option {
	return func(o *options) {
		o.backoffMean = mean
	}
}

// WithEpsilon sets the guard added to every wait.
func WithEpsilon(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.epsilon = d
		}
	}
}

// WithRandSource makes backoff draws deterministic.
func WithRandSource(src rand.Source) Option {
	return func(o *options) {
		o.src = src
	}
}

// WithClock replaces the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithHooks installs decision observers.
func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// Limiter paces calls to target. See the package documentation for the
// threading contract.
type Limiter[T any] struct {
	target    func(T)
	sched     Scheduler
	clock     clockwork.Clock
	estimator *FallbackEstimator
	backoff   *Backoff
	hooks     Hooks
	spare     int
	epsilon   time.Duration

	probed      bool
	useFallback bool
	behind      int

	remaining    int
	hasRemaining bool
	limit        int
	hasLimit     bool
	window       time.Duration
	reset        time.Time
	hasReset     bool
	retry        bool

	invoked    uint64
	dispatched uint64
	waiting    int
}

// New wraps target. Tasks are queued on sched, which the limiter references
// but does not own.
func New[T any](target func(T), sched Scheduler, opts ...Option) *Limiter[T] {
	o := options{
		fallbackWindow: DefaultFallbackWindow,
		fallbackCount:  DefaultFallbackCount,
		backoffMean:    DefaultBackoffMean,
		epsilon:        DefaultEpsilon,
		clock:          clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Limiter[T]{
		target:    target,
		sched:     sched,
		clock:     o.clock,
		estimator: NewFallbackEstimator(o.fallbackWindow, o.fallbackCount, o.clock),
		backoff:   NewBackoff(o.backoffMean, o.src),
		hooks:     o.hooks,
		spare:     o.spare,
		epsilon:   o.epsilon,
	}
}

// Invoke requests one call of target with arg. The call is dispatched exactly
// once, possibly after a delay. Invoke never blocks.
func (l *Limiter[T]) Invoke(arg T) {
	l.invoked++
	if !l.probed {
		l.dispatch(arg)
		return
	}
	l.attempt(arg)
}

// Headers feeds back the outcome of one dispatched call.
func (l *Limiter[T]) Headers(status int, h http.Header) {
	l.release()
	l.ingest(status, h, false, l.clock.Now())
}

// Release forgets one dispatched call that will never report headers, such as
// a request abandoned by its caller.
func (l *Limiter[T]) Release() {
	l.release()
}

// State returns a copy of the current beliefs.
func (l *Limiter[T]) State() State {
	s := State{
		Probed:      l.probed,
		UseFallback: l.useFallback,
		Behind:      l.behind,
		Window:      l.window,
		RetryActive: l.retry,
		Spare:       l.spare,
		Invoked:     l.invoked,
		Dispatched:  l.dispatched,
		Waiting:     l.waiting,
	}
	if l.hasRemaining {
		v := l.remaining
		s.Remaining = &v
	}
	if l.hasLimit {
		v := l.limit
		s.Limit = &v
	}
	if l.hasReset {
		v := l.reset
		s.Reset = &v
	}
	return s
}

// Estimator exposes the fallback estimator for inspection.
func (l *Limiter[T]) Estimator() *FallbackEstimator {
	return l.estimator
}

func (l *Limiter[T]) release() {
	if l.behind > 0 {
		l.behind--
	}
}

func (l *Limiter[T]) dispatch(arg T) {
	l.behind++
	l.dispatched++
	if l.hooks.OnDispatch != nil {
		l.hooks.OnDispatch(l.behind)
	}
	l.sched.RunSoon(func() { l.target(arg) })
}

// attempt is the decision step shared by fresh invocations and parked retries.
func (l *Limiter[T]) attempt(arg T) {
	now := l.clock.Now()
	if l.useFallback {
		l.ingest(http.StatusOK, l.estimator.Sample(), true, now)
	} else {
		l.replenish(now)
	}

	if l.hasRemaining && l.remaining > l.spare {
		l.remaining--
		l.dispatch(arg)
		return
	}

	if !l.hasReset {
		l.backoffFrom(now, ReasonMissingInfo)
	}

	wait := l.reset.Sub(now) + l.epsilon
	if wait <= 0 {
		l.dispatch(arg)
		return
	}

	l.waiting++
	if l.hooks.OnDelay != nil {
		l.hooks.OnDelay(wait)
	}
	l.sched.RunAfter(wait, func() {
		l.waiting--
		l.attempt(arg)
	})
}

// replenish refills an expired window when the node advertised its length.
// Without a known window the stale reset simply lets the next call through.
func (l *Limiter[T]) replenish(now time.Time) {
	if !l.hasReset || now.Before(l.reset) || !l.hasLimit || l.window <= 0 || l.retry {
		return
	}
	l.remaining = l.limit - l.behind
	l.hasRemaining = true
	skipped := now.Sub(l.reset)/l.window + 1
	l.reset = l.reset.Add(skipped * l.window)
}

func (l *Limiter[T]) ingest(status int, h http.Header, synthetic bool, now time.Time) {
	if synthetic || !l.useFallback || !l.probed {
		l.limit, l.window, l.hasLimit = ParseLimit(h.Get(HeaderLimit))

		l.hasRemaining = false
		if hasHeader(h, HeaderRemaining) {
			if n, ok := ParseRemaining(h.Get(HeaderRemaining)); ok {
				l.remaining = n
				if !synthetic {
					l.remaining -= l.behind
				}
				l.hasRemaining = true
			}
		}

		if !synthetic || !l.retry {
			l.reset, l.hasReset = time.Time{}, false
			if hasHeader(h, HeaderReset) {
				l.reset, l.hasReset = ParseReset(h.Get(HeaderReset), now)
			}
		}

		if !l.probed {
			l.probed = true
			l.useFallback = !hasHeader(h, HeaderLimit) && !hasHeader(h, HeaderRemaining) && !hasHeader(h, HeaderReset)
			if l.hooks.OnProbe != nil {
				l.hooks.OnProbe(l.useFallback)
			}
		}
	}

	if hasHeader(h, HeaderRetryAfter) {
		l.reset, l.hasReset = ParseReset(h.Get(HeaderRetryAfter), now)
		l.remaining, l.hasRemaining = 0, true
		l.retry = true
	} else {
		l.retry = false
	}

	switch {
	case IsServerError(status):
		l.backoffFrom(now, ReasonServerError)
	case IsOverload(status) && !l.hasReset:
		l.backoffFrom(now, ReasonOverload)
	}

	guarded := (synthetic && l.useFallback) || (!synthetic && !l.useFallback)
	if guarded && !l.hasReset && (!l.hasRemaining || l.remaining <= l.spare) {
		l.backoffFrom(now, ReasonMissingInfo)
	}
}

func (l *Limiter[T]) backoffFrom(now time.Time, reason string) {
	pause := l.backoff.Sample()
	l.reset, l.hasReset = now.Add(pause), true
	if l.hooks.OnBackoff != nil {
		l.hooks.OnBackoff(reason, pause)
	}
}
