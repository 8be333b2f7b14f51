// Package loop provides a single-goroutine task queue with timer-backed
// delayed tasks. It satisfies ratelimit.Scheduler.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("loop stopped")

// Loop executes queued tasks one at a time on the goroutine that calls Run.
type Loop struct {
	clock clockwork.Clock

	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
	done   chan struct{}
	errs   error

	queued  atomic.Int64
	timers  atomic.Int64
	stopped atomic.Bool
}

// New creates a loop. A nil clock uses wall time.
func New(clock clockwork.Clock) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Loop{
		clock:  clock,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clockwork.Clock {
	return l.clock
}

// RunSoon queues task for the next turn. Safe from any goroutine.
func (l *Loop) RunSoon(task func()) {
	l.mu.Lock()
	if l.stopped.Load() {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, task)
	l.queued.Inc()
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// RunAfter queues task once delay has elapsed on the loop's clock.
func (l *Loop) RunAfter(delay time.Duration, task func()) {
	if delay <= 0 {
		l.RunSoon(task)
		return
	}
	l.timers.Inc()
	l.clock.AfterFunc(delay, func() {
		l.RunSoon(task)
		l.timers.Dec()
	})
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.RunSoon(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		for _, task := range l.take() {
			l.runTask(task)
		}
		if l.stopped.Load() {
			l.discard()
			return nil
		}

		select {
		case <-ctx.Done():
			l.stopped.Store(true)
			l.discard()
			return ctx.Err()
		case <-l.notify:
		}
	}
}

// Stop makes Run return after the current batch. Queued tasks are dropped.
func (l *Loop) Stop() {
	if l.stopped.Swap(true) {
		return
	}
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Pending reports queued tasks and armed timers. After Run returns nothing is
// queued; timers armed before the stop are counted until they fire.
func (l *Loop) Pending() (queued, timers int64) {
	return l.queued.Load(), l.timers.Load()
}

// Idle reports whether nothing is queued or waiting on a timer.
func (l *Loop) Idle() bool {
	queued, timers := l.Pending()
	return queued == 0 && timers == 0
}

// Errors returns panics recovered from tasks, combined.
func (l *Loop) Errors() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := l.queue
	l.queue = nil
	return tasks
}

// discard drops tasks queued after the final batch. RunSoon checks stopped
// under mu, so nothing is appended once this returns.
func (l *Loop) discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queued.Sub(int64(len(l.queue)))
	l.queue = nil
}

func (l *Loop) runTask(task func()) {
	defer l.queued.Dec()
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.errs = multierr.Append(l.errs, fmt.Errorf("task panic: %v", r))
			l.mu.Unlock()
		}
	}()
	task()
}
