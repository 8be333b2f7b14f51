package loop

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, clock clockwork.Clock) *Loop {
	t.Helper()
	l := New(clock)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := startLoop(t, nil)

	var order []int
	for i := 0; i < 5; i++ {
		l.RunSoon(func() { order = append(order, i) })
	}

	var got []int
	require.NoError(t, l.Do(context.Background(), func() { got = append(got, order...) }))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopRunAfterUsesClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := startLoop(t, clock)

	fired := make(chan struct{})
	l.RunAfter(5*time.Second, func() { close(fired) })

	clock.BlockUntil(1)
	_, timers := l.Pending()
	assert.Equal(t, int64(1), timers)

	select {
	case <-fired:
		t.Fatal("timer fired before clock advanced")
	default:
	}

	clock.Advance(5 * time.Second)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	require.Eventually(t, l.Idle, time.Second, 5*time.Millisecond)
}

func TestLoopRecoversPanics(t *testing.T) {
	l := startLoop(t, nil)

	l.RunSoon(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))

	assert.True(t, ran)
	require.Error(t, l.Errors())
	assert.Contains(t, l.Errors().Error(), "boom")
}

func TestLoopDoAfterStop(t *testing.T) {
	l := New(nil)
	go func() { _ = l.Run(context.Background()) }()

	l.Stop()
	<-l.Done()

	err := l.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoopDoHonoursContext(t *testing.T) {
	l := New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopStopDropsQueuedTasks(t *testing.T) {
	l := New(nil)
	go func() { _ = l.Run(context.Background()) }()

	started := make(chan struct{})
	release := make(chan struct{})
	l.RunSoon(func() {
		close(started)
		<-release
	})
	<-started

	ran := false
	l.RunSoon(func() { ran = true })
	l.RunSoon(func() { ran = true })
	queued, _ := l.Pending()
	require.Equal(t, int64(3), queued)

	l.Stop()
	close(release)
	<-l.Done()

	assert.False(t, ran)
	assert.True(t, l.Idle())

	l.RunSoon(func() { ran = true })
	assert.True(t, l.Idle())
}
