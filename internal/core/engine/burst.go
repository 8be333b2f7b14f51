package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pacerhq/pacer/internal/core"
	"github.com/pacerhq/pacer/internal/core/rpc"
)

// Burst fires Count calls through one client as fast as its limiter allows.
type Burst struct {
	Client *rpc.Client
	Count  int
	Method string
	Params any
	// SkipProbe sends every call at once. An unprobed limiter lets all of
	// them through, so by default one call completes before the rest start.
	SkipProbe bool
	Clock     clockwork.Clock
	// Progress, when set, is called after each completion.
	Progress func(completed, total int)
}

type burstTally struct {
	mu         sync.Mutex
	report     *core.BurstReport
	dispatched map[int64]int
	completed  int
}

func (t *burstTally) add(ctx context.Context, resp *rpc.Response, err error) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed++
	switch {
	case err == nil:
		t.report.Succeeded++
	case resp == nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		t.report.Abandoned++
	default:
		t.report.Failed++
	}

	status := 0
	if resp != nil {
		status = resp.Status
		t.dispatched[resp.DispatchedAt.Unix()]++
	}
	t.report.StatusCounts[status]++
	return t.completed
}

// Run executes the burst and waits for every call to finish.
func (b *Burst) Run(ctx context.Context) (*core.BurstReport, error) {
	if b == nil || b.Client == nil {
		return nil, errors.New("burst requires a client")
	}
	if b.Count <= 0 {
		return nil, fmt.Errorf("burst count must be positive, got %d", b.Count)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(b.Method)
	if method == "" {
		method = "ping"
	}

	clock := b.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	tally := &burstTally{
		report: &core.BurstReport{
			Endpoint:     b.Client.Endpoint(),
			Method:       method,
			Total:        b.Count,
			StatusCounts: make(map[int]int),
			StartedAt:    clock.Now().UTC(),
		},
		dispatched: make(map[int64]int),
	}

	remaining := b.Count
	if !b.SkipProbe {
		resp, err := b.Client.Call(ctx, method, b.Params)
		b.progress(tally.add(ctx, resp, err))
		remaining--
	}

	var wg sync.WaitGroup
	for i := 0; i < remaining; i++ {
		wg.Add(1)
		err := b.Client.Go(ctx, method, b.Params, func(resp *rpc.Response, err error) {
			defer wg.Done()
			b.progress(tally.add(ctx, resp, err))
		})
		if err != nil {
			wg.Done()
			return nil, err
		}
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	var runErr error
	select {
	case <-finished:
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	tally.mu.Lock()
	report := *tally.report
	report.StatusCounts = make(map[int]int, len(tally.report.StatusCounts))
	for status, n := range tally.report.StatusCounts {
		report.StatusCounts[status] = n
	}
	for _, n := range tally.dispatched {
		if n > report.PeakPerSecond {
			report.PeakPerSecond = n
		}
	}
	completed := tally.completed
	tally.mu.Unlock()

	report.FinishedAt = clock.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	if secs := report.Duration.Seconds(); secs > 0 {
		report.AverageRate = float64(completed) / secs
	}

	snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if state, err := b.Client.Snapshot(snapCtx); err == nil {
		report.Limiter = StateFromLimiter(report.Endpoint, state, report.FinishedAt)
	}

	return &report, runErr
}

func (b *Burst) progress(completed int) {
	if b.Progress != nil {
		b.Progress(completed, b.Count)
	}
}
