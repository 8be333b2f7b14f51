package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/node"
	"github.com/pacerhq/pacer/internal/core/ratelimit"
	"github.com/pacerhq/pacer/internal/core/rpc"
)

func newBurstClient(t *testing.T, cfg node.Config, opts ...ratelimit.Option) (*rpc.Client, *node.Node) {
	t.Helper()

	n, err := node.New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(n)
	t.Cleanup(srv.Close)

	lp := loop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = lp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-lp.Done()
	})

	client, err := rpc.NewClient(srv.URL, lp, rpc.Options{Limiter: opts})
	require.NoError(t, err)
	return client, n
}

func TestBurstOpenNode(t *testing.T) {
	client, n := newBurstClient(t, node.Config{Mode: node.ModeOpen}, ratelimit.WithoutFallbackWindow())

	var lastCompleted int
	report, err := (&Burst{
		Client:   client,
		Count:    40,
		Progress: func(completed, total int) { lastCompleted = completed },
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 40, report.Total)
	assert.Equal(t, 40, report.Succeeded)
	assert.Equal(t, 40, report.StatusCounts[http.StatusOK])
	assert.Equal(t, 40, lastCompleted)
	assert.Equal(t, int64(40), n.Stats().Served)

	require.NotNil(t, report.Limiter)
	assert.Equal(t, "fallback", report.Limiter.Mode())
	assert.Equal(t, int64(40), report.Limiter.Dispatched)
}

func TestBurstSilentNodeUsesFallbackWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on real quota windows")
	}

	client, n := newBurstClient(t,
		node.Config{Mode: node.ModeSilent, Limit: 10, Window: time.Second},
		ratelimit.WithFallbackWindow(time.Second, 5),
	)

	report, err := (&Burst{Client: client, Count: 12}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, report.Succeeded)
	assert.LessOrEqual(t, report.PeakPerSecond, 5)
	assert.GreaterOrEqual(t, report.Duration, time.Second)
	assert.Zero(t, n.Stats().Limited)
	assert.True(t, report.Limiter.UseFallback)
}

func TestBurstPolliNodeFollowsHeaders(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on real quota windows")
	}

	client, n := newBurstClient(t, node.Config{Mode: node.ModePolli, Limit: 8, Window: time.Second})

	report, err := (&Burst{Client: client, Count: 20}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, report.Succeeded+report.Failed)
	assert.Equal(t, report.Succeeded, int(n.Stats().Served))
	assert.Equal(t, "headers", report.Limiter.Mode())
	assert.GreaterOrEqual(t, report.Duration, time.Second)
}

func TestBurstValidates(t *testing.T) {
	_, err := (&Burst{Count: 1}).Run(context.Background())
	assert.Error(t, err)

	client, _ := newBurstClient(t, node.Config{Mode: node.ModeOpen})
	_, err = (&Burst{Client: client}).Run(context.Background())
	assert.Error(t, err)
}
