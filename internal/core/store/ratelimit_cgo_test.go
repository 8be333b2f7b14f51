//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: "file:" + t.TempDir() + "/pacer.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestRateLimitRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	missing, err := store.GetRateLimit(ctx, "node.example")
	require.NoError(t, err)
	require.Nil(t, missing)

	remaining := 3
	limit := 5
	reset := time.Date(2025, 1, 1, 0, 0, 1, 500_000_000, time.UTC)
	updated := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateRateLimit(ctx, "node.example", &core.RateLimitState{
		Probed:      true,
		UseFallback: true,
		Behind:      2,
		Remaining:   &remaining,
		Limit:       &limit,
		ResetAt:     &reset,
		Spare:       1,
		Dispatched:  42,
		UpdatedAt:   updated,
	}))

	got, err := store.GetRateLimit(ctx, "node.example")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "node.example", got.Endpoint)
	require.True(t, got.Probed)
	require.True(t, got.UseFallback)
	require.Equal(t, 2, got.Behind)
	require.Equal(t, 3, *got.Remaining)
	require.Equal(t, 5, *got.Limit)
	require.True(t, reset.Equal(*got.ResetAt))
	require.Equal(t, int64(42), got.Dispatched)
	require.True(t, updated.Equal(got.UpdatedAt))

	require.NoError(t, store.UpdateRateLimit(ctx, "node.example", &core.RateLimitState{Probed: true, UpdatedAt: updated}))
	got, err = store.GetRateLimit(ctx, "node.example")
	require.NoError(t, err)
	require.Nil(t, got.Remaining)
	require.Nil(t, got.ResetAt)
	require.False(t, got.UseFallback)
}

func TestRateLimitAdminQueries(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, endpoint := range []string{"a.node.example", "a.node.example:8545", "b.node.example"} {
		require.NoError(t, store.UpdateRateLimit(ctx, endpoint, &core.RateLimitState{Probed: true}))
	}

	_, err := store.ListRateLimits(ctx, RateLimitQuery{})
	require.Error(t, err)

	entries, err := store.ListRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a.node.example", entries[0].Endpoint)

	count, err := store.CountRateLimits(ctx, RateLimitQuery{Prefix: "a."})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	deleted, err := store.ResetRateLimits(ctx, RateLimitQuery{Endpoint: "b.node.example"})
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	count, err = store.CountRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestBurstReportHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.SaveBurstReport(ctx, &core.BurstReport{
			Endpoint:     "node.example",
			Method:       "ping",
			Total:        10 * (i + 1),
			Succeeded:    10 * (i + 1),
			StatusCounts: map[int]int{200: 10 * (i + 1)},
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			Duration:     time.Duration(i+1) * time.Second,
		})
		require.NoError(t, err)
	}
	_, err := store.SaveBurstReport(ctx, &core.BurstReport{Endpoint: "other.example", Method: "ping", StartedAt: base})
	require.NoError(t, err)

	runs, err := store.ListBurstReports(ctx, "node.example", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, 30, runs[0].Report.Total)
	require.Equal(t, 20, runs[1].Report.Total)
	require.Equal(t, 30, runs[0].Report.StatusCounts[200])

	all, err := store.ListBurstReports(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
}
