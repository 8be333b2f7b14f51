package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pacerhq/pacer/internal/core"
	"github.com/pacerhq/pacer/internal/core/ratelimit"
)

// RateLimitStore stores limiter snapshots per endpoint.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error
}

// Recorder persists limiter snapshots. Stored state is informational; a new
// limiter always probes the node again.
type Recorder struct {
	Store RateLimitStore
	Clock func() time.Time
}

// Record saves the snapshot for endpoint.
func (r *Recorder) Record(ctx context.Context, endpoint string, state ratelimit.State) (*core.RateLimitState, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	return r.Save(ctx, StateFromLimiter(endpoint, state, r.now()))
}

// Save stores an already converted snapshot. Dispatched accumulates across
// limiter lifetimes; every other field is replaced.
func (r *Recorder) Save(ctx context.Context, snapshot *core.RateLimitState) (*core.RateLimitState, error) {
	if snapshot == nil || strings.TrimSpace(snapshot.Endpoint) == "" {
		return nil, errors.New("snapshot with endpoint is required")
	}
	if r == nil || r.Store == nil {
		return snapshot, nil
	}

	saved := *snapshot
	prev, err := r.Store.GetRateLimit(ctx, saved.Endpoint)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		saved.Dispatched += prev.Dispatched
	}

	if err := r.Store.UpdateRateLimit(ctx, saved.Endpoint, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// Load returns the last snapshot for endpoint, or nil.
func (r *Recorder) Load(ctx context.Context, endpoint string) (*core.RateLimitState, error) {
	if r == nil || r.Store == nil {
		return nil, nil
	}
	return r.Store.GetRateLimit(ctx, strings.TrimSpace(endpoint))
}

// StateFromLimiter converts a limiter snapshot into its stored form.
func StateFromLimiter(endpoint string, s ratelimit.State, now time.Time) *core.RateLimitState {
	state := &core.RateLimitState{
		Endpoint:    endpoint,
		Probed:      s.Probed,
		UseFallback: s.UseFallback,
		Behind:      s.Behind,
		RetryActive: s.RetryActive,
		Spare:       s.Spare,
		Dispatched:  int64(s.Dispatched),
		UpdatedAt:   now,
	}
	if s.Remaining != nil {
		v := *s.Remaining
		state.Remaining = &v
	}
	if s.Limit != nil {
		v := *s.Limit
		state.Limit = &v
	}
	if s.Reset != nil {
		v := s.Reset.UTC()
		state.ResetAt = &v
	}
	return state
}

func (r *Recorder) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
