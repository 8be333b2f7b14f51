package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pacerhq/pacer/internal/core"
)

const rateLimitColumns = `endpoint, probed, use_fallback, behind, remaining, quota_limit,
		reset_at, retry_active, spare, dispatched, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// GetRateLimit returns the stored limiter snapshot for an endpoint.
func (s *Store) GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitState, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT `+rateLimitColumns+`
		FROM rate_limits
		WHERE endpoint = ?
	`, endpoint)

	state, err := scanRateLimit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}
	return state, nil
}

// UpdateRateLimit persists a limiter snapshot for an endpoint.
func (s *Store) UpdateRateLimit(ctx context.Context, endpoint string, state *core.RateLimitState) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	if state == nil {
		return errors.New("rate limit state is required")
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (`+rateLimitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			probed = excluded.probed,
			use_fallback = excluded.use_fallback,
			behind = excluded.behind,
			remaining = excluded.remaining,
			quota_limit = excluded.quota_limit,
			reset_at = excluded.reset_at,
			retry_active = excluded.retry_active,
			spare = excluded.spare,
			dispatched = excluded.dispatched,
			updated_at = excluded.updated_at
	`,
		endpoint,
		boolInt(state.Probed),
		boolInt(state.UseFallback),
		state.Behind,
		nullInt(state.Remaining),
		nullInt(state.Limit),
		nullMillis(state.ResetAt),
		boolInt(state.RetryActive),
		state.Spare,
		state.Dispatched,
		updatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return nil
}

func scanRateLimit(row rowScanner) (*core.RateLimitState, error) {
	var (
		endpoint    string
		probed      int
		useFallback int
		behind      int
		remaining   sql.NullInt64
		limit       sql.NullInt64
		resetAt     sql.NullInt64
		retryActive int
		spare       int
		dispatched  int64
		updatedAt   int64
	)
	if err := row.Scan(&endpoint, &probed, &useFallback, &behind, &remaining, &limit,
		&resetAt, &retryActive, &spare, &dispatched, &updatedAt); err != nil {
		return nil, err
	}

	state := &core.RateLimitState{
		Endpoint:    endpoint,
		Probed:      probed != 0,
		UseFallback: useFallback != 0,
		Behind:      behind,
		RetryActive: retryActive != 0,
		Spare:       spare,
		Dispatched:  dispatched,
		UpdatedAt:   time.UnixMilli(updatedAt).UTC(),
	}
	if remaining.Valid {
		value := int(remaining.Int64)
		state.Remaining = &value
	}
	if limit.Valid {
		value := int(limit.Int64)
		state.Limit = &value
	}
	if resetAt.Valid {
		value := time.UnixMilli(resetAt.Int64).UTC()
		state.ResetAt = &value
	}
	return state, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullMillis(v *time.Time) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v.UTC().UnixMilli(), Valid: true}
}
