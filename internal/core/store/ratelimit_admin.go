package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pacerhq/pacer/internal/core"
)

// RateLimitEntry is one stored limiter snapshot.
type RateLimitEntry struct {
	Endpoint string
	State    core.RateLimitState
}

// RateLimitQuery selects stored snapshots. The first set selector wins, in
// the order All, Endpoint, Prefix.
type RateLimitQuery struct {
	All      bool
	Endpoint string
	Prefix   string
}

var errNoSelector = errors.New("must specify --all, --endpoint, or --prefix")

// likeEscaper escapes LIKE wildcards; endpoint URLs routinely contain '_'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (q RateLimitQuery) Validate() error {
	_, _, err := q.whereClause()
	return err
}

func (q RateLimitQuery) whereClause() (string, []any, error) {
	if q.All {
		return "", nil, nil
	}
	if endpoint := strings.TrimSpace(q.Endpoint); endpoint != "" {
		return "WHERE endpoint = ?", []any{endpoint}, nil
	}
	if prefix := strings.TrimSpace(q.Prefix); prefix != "" {
		return `WHERE endpoint LIKE ? ESCAPE '\'`, []any{likeEscaper.Replace(prefix) + "%"}, nil
	}
	return "", nil, errNoSelector
}

// ListRateLimits returns stored snapshots matching q, ordered by endpoint.
func (s *Store) ListRateLimits(ctx context.Context, q RateLimitQuery) ([]RateLimitEntry, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+rateLimitColumns+" FROM rate_limits "+where+" ORDER BY endpoint", args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []RateLimitEntry{}
	for rows.Next() {
		state, err := scanRateLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate limits: %w", err)
		}
		entries = append(entries, RateLimitEntry{Endpoint: state.Endpoint, State: *state})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	return entries, nil
}

// CountRateLimits reports how many snapshots q selects.
func (s *Store) CountRateLimits(ctx context.Context, q RateLimitQuery) (int, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM rate_limits "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rate limits: %w", err)
	}
	return count, nil
}

// ResetRateLimits deletes the snapshots q selects so the next gateway start
// probes from scratch.
func (s *Store) ResetRateLimits(ctx context.Context, q RateLimitQuery) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, "DELETE FROM rate_limits "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return affected, nil
}
