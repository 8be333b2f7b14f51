package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pacerhq/pacer/internal/core"
)

// BurstRun is one stored burst report.
type BurstRun struct {
	ID     int64
	Report core.BurstReport
}

// SaveBurstReport appends a burst report to the history.
func (s *Store) SaveBurstReport(ctx context.Context, report *core.BurstReport) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}
	if report == nil {
		return 0, errors.New("burst report is required")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return 0, fmt.Errorf("encode burst report: %w", err)
	}

	startedAt := report.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO burst_runs (endpoint, method, total, succeeded, failed, peak_per_second, duration_ms, report_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.Endpoint,
		report.Method,
		report.Total,
		report.Succeeded,
		report.Failed,
		report.PeakPerSecond,
		report.Duration.Milliseconds(),
		string(payload),
		startedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store burst report: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store burst report: %w", err)
	}
	return id, nil
}

// ListBurstReports returns the most recent reports first. An empty endpoint
// matches every endpoint.
func (s *Store) ListBurstReports(ctx context.Context, endpoint string, limit int) ([]BurstRun, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT id, report_json FROM burst_runs`
	args := []any{}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		query += ` WHERE endpoint = ?`
		args = append(args, endpoint)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list burst reports: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	runs := []BurstRun{}
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan burst reports: %w", err)
		}
		var report core.BurstReport
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return nil, fmt.Errorf("decode burst report %d: %w", id, err)
		}
		runs = append(runs, BurstRun{ID: id, Report: report})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list burst reports: %w", err)
	}
	return runs, nil
}
