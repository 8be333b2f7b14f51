package core

import "time"

// RateLimitState is the persisted snapshot of one endpoint's limiter.
type RateLimitState struct {
	Endpoint    string     `json:"endpoint"`
	Probed      bool       `json:"probed"`
	UseFallback bool       `json:"use_fallback"`
	Behind      int        `json:"behind"`
	Remaining   *int       `json:"remaining,omitempty"`
	Limit       *int       `json:"limit,omitempty"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
	RetryActive bool       `json:"retry_active"`
	Spare       int        `json:"spare"`
	Dispatched  int64      `json:"dispatched"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Mode names the limiter's operating mode for display.
func (s *RateLimitState) Mode() string {
	switch {
	case s == nil || !s.Probed:
		return "unprobed"
	case s.UseFallback:
		return "fallback"
	default:
		return "headers"
	}
}

// BurstReport summarizes a burst of throttled calls.
type BurstReport struct {
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Total         int             `json:"total"`
	Succeeded     int             `json:"succeeded"`
	Failed        int             `json:"failed"`
	Abandoned     int             `json:"abandoned"`
	StatusCounts  map[int]int     `json:"status_counts"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
	Duration      time.Duration   `json:"duration"`
	PeakPerSecond int             `json:"peak_per_second"`
	AverageRate   float64         `json:"average_rate"`
	Limiter       *RateLimitState `json:"limiter,omitempty"`
}
