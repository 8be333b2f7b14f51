package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Quota header names (draft-polli-ratelimit-headers-00).
const (
	HeaderLimit      = "RateLimit-Limit"
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// maxResetDelay caps how far ahead a parsed reset may lie so later wait
// arithmetic cannot overflow a time.Duration.
const maxResetDelay = math.MaxInt32 * time.Second

// ParseLimit returns the leading quota of a RateLimit-Limit value such as
// "150, 150;window=15". The window annotation is returned when present.
func ParseLimit(value string) (int, time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, false
	}

	head := value
	if idx := strings.IndexAny(head, ",;"); idx >= 0 {
		head = head[:idx]
	}
	limit, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, 0, false
	}

	var window time.Duration
	for _, param := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' }) {
		key, raw, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "window") {
			continue
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err == nil && secs > 0 {
			window = time.Duration(secs * float64(time.Second))
			break
		}
	}

	return limit, window, true
}

// ParseRemaining parses a RateLimit-Remaining value.
func ParseRemaining(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseReset converts a RateLimit-Reset or Retry-After value into an absolute
// time. Plain non-negative integers are seconds relative to now; anything else
// must be an HTTP date. Results are clamped to maxResetDelay past now.
func ParseReset(value string, now time.Time) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	if isDigits(value) {
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		if limit := int64(maxResetDelay / time.Second); secs > limit {
			secs = limit
		}
		return now.Add(time.Duration(secs) * time.Second), true
	}

	parsed, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, false
	}
	if parsed.Sub(now) > maxResetDelay {
		parsed = now.Add(maxResetDelay)
	}
	return parsed, true
}

// IsServerError reports statuses that always trigger a randomized backoff.
func IsServerError(status int) bool {
	switch status {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsOverload reports statuses where the node rejected work for size or volume.
func IsOverload(status int) bool {
	return status == http.StatusRequestEntityTooLarge || status == http.StatusTooManyRequests
}

func hasHeader(h http.Header, key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[http.CanonicalHeaderKey(key)]
	return ok
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return value != ""
}
