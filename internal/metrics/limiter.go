package metrics

import (
	"strconv"
	"time"

	"github.com/pacerhq/pacer/internal/observability"
)

// Limiter metric names
const (
	LimiterDispatchTotal   = "limiter_dispatch_total"
	LimiterBehind          = "limiter_behind"
	LimiterDelayDuration   = "limiter_delay_ms"
	LimiterBackoffTotal    = "limiter_backoff_total"
	LimiterBackoffDuration = "limiter_backoff_ms"
	LimiterProbeTotal      = "limiter_probe_total"
	RPCCallsTotal          = "rpc_calls_total"
	RPCCallDuration        = "rpc_call_duration_ms"
)

// RecordDispatch counts a call released to the node and the resulting
// number of responses still outstanding.
func RecordDispatch(endpoint string, behind int) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{"endpoint": endpoint}
		_ = observability.TelemetrySystem.Counter(LimiterDispatchTotal, 1, tags)
		_ = observability.TelemetrySystem.Gauge(LimiterBehind, float64(behind), tags)
	}
}

// RecordDelay records how long the limiter parked queued calls.
func RecordDelay(endpoint string, wait time.Duration) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(
			LimiterDelayDuration,
			wait,
			map[string]string{"endpoint": endpoint},
		)
	}
}

// RecordBackoff records a randomized pause and what triggered it.
func RecordBackoff(endpoint string, reason string, pause time.Duration) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{
			"endpoint": endpoint,
			"reason":   reason,
		}
		_ = observability.TelemetrySystem.Counter(LimiterBackoffTotal, 1, tags)
		_ = observability.TelemetrySystem.Histogram(LimiterBackoffDuration, pause, tags)
	}
}

// RecordProbe records which quota source the first response selected.
func RecordProbe(endpoint string, useFallback bool) {
	source := "headers"
	if useFallback {
		source = "fallback"
	}
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Counter(
			LimiterProbeTotal,
			1,
			map[string]string{
				"endpoint": endpoint,
				"source":   source,
			},
		)
	}
}

// RecordRPCCall records a finished call by HTTP status. Status 0 means the
// call never got a response.
func RecordRPCCall(method string, status int, latency time.Duration) {
	if observability.TelemetrySystem != nil {
		tags := map[string]string{
			"method": method,
			"status": strconv.Itoa(status),
		}
		_ = observability.TelemetrySystem.Counter(RPCCallsTotal, 1, tags)
		_ = observability.TelemetrySystem.Histogram(RPCCallDuration, latency, tags)
	}
}
