package metrics

import (
	"time"

	"github.com/pacerhq/pacer/internal/observability"
)

// Application metric names
const (
	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"
	ServerStartTime     = "app_server_start_time_seconds"
	ServerUptime        = "app_server_uptime_seconds"
	NodeRequestsTotal   = "node_requests_total"
)

func gauge(name string, value float64, tags map[string]string) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(name, value, tags)
	}
}

// RecordHealthCheck counts one checker run and its latency.
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	count(HealthCheckTotal, map[string]string{"check": checkName, "status": status})

	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration,
			map[string]string{"check": checkName})
	}
}

// SetServerStartTime records the server start as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}

// SetServerUptime records seconds since start.
func SetServerUptime(seconds int64) {
	gauge(ServerUptime, float64(seconds), nil)
}

// RecordNodeRequest counts a request answered by the simulated node.
// outcome is one of served, limited, failed.
func RecordNodeRequest(mode string, outcome string) {
	count(NodeRequestsTotal, map[string]string{"mode": mode, "outcome": outcome})
}
