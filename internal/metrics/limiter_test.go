package metrics

import (
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacerhq/pacer/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: collector,
	})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() {
		observability.TelemetrySystem = original
	})

	return collector
}

func TestLimiterMetrics(t *testing.T) {
	collector := setupTelemetry(t)

	RecordDispatch("node.example", 4)
	RecordDelay("node.example", 250*time.Millisecond)
	RecordBackoff("node.example", "server_error", 30*time.Second)
	RecordProbe("node.example", true)
	RecordRPCCall("ping", 200, 12*time.Millisecond)

	for _, name := range []string{
		LimiterDispatchTotal,
		LimiterBehind,
		LimiterDelayDuration,
		LimiterBackoffTotal,
		LimiterBackoffDuration,
		LimiterProbeTotal,
		RPCCallsTotal,
		RPCCallDuration,
	} {
		assert.Greater(t, collector.CountMetricsByName(name), 0, name)
	}
}

func TestLimiterMetricsWithTelemetryDisabled(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	defer func() { observability.TelemetrySystem = original }()

	assert.NotPanics(t, func() {
		RecordDispatch("node.example", 1)
		RecordBackoff("node.example", "overload", time.Second)
		RecordNodeRequest("polli", "served")
	})
}
