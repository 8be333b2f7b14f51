package integration

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/node"
	"github.com/pacerhq/pacer/internal/core/ratelimit"
	"github.com/pacerhq/pacer/internal/core/rpc"
	"github.com/pacerhq/pacer/internal/observability"
	"github.com/pacerhq/pacer/internal/server"
	"github.com/pacerhq/pacer/internal/server/handlers"
)

// cleanupMetrics tears down global telemetry state so each test starts clean.
// This matters in sandboxes where lingering exporters can block future binds.
func cleanupMetrics(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		_ = observability.StopMetrics()
	})
}

// isPermissionError normalizes OS-specific permission errors (macOS/Linux/BSD)
// so we can gracefully skip when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// initMetricsOrSkip attempts to start the metrics exporter; if the environment
// forbids network binds we skip instead of failing the entire suite.
func initMetricsOrSkip(t *testing.T) {
	t.Helper()

	if err := observability.InitMetrics("test", 0, "test"); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}

	cleanupMetrics(t)
}

// newTestServerWith binds to IPv4 loopback explicitly and skips when the
// sandbox refuses to open sockets.
func newTestServerWith(t *testing.T, srv *server.Server) (*httptest.Server, *http.Client) {
	t.Helper()

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics server setup: %v", err)
		}
		require.NoError(t, err)
	}

	ts := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

// startNodeGateway serves a simulated node and a gateway pointed at it, the
// same pair `pacer serve --simulate` wires together.
func startNodeGateway(t *testing.T, cfg node.Config) (*httptest.Server, *http.Client, *node.Node) {
	t.Helper()

	n, err := node.New(cfg)
	require.NoError(t, err)
	upstream, _ := newTestServerWith(t, server.New("127.0.0.1", 0, server.WithNode(n)))

	lp := loop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = lp.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-lp.Done()
	})

	client, err := rpc.NewClient(upstream.URL+"/rpc", lp, rpc.Options{
		Limiter: []ratelimit.Option{ratelimit.WithoutFallbackWindow()},
	})
	require.NoError(t, err)

	ts, httpClient := newTestServerWith(t, server.New("127.0.0.1", 0, server.WithGateway(client)))
	return ts, httpClient, n
}

// setupTelemetry installs loggers, the exporter and a health manager.
func setupTelemetry(t *testing.T) {
	t.Helper()
	require.NoError(t, observability.InitCLILogger("test", false))
	require.NoError(t, observability.InitServerLogger("test", "info"))
	initMetricsOrSkip(t)
	handlers.InitHealthManager("test")
}

func scrape(t *testing.T, client *http.Client, baseURL string) (string, string) {
	t.Helper()
	resp, err := client.Get(baseURL + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return string(body), resp.Header.Get("Content-Type")
}

func TestGatewayLoadIsCounted(t *testing.T) {
	setupTelemetry(t)
	ts, client, n := startNodeGateway(t, node.Config{Mode: node.ModePolli, Limit: 1000, Window: time.Minute})

	const numRequests = 48
	const numWorkers = 8

	work := make(chan int, numRequests)
	for i := 0; i < numRequests; i++ {
		work <- i
	}
	close(work)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				var (
					resp *http.Response
					err  error
				)
				switch i % 4 {
				case 0, 1:
					resp, err = client.Post(ts.URL+"/v1/call", "application/json", strings.NewReader(`{"method":"ping"}`))
				case 2:
					// rejected by the gateway before it reaches the limiter
					resp, err = client.Post(ts.URL+"/v1/call", "application/json", strings.NewReader(`{"method":""}`))
				default:
					resp, err = client.Get(ts.URL + "/health")
				}
				if err == nil {
					_ = resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Equal(t, int64(numRequests/2), n.Stats().Served)
	assert.Less(t, elapsed, 5*time.Second)

	body, _ := scrape(t, client, ts.URL)
	assert.Contains(t, body, "test_http_requests_total")
	assert.Contains(t, body, "test_rpc_calls_total")
	assert.Contains(t, body, "test_node_requests_total")
	assert.Contains(t, body, "test_errors_total", "invalid calls are counted as errors")
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	setupTelemetry(t)
	ts, client := newTestServerWith(t, server.New("127.0.0.1", 0))

	for _, path := range []string{"/health", "/version", "/missing"} {
		resp, err := client.Get(ts.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	body, contentType := scrape(t, client, ts.URL)
	assert.True(t, strings.HasPrefix(contentType, "text/plain; version=0.0.4"),
		"expected Prometheus content type, got %s", contentType)

	samples := 0
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		require.GreaterOrEqual(t, len(fields), 2, "malformed sample %q", line)
		_, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			// a trailing timestamp follows the value
			_, err = strconv.ParseFloat(fields[len(fields)-2], 64)
		}
		require.NoError(t, err, "sample %q has no numeric value", line)
		samples++
	}
	assert.Positive(t, samples)
	assert.Contains(t, body, `status="404"`)
}

func TestMetricsEndpointWithTelemetryDisabled(t *testing.T) {
	require.NoError(t, observability.InitCLILogger("test", false))
	require.NoError(t, observability.InitServerLogger("test", "info"))

	originalExporter := observability.PrometheusExporter
	originalTelemetry := observability.TelemetrySystem
	observability.PrometheusExporter = nil
	observability.TelemetrySystem = nil
	t.Cleanup(func() {
		observability.PrometheusExporter = originalExporter
		observability.TelemetrySystem = originalTelemetry
	})
	t.Setenv("PACER_METRICS_ENABLED", "false")
	handlers.InitHealthManager("test")

	ts, client := newTestServerWith(t, server.New("127.0.0.1", 0))

	resp, err := client.Get(ts.URL + "/version")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode, "requests still succeed without telemetry")

	resp, err = client.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
