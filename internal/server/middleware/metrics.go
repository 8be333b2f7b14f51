package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/observability"
)

// HTTP metric names.
const (
	HTTPRequestsTotal     = "http_requests_total"
	HTTPRequestDuration   = "http_request_duration_ms"
	HTTPRequestSizeBytes  = "http_request_size_bytes"
	HTTPResponseSizeBytes = "http_response_size_bytes"
	HTTPErrorsTotal       = "http_errors_total"
)

// knownRoutes maps fixed paths to their metric label when chi has no route
// pattern, as happens for 404s and handlers called outside the router.
var knownRoutes = map[string]string{
	"/health":         "/health/*",
	"/health/live":    "/health/*",
	"/health/ready":   "/health/*",
	"/health/startup": "/health/*",
	"/version":        "/version",
	"/metrics":        "/metrics",
	"/rpc":            "/rpc",
	"/v1/call":        "/v1/call",
	"/v1/limiter":     "/v1/limiter",
	"/v1/node/stats":  "/v1/node/stats",
	"/":               "/",
}

// getEndpointPattern returns a low-cardinality label for the request path.
func getEndpointPattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if pattern, ok := knownRoutes[r.URL.Path]; ok {
		return pattern
	}
	return "/unknown"
}

// routeClass groups endpoints for the request log: probes and scrapes log at
// debug so they do not drown out gateway traffic.
func routeClass(endpoint string) string {
	switch {
	case endpoint == "/rpc" || strings.HasPrefix(endpoint, "/v1/node"):
		return "node"
	case strings.HasPrefix(endpoint, "/v1/"):
		return "gateway"
	case endpoint == "/metrics" || strings.HasPrefix(endpoint, "/health"):
		return "probe"
	default:
		return "api"
	}
}

// RequestMetrics emits request counters, latency and size metrics, and logs
// each completed request with its correlation id.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.TelemetrySystem == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := getEndpointPattern(r)
		requestSize := r.ContentLength
		if requestSize < 0 {
			requestSize = 0
		}

		labels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
			"status":   strconv.Itoa(status),
		}
		sizeLabels := map[string]string{
			"method":   r.Method,
			"endpoint": endpoint,
		}

		ts := observability.TelemetrySystem
		_ = ts.Counter(HTTPRequestsTotal, 1, labels)
		_ = ts.Histogram(HTTPRequestDuration, duration, labels)
		_ = ts.Gauge(HTTPRequestSizeBytes, float64(requestSize), sizeLabels)
		_ = ts.Gauge(HTTPResponseSizeBytes, float64(ww.BytesWritten()), sizeLabels)

		if status >= http.StatusBadRequest {
			errorType := "client_error"
			if status >= http.StatusInternalServerError {
				errorType = "server_error"
			}
			_ = ts.Counter(HTTPErrorsTotal, 1, map[string]string{
				"method":     r.Method,
				"endpoint":   endpoint,
				"status":     strconv.Itoa(status),
				"error_type": errorType,
			})
		}

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		class := routeClass(endpoint)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", endpoint),
			zap.String("class", class),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Int64("request_size", requestSize),
			zap.Int("response_size", ww.BytesWritten()),
			zap.String("request_id", GetRequestID(r.Context())),
		}
		if class == "probe" {
			logger.Debug("HTTP request completed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
