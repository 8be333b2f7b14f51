package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/pacerhq/pacer/internal/metrics"
)

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// DegradedError marks a check that still works but should not be relied on,
// such as a gateway whose node asked it to back off.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return "degraded: " + e.Reason
}

type probe struct {
	name    string
	timeout time.Duration
	failure string
}

var (
	probeAggregate = probe{name: "aggregate", timeout: 5 * time.Second, failure: "aggregate health check failed"}
	probeLive      = probe{name: "live", timeout: 2 * time.Second, failure: "liveness probe failed"}
	probeReady     = probe{name: "ready", timeout: 5 * time.Second, failure: "readiness probe failed"}
	probeStartup   = probe{name: "startup", timeout: 3 * time.Second, failure: "startup probe failed"}
)

// HealthManager manages health checks and probe states
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		version:  version,
	}
}

// RegisterChecker registers a health checker under name, replacing any
// previous checker with the same name.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// runHealthChecks runs every checker concurrently. A checker still running
// when ctx expires is reported as timed out.
func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(checkers))
		wg     sync.WaitGroup
	)
	for name := range checkers {
		checks[name] = StatusTimeout
	}

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			started := time.Now()
			status := checkStatus(checker.CheckHealth(ctx))
			metrics.RecordHealthCheck(name, status != StatusUnhealthy, time.Since(started))

			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() == nil {
				checks[name] = status
			}
		}(name, checker)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	result := make(map[string]string, len(checks))
	for name, status := range checks {
		result[name] = status
	}
	return result
}

func checkStatus(err error) string {
	var degraded *DegradedError
	switch {
	case err == nil:
		return StatusHealthy
	case errors.As(err, &degraded):
		return StatusDegraded
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusUnhealthy
	}
}

// determineOverallStatus determines overall health status
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := StatusHealthy
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusTimeout:
			overall = StatusDegraded
		}
	}
	return overall
}

func (hm *HealthManager) serveProbe(w http.ResponseWriter, r *http.Request, p probe) {
	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := hm.determineOverallStatus(checks)

	if status == StatusUnhealthy {
		envelope := gferrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", p.failure)
		respondWithError(w, r, enrichHealthEnvelope(envelope, p.name, status, checks))
		return
	}

	if p == probeAggregate {
		metrics.SetServerUptime(int64(time.Since(startedAt) / time.Second))
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    status,
			Version:   hm.version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Checks:    checks,
		})
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, probeAggregate)
}

// LivenessHandler reports whether the process is running.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, probeLive)
}

// ReadinessHandler reports whether the server can take traffic.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, probeReady)
}

// StartupHandler reports whether initialization has completed.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, probeStartup)
}

func enrichHealthEnvelope(envelope *gferrors.ErrorEnvelope, probe, status string, checks map[string]string) *gferrors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{"status": status, "probe": probe}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{"status": status, "probe": probe}
	var failing []string
	for name, result := range checks {
		if result != StatusHealthy {
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		contextData["unhealthy_checks"] = failing
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

var globalHealthManager *HealthManager

// InitHealthManager initializes the global health manager
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global health manager
func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func globalProbe(p probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := globalHealthManager; hm != nil {
			hm.serveProbe(w, r, p)
			return
		}
		envelope := gferrors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
		respondWithError(w, r, enrichHealthEnvelope(envelope, p.name, "unknown", nil))
	}
}

// Probe handlers backed by the global manager.
var (
	HealthHandler    = globalProbe(probeAggregate)
	LivenessHandler  = globalProbe(probeLive)
	ReadinessHandler = globalProbe(probeReady)
	StartupHandler   = globalProbe(probeStartup)
)
