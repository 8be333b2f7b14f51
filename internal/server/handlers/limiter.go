package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pacerhq/pacer/internal/core"
	"github.com/pacerhq/pacer/internal/core/engine"
	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/rpc"
	apperrors "github.com/pacerhq/pacer/internal/errors"
	"github.com/pacerhq/pacer/internal/metrics"
)

const maxCallBody = 1 << 20

// CallRequest is the body of POST /v1/call.
type CallRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CallResponse is returned for a call the node answered.
type CallResponse struct {
	ID           string          `json:"id"`
	Status       int             `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *rpc.Error      `json:"error,omitempty"`
	DispatchedAt time.Time       `json:"dispatched_at"`
	LatencyMS    int64           `json:"latency_ms"`
}

// Gateway forwards calls through one rate limited client.
type Gateway struct {
	Client *rpc.Client
}

// CallHandler forwards one JSON-RPC call and waits for the answer.
func (g *Gateway) CallHandler(w http.ResponseWriter, r *http.Request) {
	if g == nil || g.Client == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("gateway is not configured"))
		return
	}

	var req CallRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCallBody))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body must be JSON"))
		return
	}
	req.Method = strings.TrimSpace(req.Method)
	if req.Method == "" {
		respondWithError(w, r, apperrors.NewValidationError("method is required"))
		return
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}

	started := time.Now()
	resp, err := g.Client.Call(r.Context(), req.Method, params)
	status := 0
	if resp != nil {
		status = resp.Status
	}
	metrics.RecordRPCCall(req.Method, status, time.Since(started))

	var rpcErr *rpc.Error
	if err != nil && !(errors.As(err, &rpcErr) && resp != nil) {
		respondWithError(w, r, apperrors.FromCallError(r.Context(), err))
		return
	}

	writeJSON(w, http.StatusOK, CallResponse{
		ID:           resp.ID,
		Status:       resp.Status,
		Result:       resp.Result,
		Error:        resp.Error,
		DispatchedAt: resp.DispatchedAt,
		LatencyMS:    resp.Latency.Milliseconds(),
	})
}

// LimiterResponse reports the gateway limiter.
type LimiterResponse struct {
	Endpoint string               `json:"endpoint"`
	InFlight int64                `json:"in_flight"`
	State    *core.RateLimitState `json:"state"`
}

// StateHandler reports the gateway limiter's current state.
func (g *Gateway) StateHandler(w http.ResponseWriter, r *http.Request) {
	if g == nil || g.Client == nil {
		respondWithError(w, r, apperrors.NewNotFoundError("gateway is not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	state, err := g.Client.Snapshot(ctx)
	if err != nil {
		respondWithError(w, r, apperrors.FromCallError(r.Context(), err))
		return
	}

	writeJSON(w, http.StatusOK, LimiterResponse{
		Endpoint: g.Client.Endpoint(),
		InFlight: g.Client.InFlight(),
		State:    engine.StateFromLimiter(g.Client.Endpoint(), state, time.Now().UTC()),
	})
}

// LoopChecker reports unhealthy once the scheduling loop has stopped.
type LoopChecker struct {
	Loop *loop.Loop
}

// CheckHealth implements HealthChecker.
func (c LoopChecker) CheckHealth(ctx context.Context) error {
	if c.Loop == nil {
		return errors.New("loop is not configured")
	}
	select {
	case <-c.Loop.Done():
		return loop.ErrStopped
	default:
	}
	return c.Loop.Do(ctx, func() {})
}

// GatewayChecker reports degraded while the node has asked the gateway to
// wait with Retry-After.
type GatewayChecker struct {
	Client *rpc.Client
}

// CheckHealth implements HealthChecker.
func (c GatewayChecker) CheckHealth(ctx context.Context) error {
	if c.Client == nil {
		return errors.New("gateway is not configured")
	}
	state, err := c.Client.Snapshot(ctx)
	if err != nil {
		return err
	}
	if state.RetryActive {
		return &DegradedError{Reason: "node requested retry-after"}
	}
	return nil
}
