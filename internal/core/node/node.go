// Package node implements a quota-enforcing JSON-RPC node for local runs,
// demos and benchmarks.
package node

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/pacerhq/pacer/internal/core/ratelimit"
	"github.com/pacerhq/pacer/internal/core/rpc"
)

// Mode selects how the node advertises and enforces its quota.
type Mode string

const (
	// ModePolli sends RateLimit-* headers and Retry-After when exhausted.
	ModePolli Mode = "polli"
	// ModeRetryAfter only sends Retry-After on rejection.
	ModeRetryAfter Mode = "retry-after"
	// ModeSilent enforces a quota but never describes it.
	ModeSilent Mode = "silent"
	// ModeOpen never limits.
	ModeOpen Mode = "open"
	// ModeBucket enforces a token bucket and advertises it with RateLimit-* headers.
	ModeBucket Mode = "bucket"
)

// Modes lists every supported mode.
var Modes = []Mode{ModePolli, ModeRetryAfter, ModeSilent, ModeOpen, ModeBucket}

// ParseMode validates a mode name.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	if mode == "" {
		return ModePolli, nil
	}
	for _, m := range Modes {
		if m == mode {
			return mode, nil
		}
	}
	return "", fmt.Errorf("unknown node mode %q", value)
}

// Config describes a simulated node.
type Config struct {
	Mode        Mode
	Limit       int
	Window      time.Duration
	FailureRate float64
	Seed        uint64
	Clock       clockwork.Clock
}

// Stats counts served requests by outcome.
type Stats struct {
	Served  int64 `json:"served"`
	Limited int64 `json:"limited"`
	Failed  int64 `json:"failed"`
}

// Node is an http.Handler answering JSON-RPC calls under a quota.
type Node struct {
	mode        Mode
	limit       int
	window      time.Duration
	failureRate float64
	clock       clockwork.Clock

	mu        sync.Mutex
	rng       *rand.Rand
	windowEnd time.Time
	count     int
	bucket    *rate.Limiter

	served  atomic.Int64
	limited atomic.Int64
	failed  atomic.Int64
}

// New validates cfg and builds a node.
func New(cfg Config) (*Node, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	if mode != ModeOpen {
		if cfg.Limit <= 0 {
			return nil, fmt.Errorf("node limit must be positive, got %d", cfg.Limit)
		}
		if cfg.Window <= 0 {
			return nil, fmt.Errorf("node window must be positive, got %s", cfg.Window)
		}
	}
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("failure rate must be within [0,1], got %g", cfg.FailureRate)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(clock.Now().UnixNano())
	}

	n := &Node{
		mode:        mode,
		limit:       cfg.Limit,
		window:      cfg.Window,
		failureRate: cfg.FailureRate,
		clock:       clock,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	if mode == ModeBucket {
		every := rate.Limit(float64(cfg.Limit) / cfg.Window.Seconds())
		n.bucket = rate.NewLimiter(every, cfg.Limit)
	}
	return n, nil
}

// Mode returns the node's mode.
func (n *Node) Mode() Mode {
	return n.mode
}

// Stats returns the outcome counters.
func (n *Node) Stats() Stats {
	return Stats{
		Served:  n.served.Load(),
		Limited: n.limited.Load(),
		Failed:  n.failed.Load(),
	}
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpc.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, rpc.Envelope{
			JSONRPC: rpc.Version,
			Error:   &rpc.Error{Code: rpc.CodeParseError, Message: "parse error"},
		})
		return
	}

	if n.fail() {
		n.failed.Inc()
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}

	if !n.admit(w.Header()) {
		n.limited.Inc()
		http.Error(w, "quota exhausted", http.StatusTooManyRequests)
		return
	}

	n.served.Inc()
	writeEnvelope(w, http.StatusOK, n.handle(req))
}

func (n *Node) fail() bool {
	if n.failureRate <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64() < n.failureRate
}

// admit counts the request against the quota and writes quota headers.
func (n *Node) admit(h http.Header) bool {
	switch n.mode {
	case ModeOpen:
		return true
	case ModeBucket:
		return n.admitBucket(h)
	}

	n.mu.Lock()
	now := n.clock.Now()
	if !now.Before(n.windowEnd) {
		n.windowEnd = now.Truncate(n.window).Add(n.window)
		n.count = 0
	}
	n.count++
	count, windowEnd := n.count, n.windowEnd
	n.mu.Unlock()

	allowed := count <= n.limit
	left := strconv.Itoa(ceilSeconds(windowEnd.Sub(now)))

	switch n.mode {
	case ModePolli:
		h.Set(ratelimit.HeaderLimit, n.limitValue())
		h.Set(ratelimit.HeaderRemaining, strconv.Itoa(max(n.limit-count, 0)))
		h.Set(ratelimit.HeaderReset, left)
		if !allowed {
			h.Set(ratelimit.HeaderRetryAfter, left)
		}
	case ModeRetryAfter:
		if !allowed {
			h.Set(ratelimit.HeaderRetryAfter, left)
		}
	}
	return allowed
}

func (n *Node) admitBucket(h http.Header) bool {
	now := n.clock.Now()
	allowed := n.bucket.AllowN(now, 1)
	tokens := n.bucket.TokensAt(now)

	perToken := time.Duration(float64(time.Second) / float64(n.bucket.Limit()))
	refill := time.Duration(0)
	if tokens < 1 {
		refill = time.Duration((1 - tokens) * float64(perToken))
	}

	h.Set(ratelimit.HeaderLimit, n.limitValue())
	h.Set(ratelimit.HeaderRemaining, strconv.Itoa(int(math.Max(0, math.Floor(tokens)))))
	h.Set(ratelimit.HeaderReset, strconv.Itoa(ceilSeconds(refill)))
	if !allowed {
		h.Set(ratelimit.HeaderRetryAfter, strconv.Itoa(max(ceilSeconds(refill), 1)))
	}
	return allowed
}

func (n *Node) limitValue() string {
	secs := strconv.FormatFloat(n.window.Seconds(), 'f', -1, 64)
	return fmt.Sprintf("%d, %d;window=%s", n.limit, n.limit, secs)
}

func (n *Node) handle(req rpc.Request) rpc.Envelope {
	env := rpc.Envelope{JSONRPC: rpc.Version, ID: req.ID}
	if req.JSONRPC != rpc.Version || strings.TrimSpace(req.Method) == "" {
		env.Error = &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "invalid request"}
		return env
	}

	var result any
	switch req.Method {
	case "ping":
		result = "pong"
	case "echo":
		if len(req.Params) == 0 {
			result = nil
		} else {
			result = req.Params
		}
	case "time":
		result = n.clock.Now().UTC().Format(time.RFC3339Nano)
	case "stats":
		result = n.Stats()
	default:
		env.Error = &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found: " + req.Method}
		return env
	}

	raw, err := json.Marshal(result)
	if err != nil {
		env.Error = &rpc.Error{Code: rpc.CodeInternalError, Message: err.Error()}
		return env
	}
	env.Result = raw
	return env
}

func writeEnvelope(w http.ResponseWriter, status int, env rpc.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
