// Package rpc sends JSON-RPC 2.0 calls to one node through an adaptive limiter.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/ratelimit"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
	maxBody        = 16 << 20
)

// Done receives the outcome of a call. It runs on the loop goroutine and must
// not block.
type Done func(*Response, error)

// Options configure a Client.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Limiter    []ratelimit.Option
	Header     http.Header
}

// Client owns one limiter for one node URL.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	loop     *loop.Loop
	limiter  *ratelimit.Limiter[*call]
	header   http.Header

	inflight atomic.Int64
}

type call struct {
	ctx    context.Context
	req    Request
	done   Done
	queued time.Time
}

// NewClient builds a client for endpoint. All limiter work runs on lp.
func NewClient(endpoint string, lp *loop.Loop, opts Options) (*Client, error) {
	if lp == nil {
		return nil, errors.New("rpc client requires a loop")
	}

	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse node url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("node url must be http or https: %q", endpoint)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		endpoint: parsed,
		http:     httpClient,
		loop:     lp,
		header:   opts.Header,
	}

	limiterOpts := append([]ratelimit.Option{ratelimit.WithClock(lp.Clock())}, opts.Limiter...)
	c.limiter = ratelimit.New(c.send, lp, limiterOpts...)
	return c, nil
}

// Endpoint returns the node host used as the limiter key.
func (c *Client) Endpoint() string {
	return c.endpoint.Host
}

// URL returns the node URL.
func (c *Client) URL() string {
	return c.endpoint.String()
}

// InFlight reports calls sent and not yet completed.
func (c *Client) InFlight() int64 {
	return c.inflight.Load()
}

// Go queues a call and returns immediately. done is always called exactly once.
func (c *Client) Go(ctx context.Context, method string, params any, done Done) error {
	if ctx == nil {
		ctx = context.Background()
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return errors.New("method is required")
	}

	req := Request{JSONRPC: Version, ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}

	cl := &call{ctx: ctx, req: req, done: done, queued: c.loop.Clock().Now()}
	c.loop.RunSoon(func() {
		c.limiter.Invoke(cl)
	})
	return nil
}

// Call sends one call and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	type outcome struct {
		resp *Response
		err  error
	}
	result := make(chan outcome, 1)
	if err := c.Go(ctx, method, params, func(resp *Response, err error) {
		result <- outcome{resp: resp, err: err}
	}); err != nil {
		return nil, err
	}

	select {
	case out := <-result:
		return out.resp, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.loop.Done():
		return nil, loop.ErrStopped
	}
}

// Snapshot returns the limiter state, read on the loop goroutine.
func (c *Client) Snapshot(ctx context.Context) (ratelimit.State, error) {
	var state ratelimit.State
	err := c.loop.Do(ctx, func() {
		state = c.limiter.State()
	})
	return state, err
}

// send is the limiter target. It runs on the loop and hands the request off.
func (c *Client) send(cl *call) {
	c.inflight.Inc()
	go c.roundTrip(cl, c.loop.Clock().Now())
}

func (c *Client) roundTrip(cl *call, dispatchedAt time.Time) {
	if err := cl.ctx.Err(); err != nil {
		c.finish(cl, nil, err, c.limiter.Release)
		return
	}

	body, err := json.Marshal(cl.req)
	if err != nil {
		c.finish(cl, nil, fmt.Errorf("encode request: %w", err), c.limiter.Release)
		return
	}

	httpReq, err := http.NewRequestWithContext(cl.ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		c.finish(cl, nil, err, c.limiter.Release)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range c.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if cl.ctx.Err() != nil {
			c.finish(cl, nil, err, c.limiter.Release)
			return
		}
		c.finish(cl, nil, fmt.Errorf("send %s: %w", cl.req.Method, err), func() {
			c.limiter.Headers(http.StatusServiceUnavailable, nil)
		})
		return
	}
	defer httpResp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	resp := &Response{
		ID:           cl.req.ID,
		Method:       cl.req.Method,
		Status:       httpResp.StatusCode,
		Header:       httpResp.Header.Clone(),
		DispatchedAt: dispatchedAt,
		Latency:      c.loop.Clock().Since(dispatchedAt),
	}

	payload, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
	callErr := decodeBody(resp, payload, readErr)

	status := httpResp.StatusCode
	header := resp.Header
	c.finish(cl, resp, callErr, func() {
		c.limiter.Headers(status, header)
	})
}

// finish feeds the limiter and the caller on the loop goroutine.
func (c *Client) finish(cl *call, resp *Response, err error, feed func()) {
	c.inflight.Dec()
	c.loop.RunSoon(func() {
		feed()
		if cl.done != nil {
			cl.done(resp, err)
		}
	})
}

func decodeBody(resp *Response, payload []byte, readErr error) error {
	if resp.Status != http.StatusOK {
		body := strings.TrimSpace(string(payload))
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &StatusError{Status: resp.Status, Body: body}
	}
	if readErr != nil {
		return fmt.Errorf("read response: %w", readErr)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.ID != "" && env.ID != resp.ID {
		return fmt.Errorf("response id %q does not match request %q", env.ID, resp.ID)
	}
	resp.Result = env.Result
	resp.Error = env.Error
	if env.Error != nil {
		return env.Error
	}
	return nil
}
