package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/ratelimit"
	"github.com/pacerhq/pacer/internal/core/rpc"
	"github.com/pacerhq/pacer/internal/metrics"
)

// limiterOptions translates config into limiter options and wires decision
// hooks into logging and telemetry.
func limiterOptions(cfg config.RateLimitConfig, endpoint string, logger *logging.Logger) []ratelimit.Option {
	opts := []ratelimit.Option{
		ratelimit.WithSpare(cfg.Spare),
		ratelimit.WithEpsilon(cfg.Epsilon),
	}

	if cfg.FallbackWindow > 0 && cfg.FallbackCount > 0 {
		opts = append(opts, ratelimit.WithFallbackWindow(cfg.FallbackWindow, cfg.FallbackCount))
	} else {
		opts = append(opts, ratelimit.WithoutFallbackWindow())
	}
	if cfg.BackoffMean > 0 {
		opts = append(opts, ratelimit.WithBackoffMean(cfg.BackoffMean))
	}
	if cfg.Seed != 0 {
		opts = append(opts, ratelimit.WithRandSource(rand.NewPCG(cfg.Seed, cfg.Seed)))
	}

	opts = append(opts, ratelimit.WithHooks(ratelimit.Hooks{
		OnDispatch: func(behind int) {
			metrics.RecordDispatch(endpoint, behind)
		},
		OnDelay: func(wait time.Duration) {
			metrics.RecordDelay(endpoint, wait)
			if logger != nil {
				logger.Debug("Quota exhausted, delaying calls",
					zap.String("endpoint", endpoint),
					zap.Duration("wait", wait))
			}
		},
		OnBackoff: func(reason string, pause time.Duration) {
			metrics.RecordBackoff(endpoint, reason, pause)
			if logger != nil {
				logger.Info("Backing off",
					zap.String("endpoint", endpoint),
					zap.String("reason", reason),
					zap.Duration("pause", pause))
			}
		},
		OnProbe: func(useFallback bool) {
			metrics.RecordProbe(endpoint, useFallback)
			if logger != nil {
				source := "headers"
				if useFallback {
					source = "fallback"
				}
				logger.Debug("Node probed",
					zap.String("endpoint", endpoint),
					zap.String("quota_source", source))
			}
		},
	}))

	return opts
}

// nodeClient is a running loop plus the client bound to it.
type nodeClient struct {
	client *rpc.Client
	loop   *loop.Loop
	cancel context.CancelFunc
}

// startNodeClient starts a scheduling loop and a limited client for nodeURL.
func startNodeClient(ctx context.Context, cfg *config.Config, nodeURL string, logger *logging.Logger) (*nodeClient, error) {
	if nodeURL == "" {
		return nil, errors.New("node url is required")
	}

	lp := loop.New(nil)
	header := http.Header{}
	for k, v := range cfg.Node.Headers {
		header.Set(k, v)
	}

	parsed, err := url.Parse(nodeURL)
	if err != nil {
		return nil, fmt.Errorf("parse node url: %w", err)
	}
	endpoint := parsed.Host

	client, err := rpc.NewClient(nodeURL, lp, rpc.Options{
		Timeout: cfg.Node.Timeout,
		Header:  header,
		Limiter: limiterOptions(cfg.RateLimit, endpoint, logger),
	})
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := lp.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) && logger != nil {
			logger.Warn("Scheduling loop stopped", zap.Error(err))
		}
	}()

	return &nodeClient{client: client, loop: lp, cancel: cancel}, nil
}

// Close stops the loop and reports tasks that panicked.
func (n *nodeClient) Close() error {
	if n == nil {
		return nil
	}
	n.cancel()
	<-n.loop.Done()
	return n.loop.Errors()
}
