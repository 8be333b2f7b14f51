package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/core/engine"
	"github.com/pacerhq/pacer/internal/core/node"
	errwrap "github.com/pacerhq/pacer/internal/errors"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/observability"
	"github.com/pacerhq/pacer/internal/server"
	"github.com/pacerhq/pacer/internal/server/handlers"
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

var serveOverrides = []flagOverride{
	{flag: "host", path: []string{"server", "host"}},
	{flag: "port", path: []string{"server", "port"}},
	{flag: "node-url", path: []string{"node", "url"}},
	{flag: "simulate", path: []string{"simulator", "enabled"}},
	{flag: "sim-mode", path: []string{"simulator", "mode"}},
	{flag: "sim-limit", path: []string{"simulator", "limit"}},
	{flag: "sim-window", path: []string{"simulator", "window"}},
	{flag: "sim-failure-rate", path: []string{"simulator", "failure_rate"}},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a simulated node and a rate limited gateway",
	Long: `Start the HTTP server with graceful shutdown support.

The server exposes:
  • /rpc            simulated JSON-RPC node (when simulator.enabled)
  • /v1/call        gateway forwarding calls through the adaptive limiter
  • /v1/limiter     current limiter state
  • /health, /version, /metrics

The gateway targets node.url, or the built-in simulator when no URL is set.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (log level only; restart for the rest)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig(ctx, cmd.Flags(), serveOverrides...)
		if err != nil {
			return err
		}

		identity := GetAppIdentity()
		namespace := identity.TelemetryNamespace()

		if err := observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, namespace); err != nil {
			return errwrap.WrapConfigInvalid(ctx, err, "server logger initialization failed")
		}
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		hm.RegisterChecker("app_identity", identityHealthChecker{
			binaryName: identity.BinaryName,
			envPrefix:  identity.EnvPrefix,
			configName: identity.ConfigName,
		})
		handlers.SetAppIdentity(identity)

		opts := []server.Option{
			server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		}
		adminEnv := identity.Prefix() + "ADMIN_TOKEN"
		if token := os.Getenv(adminEnv); token != "" {
			opts = append(opts, server.WithAdminToken(token))
		} else {
			logger.Debug("Admin signal endpoint disabled", zap.String("env", adminEnv))
		}

		var sim *node.Node
		if cfg.Simulator.Enabled {
			sim, err = newSimulatedNode(cfg.Simulator)
			if err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "invalid simulator settings")
			}
			opts = append(opts, server.WithNode(sim))
		}

		nodeURL := cfg.Node.URL
		if nodeURL == "" && sim != nil {
			nodeURL = fmt.Sprintf("http://%s/rpc", dialAddr(cfg.Server.Host, cfg.Server.Port))
		}

		var gateway *nodeClient
		if nodeURL != "" {
			gateway, err = startNodeClient(ctx, cfg, nodeURL, logger)
			if err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "invalid node url")
			}
			opts = append(opts, server.WithGateway(gateway.client))
			hm.RegisterChecker("limiter_loop", handlers.LoopChecker{Loop: gateway.loop})
			hm.RegisterChecker("gateway", handlers.GatewayChecker{Client: gateway.client})
		}

		srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

		logger.Info("Initializing server",
			zap.String("service", identity.BinaryName),
			zap.String("namespace", namespace),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("simulator", sim != nil),
			zap.String("node_url", nodeURL))

		metrics.SetServerStartTime(time.Now().Unix())

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		// Handler 2: Stop the Prometheus exporter
		if cfg.Metrics.Enabled {
			signals.OnShutdown(func(ctx context.Context) error {
				if err := observability.StopMetrics(); err != nil {
					logger.Warn("Metrics exporter stop failed", zap.Error(err))
				}
				return nil
			})
		}

		// Handler 3: Persist the gateway limiter snapshot and stop its loop
		if gateway != nil {
			signals.OnShutdown(func(ctx context.Context) error {
				recordGatewaySnapshot(ctx, cfg.Store, gateway)
				if err := gateway.Close(); err != nil {
					logger.Warn("Limiter tasks failed", zap.Error(err))
				}
				return nil
			})
		}

		// Handler 4: Shutdown HTTP server (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		// Register config reload handler (SIGHUP)
		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			reloaded, err := loadConfig(ctx, cmd.Flags(), serveOverrides...)
			if err != nil {
				logger.Error("Failed to reload config", zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}

			if reloaded.Logging.Level != cfg.Logging.Level {
				if err := observability.InitServerLogger(identity.BinaryName, reloaded.Logging.Level, namespace); err != nil {
					logger.Warn("Keeping previous logger", zap.Error(err))
				} else {
					logger = observability.ServerLogger
				}
			}
			logger.Info("Configuration reloaded",
				zap.String("log_level", reloaded.Logging.Level))
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		// Start server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

func newSimulatedNode(cfg config.SimulatorConfig) (*node.Node, error) {
	mode, err := node.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return node.New(node.Config{
		Mode:        mode,
		Limit:       cfg.Limit,
		Window:      cfg.Window,
		FailureRate: cfg.FailureRate,
		Seed:        cfg.Seed,
	})
}

// dialAddr turns a listen address into one the gateway can dial.
func dialAddr(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// recordGatewaySnapshot stores the final limiter state. Failures are logged only.
func recordGatewaySnapshot(ctx context.Context, storeCfg config.StoreConfig, gateway *nodeClient) {
	logger := observability.Logger()

	state, err := gateway.client.Snapshot(ctx)
	if err != nil {
		logger.Warn("Could not read limiter state", zap.Error(err))
		return
	}

	db, err := openStoreWith(ctx, storeCfg)
	if err != nil {
		logger.Warn("Could not open store for limiter snapshot", zap.Error(err))
		return
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	recorder := &engine.Recorder{Store: db}
	if _, err := recorder.Record(ctx, gateway.client.Endpoint(), state); err != nil {
		logger.Warn("Could not store limiter snapshot", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("node-url", "", "upstream JSON-RPC node for the gateway")
	serveCmd.Flags().Bool("simulate", true, "serve a simulated node at /rpc")
	serveCmd.Flags().String("sim-mode", string(node.ModePolli), "simulated node mode: polli|retry-after|silent|open|bucket")
	serveCmd.Flags().Int("sim-limit", 150, "simulated node quota per window")
	serveCmd.Flags().Duration("sim-window", 15*time.Second, "simulated node quota window")
	serveCmd.Flags().Float64("sim-failure-rate", 0, "fraction of simulated calls answered with 503")
}
