package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/core"
	"github.com/pacerhq/pacer/internal/core/engine"
	"github.com/pacerhq/pacer/internal/observability"
	"github.com/pacerhq/pacer/internal/output"
	"github.com/pacerhq/pacer/internal/server"
)

var benchOverrides = []flagOverride{
	{flag: "url", path: []string{"node", "url"}},
	{flag: "count", path: []string{"bench", "count"}},
	{flag: "method", path: []string{"bench", "method"}},
	{flag: "save", path: []string{"bench", "save"}},
	{flag: "sim-mode", path: []string{"simulator", "mode"}},
	{flag: "sim-limit", path: []string{"simulator", "limit"}},
	{flag: "sim-window", path: []string{"simulator", "window"}},
	{flag: "sim-failure-rate", path: []string{"simulator", "failure_rate"}},
	{flag: "spare", path: []string{"rate_limit", "spare"}},
	{flag: "fallback-window", path: []string{"rate_limit", "fallback_window"}},
	{flag: "fallback-count", path: []string{"rate_limit", "fallback_count"}},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Fire a burst of calls and report how the limiter paced them",
	Long: `Fire a burst of calls through one adaptive limiter and report throughput,
peak calls per second and the final limiter state.

Without --url the burst targets a simulated node started on a loopback port,
configured by the simulator section or the --sim-* flags.`,
	Example: `  pacer bench --count 500 --sim-mode silent --fallback-window 1s --fallback-count 5
  pacer bench --url https://node.example/rpc --method eth_chainId --count 200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		target, err := resolveOutput(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(ctx, cmd.Flags(), benchOverrides...)
		if err != nil {
			return err
		}
		logger := observability.CLILogger

		nodeURL := strings.TrimSpace(cfg.Node.URL)
		if nodeURL == "" {
			url, stop, err := startLocalNode(cfg.Simulator)
			if err != nil {
				return err
			}
			defer stop()
			nodeURL = url
			logger.Info("Started simulated node",
				zap.String("url", nodeURL),
				zap.String("mode", cfg.Simulator.Mode),
				zap.Int("limit", cfg.Simulator.Limit),
				zap.Duration("window", cfg.Simulator.Window))
		}

		nc, err := startNodeClient(ctx, cfg, nodeURL, logger)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Close() }()

		skipProbe, _ := cmd.Flags().GetBool("skip-probe")
		burst := &engine.Burst{
			Client:    nc.client,
			Count:     cfg.Bench.Count,
			Method:    cfg.Bench.Method,
			SkipProbe: skipProbe,
			Progress:  progressLogger(cfg.Bench.Count),
		}

		report, runErr := burst.Run(ctx)
		if report == nil {
			return runErr
		}

		if cfg.Bench.Save {
			saveBurst(ctx, cfg.Store, report)
		}

		sink, err := target.open(cmd, "bench."+report.Endpoint)
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		rendered, err := output.NewFormatter(target.format).FormatBurst(report)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(sink.writer, rendered); err != nil {
			return err
		}
		return runErr
	},
}

var benchHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored burst reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		endpoint, _ := cmd.Flags().GetString("endpoint")
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		runs, err := db.ListBurstReports(cmd.Context(), endpoint, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 && format != output.FormatJSON {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "(no stored burst reports)")
			return err
		}

		reports := make([]*core.BurstReport, 0, len(runs))
		for i := range runs {
			reports = append(reports, &runs[i].Report)
		}
		rendered, err := output.FormatBurstList(format, reports)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return err
	},
}

// startLocalNode serves a simulated node on a loopback port and returns its URL.
func startLocalNode(cfg config.SimulatorConfig) (string, func(), error) {
	sim, err := newSimulatedNode(cfg)
	if err != nil {
		return "", nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen for simulated node: %w", err)
	}

	srv := &http.Server{
		Handler:           server.New("127.0.0.1", 0, server.WithNode(sim)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.CLILogger.Warn("Simulated node stopped", zap.Error(err))
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "http://" + listener.Addr().String() + "/rpc", stop, nil
}

// progressLogger logs roughly every tenth of the burst.
func progressLogger(total int) func(completed, total int) {
	step := total / 10
	if step < 1 {
		step = 1
	}
	return func(completed, total int) {
		if completed%step == 0 || completed == total {
			observability.CLILogger.Info("Burst progress",
				zap.Int("completed", completed),
				zap.Int("total", total))
		}
	}
}

// saveBurst stores the report and the final limiter snapshot. Failures are logged only.
func saveBurst(ctx context.Context, storeCfg config.StoreConfig, report *core.BurstReport) {
	logger := observability.CLILogger

	db, err := openStoreWith(ctx, storeCfg)
	if err != nil {
		logger.Warn("Could not open store; burst not saved", zap.Error(err))
		return
	}
	defer db.Close() // nolint:errcheck // best-effort cleanup

	id, err := db.SaveBurstReport(ctx, report)
	if err != nil {
		logger.Warn("Could not save burst report", zap.Error(err))
		return
	}
	logger.Debug("Saved burst report", zap.Int64("id", id))

	if report.Limiter == nil {
		return
	}
	recorder := &engine.Recorder{Store: db}
	if _, err := recorder.Save(ctx, report.Limiter); err != nil {
		logger.Warn("Could not save limiter snapshot", zap.Error(err))
	}
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.AddCommand(benchHistoryCmd)

	benchCmd.Flags().String("url", "", "JSON-RPC node URL (default: simulated node)")
	benchCmd.Flags().Int("count", 5000, "number of calls")
	benchCmd.Flags().String("method", "ping", "JSON-RPC method to call")
	benchCmd.Flags().Bool("save", true, "store the report and limiter snapshot")
	benchCmd.Flags().Bool("skip-probe", false, "release every call at once instead of probing first")
	benchCmd.Flags().String("sim-mode", "polli", "simulated node mode: polli|retry-after|silent|open|bucket")
	benchCmd.Flags().Int("sim-limit", 150, "simulated node quota per window")
	benchCmd.Flags().Duration("sim-window", 15*time.Second, "simulated node quota window")
	benchCmd.Flags().Float64("sim-failure-rate", 0, "fraction of simulated calls answered with 503")
	benchCmd.Flags().Int("spare", 0, "quota units the limiter never spends")
	benchCmd.Flags().Duration("fallback-window", 15*time.Second, "emulated window for nodes without quota headers (0 disables)")
	benchCmd.Flags().Int("fallback-count", 150, "emulated quota per fallback window")
	addOutputFlags(benchCmd, output.FormatTable, output.FormatJSON, output.FormatMarkdown)

	benchHistoryCmd.Flags().String("endpoint", "", "only show bursts against this endpoint")
	benchHistoryCmd.Flags().Int("limit", 20, "maximum number of reports")
	benchHistoryCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
}
