package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/core/rpc"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/observability"
)

var callOverrides = []flagOverride{
	{flag: "url", path: []string{"node", "url"}},
	{flag: "timeout", path: []string{"node", "timeout"}},
}

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Send one JSON-RPC call through the limiter",
	Example: `  pacer call eth_blockNumber --url https://node.example/rpc
  pacer call echo '[1,2,3]' --url http://localhost:8080/rpc`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig(ctx, cmd.Flags(), callOverrides...)
		if err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Node.URL) == "" {
			return errors.New("no node configured: pass --url or set node.url")
		}

		var params any
		if len(args) == 2 {
			raw := json.RawMessage(args[1])
			if !json.Valid(raw) {
				return fmt.Errorf("params must be valid JSON: %s", args[1])
			}
			params = raw
		}

		nc, err := startNodeClient(ctx, cfg, cfg.Node.URL, observability.CLILogger)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Close() }()

		started := time.Now()
		resp, err := nc.client.Call(ctx, args[0], params)
		status := 0
		if resp != nil {
			status = resp.Status
		}
		metrics.RecordRPCCall(args[0], status, time.Since(started))

		var rpcErr *rpc.Error
		if err != nil && !errors.As(err, &rpcErr) {
			return err
		}

		observability.CLILogger.Debug("Call completed",
			zap.String("method", args[0]),
			zap.Int("status", status),
			zap.Duration("latency", resp.Latency))

		out := cmd.OutOrStdout()
		if rpcErr != nil {
			payload, _ := json.MarshalIndent(rpcErr, "", "  ")
			_, _ = fmt.Fprintln(out, string(payload))
			return rpcErr
		}

		var pretty any
		if err := json.Unmarshal(resp.Result, &pretty); err != nil {
			_, err = fmt.Fprintln(out, string(resp.Result))
			return err
		}
		payload, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(payload))
		return err
	},
}

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().String("url", "", "JSON-RPC node URL (default node.url)")
	callCmd.Flags().Duration("timeout", 30*time.Second, "per-call HTTP timeout")
}
