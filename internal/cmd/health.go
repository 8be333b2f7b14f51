package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/core/loop"
	"github.com/pacerhq/pacer/internal/core/ratelimit"
	errwrap "github.com/pacerhq/pacer/internal/errors"
	"github.com/pacerhq/pacer/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Run a self-health check to verify configuration, the store and the limiter can start.",
	Run: func(cmd *cobra.Command, args []string) {
		observability.CLILogger.Info("Running health check...")

		// Check 1: Version info available
		if versionInfo.Version == "" {
			observability.CLILogger.Error("❌ FAIL: Version information missing")
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		observability.CLILogger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		observability.CLILogger.Info("✅ Version information available")

		// Check 2: Configuration loads and validates
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg, err := config.Load(ctx)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Configuration invalid", err)
			return
		}
		observability.CLILogger.Info("✅ Configuration loaded")

		// Check 3: Store opens and migrates
		db, err := openStoreWith(ctx, cfg.Store)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Store unavailable", err)
			return
		}
		_ = db.Close()
		observability.CLILogger.Info("✅ Store ready", zap.String("driver", cfg.Store.Driver))

		// Check 4: Scheduling loop runs limiter tasks
		if err := checkLimiterLoop(ctx, cfg.RateLimit); err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Limiter loop unhealthy", err)
			return
		}
		observability.CLILogger.Info("✅ Limiter loop responsive")

		observability.CLILogger.Info("")
		observability.CLILogger.Info("✅ All health checks passed")
	},
}

// checkLimiterLoop pushes one synthetic call through a limiter on a fresh loop.
func checkLimiterLoop(ctx context.Context, cfg config.RateLimitConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	lp := loop.New(nil)
	go func() { _ = lp.Run(ctx) }()
	defer func() {
		cancel()
		<-lp.Done()
	}()

	dispatched := make(chan struct{}, 1)
	var limiter *ratelimit.Limiter[struct{}]
	limiter = ratelimit.New(func(struct{}) {
		limiter.Release()
		dispatched <- struct{}{}
	}, lp, limiterOptions(cfg, "health", nil)...)

	if err := lp.Do(ctx, func() { limiter.Invoke(struct{}{}) }); err != nil {
		return err
	}
	select {
	case <-dispatched:
		return lp.Errors()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
