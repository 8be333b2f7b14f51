package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/appid"
	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/observability"
)

var (
	cfgFile string
	verbose bool

	appIdentity *appid.Identity

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the loaded app identity (only valid after initConfig)
func GetAppIdentity() *appid.Identity {
	return appIdentity
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	// NOTE: initConfig() overwrites these from app identity.
	Use:   filepath.Base(os.Args[0]),
	Short: "Adaptive client-side rate limiter for JSON-RPC nodes",
	Long: `Pace JSON-RPC calls to a node's advertised quota.

Use the subcommands to call a node, benchmark a burst, or serve a simulated node.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early to prevent config loading from emitting
	// metrics to stdout. Server mode will initialize proper telemetry later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	ctx := context.Background()
	if identity, err := appid.Get(ctx); err == nil && identity != nil {
		appIdentity = identity
		rootCmd.Use = identity.BinaryName
		rootCmd.Short = identity.Description
	}

	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/pacer/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	// Bind flags to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig locates the user config file and initializes CLI logging.
func initConfig() {
	ctx := context.Background()
	identity, err := appid.Get(ctx)
	if err != nil {
		ExitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to load app identity", err)
	}
	appIdentity = identity

	if err := observability.InitCLILogger(appIdentity.BinaryName, verbose); err != nil {
		ExitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if appConfigDir := gfconfig.GetAppConfigDir(appIdentity.ConfigName); appConfigDir != "" {
			viper.AddConfigPath(appConfigDir)
		}
		viper.AddConfigPath("./config")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		config.SetConfigFile(viper.ConfigFileUsed())
		observability.CLILogger.Debug("Using config file", zap.String("path", viper.ConfigFileUsed()))
	} else {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			observability.CLILogger.Debug("No config file found, using defaults and environment variables")
		} else {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Error reading config file", err)
		}
	}
}

// flagOverride maps a command flag onto a config key.
type flagOverride struct {
	flag string
	path []string
}

// runtimeOverrides turns explicitly set flags into a Layer 3 override map.
// Unchanged flags are skipped so config files and env vars keep their values.
func runtimeOverrides(flags *pflag.FlagSet, mappings ...flagOverride) map[string]any {
	overrides := map[string]any{}
	for _, m := range mappings {
		f := flags.Lookup(m.flag)
		if f == nil || !f.Changed || len(m.path) == 0 {
			continue
		}

		node := overrides
		for _, key := range m.path[:len(m.path)-1] {
			next, ok := node[key].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[key] = next
			}
			node = next
		}
		node[m.path[len(m.path)-1]] = f.Value.String()
	}
	return overrides
}

// loadConfig loads the layered config with the command's flag overrides.
func loadConfig(ctx context.Context, flags *pflag.FlagSet, mappings ...flagOverride) (*config.Config, error) {
	cfg, err := config.Load(ctx, runtimeOverrides(flags, mappings...))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}
