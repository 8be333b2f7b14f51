// Package config provides centralized configuration management for pacer.
// It implements the three-layer config pattern using gofulmen/config:
// Layer 1: Built-in defaults
// Layer 2: User overrides (discovered via app identity XDG paths)
// Layer 3: Environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/pacerhq/pacer/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig   *Config
	configMu    sync.RWMutex
	appIdentity *appid.Identity

	// configFile is an explicit user config path (--config)
	configFile string
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetConfigFile selects an explicit user config file. An empty path restores
// XDG discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load loads configuration using the three-layer pattern:
// 1. Built-in defaults
// 2. User overrides from --config or XDG config paths
// 3. Environment variables and runtime overrides
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if appIdentity == nil {
		identity, err := appid.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load app identity: %w", err)
		}
		appIdentity = identity
	}

	merged := defaults()

	userFile, err := resolveUserConfigFile()
	if err != nil {
		return nil, err
	}
	if userFile != "" {
		user, err := readUserConfig(userFile)
		if err != nil {
			return nil, err
		}
		mergeMaps(merged, user)
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeMaps(merged, envOverrides)

	for _, overrides := range runtimeOverrides {
		mergeMaps(merged, overrides)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = defaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)

	return cfg, nil
}

// Validate rejects settings the limiter or simulator cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.RateLimit.Spare < 0 {
		problems = append(problems, "rate_limit.spare must not be negative")
	}
	if c.RateLimit.FallbackWindow < 0 {
		problems = append(problems, "rate_limit.fallback_window must not be negative")
	}
	if c.RateLimit.FallbackWindow > 0 && c.RateLimit.FallbackCount <= 0 {
		problems = append(problems, "rate_limit.fallback_count must be positive when fallback_window is set")
	}
	if c.RateLimit.BackoffMean < 0 {
		problems = append(problems, "rate_limit.backoff_mean must not be negative")
	}
	if c.Simulator.FailureRate < 0 || c.Simulator.FailureRate > 1 {
		problems = append(problems, "simulator.failure_rate must be within [0,1]")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// resolveUserConfigFile returns the explicit --config path, or the first
// existing XDG candidate, or "".
func resolveUserConfigFile() (string, error) {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, candidate := range getUserConfigPaths() {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func readUserConfig(path string) (map[string]any, error) {
	// #nosec G304 -- path comes from the user's --config flag or XDG discovery
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	user := map[string]any{}
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return user, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge; other values replace.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// getUserConfigPaths returns the list of user config file paths to check
// Uses gofulmen/config for XDG-compliant path discovery
func getUserConfigPaths() []string {
	configName, binaryName := appNamesForPaths()

	legacyNames := []string{}
	if binaryName != configName {
		legacyNames = append(legacyNames, binaryName)
	}

	return gfconfig.GetAppConfigPaths(configName, legacyNames...)
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps {PREFIX}{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	if appIdentity == nil {
		return []EnvVarSpec{}
	}

	prefix := appIdentity.Prefix()

	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},
		{Name: prefix + "DB_BUSY_TIMEOUT", Path: []string{"store", "busy_timeout"}, Type: EnvString},

		// Node config
		{Name: prefix + "NODE_URL", Path: []string{"node", "url"}, Type: EnvString},
		{Name: prefix + "NODE_TIMEOUT", Path: []string{"node", "timeout"}, Type: EnvString},

		// Limiter config
		{Name: prefix + "RATE_LIMIT_SPARE", Path: []string{"rate_limit", "spare"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_FALLBACK_WINDOW", Path: []string{"rate_limit", "fallback_window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_FALLBACK_COUNT", Path: []string{"rate_limit", "fallback_count"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_BACKOFF_MEAN", Path: []string{"rate_limit", "backoff_mean"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_EPSILON", Path: []string{"rate_limit", "epsilon"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_SEED", Path: []string{"rate_limit", "seed"}, Type: EnvInt},

		// Simulated node config
		{Name: prefix + "SIMULATOR_ENABLED", Path: []string{"simulator", "enabled"}, Type: EnvBool},
		{Name: prefix + "SIMULATOR_MODE", Path: []string{"simulator", "mode"}, Type: EnvString},
		{Name: prefix + "SIMULATOR_LIMIT", Path: []string{"simulator", "limit"}, Type: EnvInt},
		{Name: prefix + "SIMULATOR_WINDOW", Path: []string{"simulator", "window"}, Type: EnvString},
		// Parsed by the StringToFloat64 decode hook
		{Name: prefix + "SIMULATOR_FAILURE_RATE", Path: []string{"simulator", "failure_rate"}, Type: EnvString},
		{Name: prefix + "SIMULATOR_SEED", Path: []string{"simulator", "seed"}, Type: EnvInt},

		// Bench config
		{Name: prefix + "BENCH_COUNT", Path: []string{"bench", "count"}, Type: EnvInt},
		{Name: prefix + "BENCH_METHOD", Path: []string{"bench", "method"}, Type: EnvString},
		{Name: prefix + "BENCH_SAVE", Path: []string{"bench", "save"}, Type: EnvBool},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},

		// Debug config
		{Name: prefix + "DEBUG_ENABLED", Path: []string{"debug", "enabled"}, Type: EnvBool},
		{Name: prefix + "DEBUG_PPROF_ENABLED", Path: []string{"debug", "pprof_enabled"}, Type: EnvBool},
	}
}

// appNamesForPaths returns the config name and binary name from app identity,
// falling back to "pacer" if not set.
func appNamesForPaths() (configName string, binaryName string) {
	configName = "pacer"
	binaryName = "pacer"
	if appIdentity == nil {
		return configName, binaryName
	}

	if strings.TrimSpace(appIdentity.ConfigName) != "" {
		configName = appIdentity.ConfigName
	}
	if strings.TrimSpace(appIdentity.BinaryName) != "" {
		binaryName = appIdentity.BinaryName
	}
	return configName, binaryName
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configName, _ := appNamesForPaths()
	configDir := gfconfig.GetAppConfigDir(configName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppDataDir(configName)
}

// DefaultCacheDir returns the XDG-compliant cache directory for the app.
func DefaultCacheDir() string {
	configName, _ := appNamesForPaths()
	return gfconfig.GetAppCacheDir(configName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	configName, binaryName := appNamesForPaths()
	dataDir := gfconfig.GetAppDataDir(configName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + binaryName + ".db"
	}
	return filepath.Join(dataDir, binaryName+".db")
}

// defaultStorePath is an unexported alias for internal use.
func defaultStorePath() string {
	return DefaultStorePath()
}
