package config

import (
	"time"
)

// Config represents the complete application configuration, assembled from
// three layers:
// Layer 1: Built-in defaults (see defaults.go)
// Layer 2: User overrides (~/.config/pacer/config.yaml or --config)
// Layer 3: Environment variables and runtime overrides
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Node      NodeConfig      `mapstructure:"node"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Bench     BenchConfig     `mapstructure:"bench"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	URL         string        `mapstructure:"url"`
	AuthToken   string        `mapstructure:"auth_token"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// NodeConfig points the client at a remote JSON-RPC node.
type NodeConfig struct {
	URL     string            `mapstructure:"url"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
}

// RateLimitConfig tunes the adaptive limiter.
type RateLimitConfig struct {
	// Spare is the number of quota units never spent.
	Spare int `mapstructure:"spare"`

	// FallbackWindow and FallbackCount describe the quota emulated for nodes
	// that send no quota headers. A zero window disables emulation.
	FallbackWindow time.Duration `mapstructure:"fallback_window"`
	FallbackCount  int           `mapstructure:"fallback_count"`

	// BackoffMean is the average pause after server errors.
	BackoffMean time.Duration `mapstructure:"backoff_mean"`

	Epsilon time.Duration `mapstructure:"epsilon"`
	Seed    uint64        `mapstructure:"seed"`
}

// SimulatorConfig describes the built-in node served at /rpc.
type SimulatorConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Mode        string        `mapstructure:"mode"`
	Limit       int           `mapstructure:"limit"`
	Window      time.Duration `mapstructure:"window"`
	FailureRate float64       `mapstructure:"failure_rate"`
	Seed        uint64        `mapstructure:"seed"`
}

// BenchConfig holds defaults for `pacer bench`.
type BenchConfig struct {
	Count  int    `mapstructure:"count"`
	Method string `mapstructure:"method"`
	Save   bool   `mapstructure:"save"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether health endpoints are exposed
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	// Enabled controls whether debug mode is active
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}
