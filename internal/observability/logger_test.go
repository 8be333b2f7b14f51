package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/observability"
)

func TestLoggers(t *testing.T) {
	t.Run("CLI logger creation", func(t *testing.T) {
		require.NoError(t, observability.InitCLILogger("pacer-test", false))
		require.NotNil(t, observability.CLILogger)

		observability.CLILogger.Info("limiter dispatch",
			zap.String("endpoint", "node.example:8545"),
			zap.Int("behind", 3))
	})

	t.Run("Logger prefers server logger", func(t *testing.T) {
		prev := observability.ServerLogger
		t.Cleanup(func() { observability.ServerLogger = prev })

		observability.ServerLogger = nil
		require.NoError(t, observability.InitCLILogger("pacer-test", true))
		assert.Same(t, observability.CLILogger, observability.Logger())

		require.NoError(t, observability.InitServerLogger("pacer-test", "debug", "pacer"))
		require.NotNil(t, observability.ServerLogger)
		assert.Same(t, observability.ServerLogger, observability.Logger())

		observability.Logger().Debug("limiter backoff",
			zap.String("reason", "server_error"),
			zap.Duration("pause", 0))
	})

}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]string{
		"trace":   "TRACE",
		" DEBUG ": "DEBUG",
		"warning": "WARN",
		"warn":    "WARN",
		"error":   "ERROR",
		"info":    "INFO",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range tests {
		assert.Equal(t, want, observability.ParseLogLevel(in), "level %q", in)
	}
}

func TestEmbeddedCrucible(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
	assert.NotEmpty(t, crucible.GetVersionString())
}
