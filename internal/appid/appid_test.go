package appid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	identity, err := Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "pacer", identity.BinaryName)
	assert.Equal(t, "PACER_", identity.Prefix())
	assert.Equal(t, "pacer", identity.TelemetryNamespace())

	identity.BinaryName = "changed"
	again, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pacer", again.BinaryName)
}

func TestGetCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrefixAddsUnderscore(t *testing.T) {
	identity := &Identity{EnvPrefix: "PACER"}
	assert.Equal(t, "PACER_", identity.Prefix())
}
