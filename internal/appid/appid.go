// Package appid holds the application identity shared by config, logging and
// telemetry.
package appid

import (
	"context"
	"strings"
)

// Identity names the binary and its configuration surfaces.
type Identity struct {
	BinaryName  string
	ConfigName  string
	EnvPrefix   string
	Vendor      string
	Description string
}

var identity = Identity{
	BinaryName:  "pacer",
	ConfigName:  "pacer",
	EnvPrefix:   "PACER_",
	Vendor:      "pacerhq",
	Description: "Adaptive client-side rate limiter for JSON-RPC nodes",
}

// Get returns the application identity.
func Get(ctx context.Context) (*Identity, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	id := identity
	return &id, nil
}

// Prefix returns EnvPrefix with a guaranteed trailing underscore.
func (i *Identity) Prefix() string {
	prefix := strings.TrimSpace(i.EnvPrefix)
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// TelemetryNamespace is the Prometheus namespace for this binary.
func (i *Identity) TelemetryNamespace() string {
	return strings.ReplaceAll(strings.ToLower(i.BinaryName), "-", "_")
}
