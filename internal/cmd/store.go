package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/core/store"
	errwrap "github.com/pacerhq/pacer/internal/errors"
	"github.com/pacerhq/pacer/internal/observability"
)

// openStore loads configuration and opens the migrated store.
func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, errwrap.WrapConfigInvalid(ctx, err, "load config")
	}
	return openStoreWith(ctx, cfg.Store)
}

func openStoreWith(ctx context.Context, cfg config.StoreConfig) (*store.Store, error) {
	db, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", storeLocation(cfg), err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger := observability.Logger(); logger != nil {
		logger.Debug("Store ready",
			zap.String("driver", db.Driver()),
			zap.String("location", storeLocation(cfg)))
	}
	return db, nil
}

// storeLocation names the store for logs without its auth token.
func storeLocation(cfg config.StoreConfig) string {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return strings.TrimSpace(cfg.Path)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "remote"
	}
	u.RawQuery = ""
	return u.Redacted()
}
