package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/store"
	"github.com/rapidtriage/triage/internal/store/postgres"
	"github.com/rapidtriage/triage/internal/store/sqlite"
)

// loadConfig reads the config file named by --config, or the defaults
// when no file exists.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = "triage.yaml"
		if _, err := os.Stat(path); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// openStore opens the persistent store selected by the configuration.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "sqlite":
		return sqlite.New(cfg.Store.DataDir)
	case "postgres":
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("store.dsn is required for the postgres driver")
		}
		return postgres.New(ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// parseDurationOr parses s, falling back when empty or invalid.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
