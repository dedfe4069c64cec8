package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mahaj/callrelay/pkg/config"
	"github.com/mahaj/callrelay/pkg/store"
	"github.com/mama165/sdk-go/logs"
)

// migrate creates the schema of the configured store backend.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	ctx := context.Background()

	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error("Migration failed", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	log.Info("Schema is up to date", "backend", cfg.StoreBackend)
}
