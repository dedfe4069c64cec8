package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/callrelay/pkg/auth"
	"github.com/mahaj/callrelay/pkg/config"
	"github.com/mahaj/callrelay/pkg/db"
	"github.com/mahaj/callrelay/pkg/presence"
	"github.com/mahaj/callrelay/pkg/store"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("API stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	server := &Server{
		users:         st,
		messages:      st,
		conversations: st,
		jwt:           auth.NewJWT(cfg.JWTSecret, cfg.JWTExpiry),
		validate:      validator.New(),
		origins:       cfg.AllowedOriginList(),
		client: ClientConfig{
			PublicDomain:  cfg.PublicDomain,
			TURNServerURL: cfg.TURNServerURL,
			TURNUsername:  cfg.TURNUsername,
			TURNPassword:  cfg.TURNPassword,
		},
		log: log,
	}
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		server.presence = presence.NewRedisMirror(rdb)
	}

	srv := &http.Server{Addr: cfg.APIAddr, Handler: server.Routes()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("API service starting", "addr", cfg.APIAddr, "store", cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
