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
	"github.com/mahaj/callrelay/pkg/relay"
	"github.com/mahaj/callrelay/pkg/signaling"
	"github.com/mahaj/callrelay/pkg/store"
	"github.com/mahaj/callrelay/pkg/stream"
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
		log.Error("Gateway stopped", "error", err)
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

	var opts []presence.Option
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		mirror := presence.NewRedisMirror(rdb)
		// This gateway owns the mirror; start from an empty online set.
		if err := mirror.Reset(ctx); err != nil {
			return err
		}
		opts = append(opts, presence.WithMirror(mirror))
	}
	registry := presence.NewRegistry(log, opts...)

	var publisher relay.EventPublisher = stream.NewDirectPublisher(st)
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		p := stream.NewPublisher(brokers, cfg.KafkaTopic, log)
		defer p.Close()
		publisher = p
		log.Info("Publishing message events to Kafka", "topic", cfg.KafkaTopic)
	}

	router := relay.NewRouter(relay.Deps{
		Store:            st,
		Publisher:        publisher,
		Calls:            signaling.NewTracker(cfg.CallTombstoneTTL),
		Validate:         validator.New(),
		Log:              log,
		MaxContentLength: cfg.MaxContentLength,
	}, registry)

	hub := NewHub(registry, router, log)
	gateway := NewGateway(hub,
		auth.NewJWT(cfg.JWTSecret, cfg.JWTExpiry),
		newOriginPolicy(cfg.AllowedOriginList(), log),
		ClientOptions{
			MaxMessageSize: cfg.MaxMessageSize,
			SendBuffer:     cfg.SendBufferSize,
			RateBurst:      cfg.RateLimitBurst,
			RateInterval:   cfg.RateLimitRefillInterval,
		}, log)

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: gateway.Routes()}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Gateway service starting", "addr", cfg.GatewayAddr, "store", cfg.StoreBackend)
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

	log.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	closed := hub.shutdown()
	log.Info("Gateway stopped", "closed_connections", closed)
	return nil
}
