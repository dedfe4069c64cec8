package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/callrelay/pkg/config"
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
		log.Error("Messaging service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required for the messaging service")
	}

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

	consumer := stream.NewConsumer(brokers, cfg.KafkaTopic, cfg.KafkaGroupID, log)
	defer consumer.Close()

	indexer := NewIndexer(st, log)
	log.Info("Starting Kafka consumer", "topic", cfg.KafkaTopic, "group_id", cfg.KafkaGroupID)
	return consumer.Run(ctx, indexer.Handle)
}
