package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mahaj/callrelay/pkg/model"
	"github.com/segmentio/kafka-go"
)

const retryDelay = time.Second

type Handler func(ctx context.Context, msg model.ChatMessage) error

type Consumer struct {
	reader *kafka.Reader
	log    *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, log: log}
}

// Run feeds every record to handle until ctx is done. Records are committed
// after handling; a record that cannot be decoded or handled is logged and
// skipped so it cannot stall the partition.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		record, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("Error reading from Kafka, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		c.process(ctx, record, handle)

		if err := c.reader.CommitMessages(ctx, record); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("Failed to commit offset", "offset", record.Offset, "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, record kafka.Message, handle Handler) {
	msg, err := decode(record)
	if err != nil {
		c.log.Warn("Skipping record", "offset", record.Offset, "error", err)
		return
	}
	if err := handle(ctx, msg); err != nil {
		c.log.Error("Failed to handle message", "message_id", msg.ID, "error", err)
		return
	}
	c.log.Debug("Message handled", "message_id", msg.ID, "partition", record.Partition, "offset", record.Offset)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
