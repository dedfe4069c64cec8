// Package stream carries persisted chat messages from the gateway to the
// messaging service over Kafka.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahaj/callrelay/pkg/model"
	"github.com/segmentio/kafka-go"
)

// Publisher writes asynchronously: PublishMessage returns once the record is
// queued, and delivery failures are logged from the completion callback.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string, log *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("Failed to write messages to Kafka", "count", len(messages), "error", err)
			}
		},
	}
	return &Publisher{writer: writer}
}

func (p *Publisher) PublishMessage(ctx context.Context, msg model.ChatMessage) error {
	record, err := encode(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, record)
}

// Close flushes pending records.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// encode keys records by channel so one conversation stays on one partition.
func encode(msg model.ChatMessage) (kafka.Message, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return kafka.Message{
		Key:   []byte(model.ChannelID(msg.SenderID, msg.ReceiverID)),
		Value: value,
		Time:  msg.CreatedAt,
	}, nil
}

func decode(record kafka.Message) (model.ChatMessage, error) {
	var msg model.ChatMessage
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode record at offset %d: %w", record.Offset, err)
	}
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return msg, fmt.Errorf("record at offset %d has no participants", record.Offset)
	}
	return msg, nil
}

// ConversationIndex is the part of the store the stream feeds.
type ConversationIndex interface {
	TouchConversation(ctx context.Context, msg model.ChatMessage) error
}

// DirectPublisher updates the conversation index in process. The gateway
// uses it when no Kafka brokers are configured.
type DirectPublisher struct {
	index ConversationIndex
}

func NewDirectPublisher(index ConversationIndex) *DirectPublisher {
	return &DirectPublisher{index: index}
}

func (p *DirectPublisher) PublishMessage(ctx context.Context, msg model.ChatMessage) error {
	return p.index.TouchConversation(ctx, msg)
}
