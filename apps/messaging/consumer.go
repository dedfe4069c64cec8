package main

import (
	"context"
	"log/slog"

	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/stream"
)

// Indexer keeps each participant's conversation list current as persisted
// messages stream in.
type Indexer struct {
	index stream.ConversationIndex
	log   *slog.Logger
}

func NewIndexer(index stream.ConversationIndex, log *slog.Logger) *Indexer {
	return &Indexer{index: index, log: log}
}

func (i *Indexer) Handle(ctx context.Context, msg model.ChatMessage) error {
	if err := i.index.TouchConversation(ctx, msg); err != nil {
		return err
	}
	i.log.Debug("Conversation updated", "message_id", msg.ID, "sender_id", msg.SenderID, "receiver_id", msg.ReceiverID)
	return nil
}
