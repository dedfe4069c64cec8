package relay

import (
	"context"
	"errors"

	"github.com/mahaj/callrelay/pkg/model"
)

var (
	ErrPersistence  = errors.New("failed to save message")
	ErrEmptyContent = errors.New("message content cannot be empty")
	ErrTooLong      = errors.New("message content is too long")
	ErrBadPayload   = errors.New("malformed payload")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

//go:generate go run go.uber.org/mock/mockgen -source=deps.go -destination=../../mocks/mock_relay.go -package=mocks

// MessageSaver persists a chat message and returns it with its server
// assigned id and creation time.
type MessageSaver interface {
	SaveMessage(ctx context.Context, senderID, receiverID, content string) (*model.ChatMessage, error)
}

// EventPublisher announces persisted messages to downstream consumers.
type EventPublisher interface {
	PublishMessage(ctx context.Context, msg model.ChatMessage) error
}

// Directory answers whether a user currently has a live connection.
type Directory interface {
	IsOnline(userID string) bool
}
