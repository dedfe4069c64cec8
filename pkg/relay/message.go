package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mahaj/callrelay/pkg/model"
)

// handlePrivateMessage persists the message, then delivers it to the
// receiver and acknowledges the origin connection. Nothing is delivered if
// persistence fails, so the receiver never sees a message missing from history.
func handlePrivateMessage(ctx context.Context, deps *Deps, from Origin, data json.RawMessage) []Outbound {
	var msg model.PrivateMessage
	if err := decode(deps, data, &msg); err != nil {
		return []Outbound{ToOrigin(MessageError(err))}
	}
	if strings.TrimSpace(msg.Content) == "" {
		return []Outbound{ToOrigin(MessageError(ErrEmptyContent))}
	}
	if deps.MaxContentLength > 0 && utf8.RuneCountInString(msg.Content) > deps.MaxContentLength {
		return []Outbound{ToOrigin(MessageError(ErrTooLong))}
	}

	stored, err := deps.Store.SaveMessage(ctx, from.Identity.ID, msg.ReceiverID, msg.Content)
	if err != nil {
		deps.Log.Error("Failed to save message", "sender_id", from.Identity.ID, "receiver_id", msg.ReceiverID, "error", err)
		return []Outbound{ToOrigin(MessageError(ErrPersistence))}
	}

	if deps.Publisher != nil {
		if err := deps.Publisher.PublishMessage(ctx, *stored); err != nil {
			deps.Log.Warn("Failed to publish message event", "message_id", stored.ID, "error", err)
		}
	}

	return []Outbound{
		ToUser(stored.ReceiverID, model.NewEnvelope(model.EventReceiveMessage, model.ReceiveMessage{
			ID:        stored.ID,
			Sender:    from.Identity,
			Content:   stored.Content,
			CreatedAt: stored.CreatedAt,
		})),
		ToOrigin(model.NewEnvelope(model.EventMessageSent, model.MessageSent{
			ID:        stored.ID,
			CreatedAt: stored.CreatedAt,
		})),
	}
}

// MessageError builds the message-error event for err, reduced to its category.
func MessageError(err error) model.Envelope {
	// Only the category reaches the client; details stay in the logs.
	for _, known := range []error{ErrBadPayload, ErrEmptyContent, ErrTooLong, ErrPersistence, ErrRateLimited} {
		if errors.Is(err, known) {
			err = known
			break
		}
	}
	return model.NewEnvelope(model.EventMessageError, model.MessageError{Error: err.Error()})
}
