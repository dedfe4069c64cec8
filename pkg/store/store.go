// Package store persists users, direct messages and the per user
// conversation index. Postgres, SQLite and ScyllaDB implement the same
// interfaces; config picks one.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mahaj/callrelay/pkg/config"
	"github.com/mahaj/callrelay/pkg/db"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/snowflake"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const (
	ConversationLimit = 50
	UserMessageLimit  = 100
)

type MessageStore interface {
	SaveMessage(ctx context.Context, senderID, receiverID, content string) (*model.ChatMessage, error)
	// Conversation returns the latest limit messages between a and b, oldest first.
	Conversation(ctx context.Context, a, b string, limit int) ([]model.ChatMessage, error)
	// UserMessages returns the latest limit messages sent or received by userID, newest first.
	UserMessages(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error)
}

type UserStore interface {
	// CreateUser fills in ID and CreatedAt. ErrDuplicate when the username or email is taken.
	CreateUser(ctx context.Context, user *model.User) error
	UserByID(ctx context.Context, id string) (*model.User, error)
	UserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type ConversationIndex interface {
	// TouchConversation records msg as the latest activity for both participants.
	TouchConversation(ctx context.Context, msg model.ChatMessage) error
	// Conversations lists userID's conversations, most recent first.
	Conversations(ctx context.Context, userID string) ([]model.Conversation, error)
}

type Store interface {
	MessageStore
	UserStore
	ConversationIndex
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend. The schema is not touched; call
// Migrate for that.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		conn, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(conn), nil
	case config.BackendPostgres:
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	case config.BackendScylla:
		if err := db.EnsureKeyspace(cfg.ScyllaHostList(), cfg.ScyllaKeyspace, log); err != nil {
			return nil, err
		}
		session, err := db.NewSession(cfg.ScyllaHostList(), cfg.ScyllaKeyspace, log)
		if err != nil {
			return nil, err
		}
		node, err := snowflake.NewNode(cfg.SnowflakeNode)
		if err != nil {
			session.Close()
			return nil, err
		}
		return NewScyllaStore(session, node), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
