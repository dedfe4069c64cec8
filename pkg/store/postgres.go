package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mahaj/callrelay/pkg/model"
)

const pgUniqueViolation = "23505"

// PostgresStore orders messages by created_at with the seq column as tie breaker.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            UUID PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq         BIGSERIAL,
			id          UUID PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, created_at DESC, seq DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages (receiver_id, created_at DESC, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS user_conversations (
			user_id       TEXT NOT NULL,
			other_user_id TEXT NOT NULL,
			last_updated  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, other_user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, senderID, receiverID, content string) (*model.ChatMessage, error) {
	query := `INSERT INTO messages (id, sender_id, receiver_id, content)
              VALUES ($1, $2, $3, $4)
              RETURNING created_at`

	msg := &model.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	if err := s.pool.QueryRow(ctx, query, msg.ID, senderID, receiverID, content).Scan(&msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func (s *PostgresStore) Conversation(ctx context.Context, a, b string, limit int) ([]model.ChatMessage, error) {
	query := `SELECT id, sender_id, receiver_id, content, created_at FROM messages
              WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
              ORDER BY created_at DESC, seq DESC
              LIMIT $3`

	rows, err := s.pool.Query(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *PostgresStore) UserMessages(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error) {
	query := `SELECT id, sender_id, receiver_id, content, created_at FROM messages
              WHERE sender_id = $1 OR receiver_id = $1
              ORDER BY created_at DESC, seq DESC
              LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user messages: %w", err)
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]model.ChatMessage, error) {
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChatMessage, error) {
		var m model.ChatMessage
		var id uuid.UUID
		if err := row.Scan(&id, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt); err != nil {
			return m, err
		}
		m.ID = id.String()
		m.CreatedAt = m.CreatedAt.UTC()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) error {
	query := `INSERT INTO users (id, username, email, password_hash)
              VALUES ($1, $2, $3, $4)
              RETURNING created_at`

	id := uuid.New()
	email := normalizeEmail(user.Email)
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, query, id, user.Username, email, user.PasswordHash).Scan(&createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ID = id.String()
	user.Email = email
	user.CreatedAt = createdAt.UTC()
	return nil
}

func (s *PostgresStore) UserByID(ctx context.Context, id string) (*model.User, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.queryUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE id = $1`, uid)
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.queryUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1`, normalizeEmail(email))
}

func (s *PostgresStore) queryUser(ctx context.Context, query string, arg any) (*model.User, error) {
	var u model.User
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query, arg).Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.ID = id.String()
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, username, email, password_hash, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.User, error) {
		var u model.User
		var id uuid.UUID
		if err := row.Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
			return u, err
		}
		u.ID = id.String()
		u.CreatedAt = u.CreatedAt.UTC()
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) TouchConversation(ctx context.Context, msg model.ChatMessage) error {
	query := `INSERT INTO user_conversations (user_id, other_user_id, last_updated)
              VALUES ($1, $2, $3), ($2, $1, $3)
              ON CONFLICT (user_id, other_user_id)
              DO UPDATE SET last_updated = GREATEST(user_conversations.last_updated, EXCLUDED.last_updated)`
	if msg.SenderID == msg.ReceiverID {
		query = `INSERT INTO user_conversations (user_id, other_user_id, last_updated)
              VALUES ($1, $2, $3)
              ON CONFLICT (user_id, other_user_id)
              DO UPDATE SET last_updated = GREATEST(user_conversations.last_updated, EXCLUDED.last_updated)`
	}
	if _, err := s.pool.Exec(ctx, query, msg.SenderID, msg.ReceiverID, msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to update conversations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	query := `SELECT user_id, other_user_id, last_updated FROM user_conversations
              WHERE user_id = $1 ORDER BY last_updated DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Conversation, error) {
		var c model.Conversation
		err := row.Scan(&c.UserID, &c.OtherUserID, &c.LastUpdated)
		c.LastUpdated = c.LastUpdated.UTC()
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return convs, nil
}
