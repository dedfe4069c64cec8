package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/callrelay/pkg/model"
)

// SQLiteStore keeps timestamps as unix nanoseconds; rowid breaks ties
// between messages created in the same nanosecond.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          TEXT NOT NULL UNIQUE,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, receiver_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages (receiver_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS user_conversations (
			user_id       TEXT NOT NULL,
			other_user_id TEXT NOT NULL,
			last_updated  INTEGER NOT NULL,
			PRIMARY KEY (user_id, other_user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, senderID, receiverID, content string) (*model.ChatMessage, error) {
	msg := &model.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, a, b string, limit int) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, created_at FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, a, b, b, a, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	msgs, err := scanSQLiteMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *SQLiteStore) UserMessages(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, created_at FROM messages
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user messages: %w", err)
	}
	return scanSQLiteMessages(rows)
}

func scanSQLiteMessages(rows *sql.Rows) ([]model.ChatMessage, error) {
	defer rows.Close()
	msgs := []model.ChatMessage{}
	for rows.Next() {
		var m model.ChatMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *model.User) error {
	id := uuid.NewString()
	createdAt := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, user.Username, normalizeEmail(user.Email), user.PasswordHash, createdAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ID = id
	user.Email = normalizeEmail(user.Email)
	user.CreatedAt = createdAt
	return nil
}

func (s *SQLiteStore) UserByID(ctx context.Context, id string) (*model.User, error) {
	return s.queryUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (s *SQLiteStore) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.queryUser(ctx, `SELECT id, username, email, password_hash, created_at FROM users WHERE email = ?`, normalizeEmail(email))
}

func (s *SQLiteStore) queryUser(ctx context.Context, query string, arg string) (*model.User, error) {
	var u model.User
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = time.Unix(0, createdAt).UTC()
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, email, password_hash, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		var createdAt int64
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt = time.Unix(0, createdAt).UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, msg model.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Replayed events must not move last_updated backwards.
	const upsert = `
		INSERT INTO user_conversations (user_id, other_user_id, last_updated) VALUES (?, ?, ?)
		ON CONFLICT (user_id, other_user_id) DO UPDATE SET last_updated = MAX(last_updated, excluded.last_updated)`
	at := msg.CreatedAt.UnixNano()
	if _, err := tx.ExecContext(ctx, upsert, msg.SenderID, msg.ReceiverID, at); err != nil {
		return fmt.Errorf("failed to update conversation for %s: %w", msg.SenderID, err)
	}
	if msg.SenderID != msg.ReceiverID {
		if _, err := tx.ExecContext(ctx, upsert, msg.ReceiverID, msg.SenderID, at); err != nil {
			return fmt.Errorf("failed to update conversation for %s: %w", msg.ReceiverID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation update: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, other_user_id, last_updated FROM user_conversations
		WHERE user_id = ? ORDER BY last_updated DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		var c model.Conversation
		var at int64
		if err := rows.Scan(&c.UserID, &c.OtherUserID, &at); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.LastUpdated = time.Unix(0, at).UTC()
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return convs, nil
}
