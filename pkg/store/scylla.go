package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/mahaj/callrelay/pkg/db"
	"github.com/mahaj/callrelay/pkg/model"
	"github.com/mahaj/callrelay/pkg/snowflake"
)

// ScyllaStore partitions messages by direct message channel and clusters
// them by snowflake id, so id order is creation order. Every message is also
// written to messages_by_user for the per user feed.
type ScyllaStore struct {
	session *db.Session
	ids     *snowflake.Node
}

func NewScyllaStore(session *db.Session, ids *snowflake.Node) *ScyllaStore {
	return &ScyllaStore{session: session, ids: ids}
}

func (s *ScyllaStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			channel_id  text,
			id          bigint,
			sender_id   text,
			receiver_id text,
			content     text,
			created_at  timestamp,
			PRIMARY KEY (channel_id, id)
		) WITH CLUSTERING ORDER BY (id DESC)`,
		`CREATE TABLE IF NOT EXISTS messages_by_user (
			user_id     text,
			id          bigint,
			sender_id   text,
			receiver_id text,
			content     text,
			created_at  timestamp,
			PRIMARY KEY (user_id, id)
		) WITH CLUSTERING ORDER BY (id DESC)`,
		`CREATE TABLE IF NOT EXISTS users (
			id            text PRIMARY KEY,
			username      text,
			email         text,
			password_hash text,
			created_at    timestamp
		)`,
		`CREATE TABLE IF NOT EXISTS users_by_email (
			email text PRIMARY KEY,
			id    text
		)`,
		`CREATE TABLE IF NOT EXISTS users_by_username (
			username text PRIMARY KEY,
			id       text
		)`,
		`CREATE TABLE IF NOT EXISTS user_conversations (
			user_id       text,
			other_user_id text,
			last_updated  timestamp,
			PRIMARY KEY (user_id, other_user_id)
		)`,
	}
	for _, stmt := range stmts {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to migrate scylla schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaStore) Close() error {
	s.session.Close()
	return nil
}

func (s *ScyllaStore) SaveMessage(ctx context.Context, senderID, receiverID, content string) (*model.ChatMessage, error) {
	id := s.ids.Generate()
	msg := &model.ChatMessage{
		ID:         strconv.FormatInt(id, 10),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  snowflake.Time(id),
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO messages (channel_id, id, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		model.ChannelID(senderID, receiverID), id, senderID, receiverID, content, msg.CreatedAt)
	for _, owner := range participants(senderID, receiverID) {
		batch.Query(`INSERT INTO messages_by_user (user_id, id, sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			owner, id, senderID, receiverID, content, msg.CreatedAt)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	return msg, nil
}

func (s *ScyllaStore) Conversation(ctx context.Context, a, b string, limit int) ([]model.ChatMessage, error) {
	iter := s.session.Query(`SELECT id, sender_id, receiver_id, content, created_at FROM messages WHERE channel_id = ? LIMIT ?`,
		model.ChannelID(a, b), limit).WithContext(ctx).Iter()
	msgs, err := scanScyllaMessages(iter)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *ScyllaStore) UserMessages(ctx context.Context, userID string, limit int) ([]model.ChatMessage, error) {
	iter := s.session.Query(`SELECT id, sender_id, receiver_id, content, created_at FROM messages_by_user WHERE user_id = ? LIMIT ?`,
		userID, limit).WithContext(ctx).Iter()
	msgs, err := scanScyllaMessages(iter)
	if err != nil {
		return nil, fmt.Errorf("failed to query user messages: %w", err)
	}
	return msgs, nil
}

func scanScyllaMessages(iter *gocql.Iter) ([]model.ChatMessage, error) {
	msgs := []model.ChatMessage{}
	var (
		id  int64
		msg model.ChatMessage
	)
	for iter.Scan(&id, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.CreatedAt) {
		msg.ID = strconv.FormatInt(id, 10)
		msg.CreatedAt = msg.CreatedAt.UTC()
		msgs = append(msgs, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CreateUser claims the email and username with lightweight transactions
// before writing the user row.
func (s *ScyllaStore) CreateUser(ctx context.Context, user *model.User) error {
	id := uuid.NewString()
	email := normalizeEmail(user.Email)
	createdAt := time.Now().UTC().Truncate(time.Millisecond)

	claimed, err := s.claim(ctx, `INSERT INTO users_by_email (email, id) VALUES (?, ?) IF NOT EXISTS`, email, id)
	if err != nil || !claimed {
		return err
	}
	claimed, err = s.claim(ctx, `INSERT INTO users_by_username (username, id) VALUES (?, ?) IF NOT EXISTS`, user.Username, id)
	if err != nil || !claimed {
		if relErr := s.session.Query(`DELETE FROM users_by_email WHERE email = ? IF id = ?`, email, id).WithContext(ctx).Exec(); relErr != nil {
			return fmt.Errorf("failed to release email claim: %w", relErr)
		}
		return err
	}

	err = s.session.Query(`INSERT INTO users (id, username, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, user.Username, email, user.PasswordHash, createdAt).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ID = id
	user.Email = email
	user.CreatedAt = createdAt
	return nil
}

// claim reports ErrDuplicate as (false, ErrDuplicate).
func (s *ScyllaStore) claim(ctx context.Context, stmt string, key, id string) (bool, error) {
	applied, err := s.session.Query(stmt, key, id).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to create user: %w", err)
	}
	if !applied {
		return false, ErrDuplicate
	}
	return true, nil
}

func (s *ScyllaStore) UserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.session.Query(`SELECT id, username, email, password_hash, created_at FROM users WHERE id = ?`, id).
		WithContext(ctx).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *ScyllaStore) UserByEmail(ctx context.Context, email string) (*model.User, error) {
	var id string
	err := s.session.Query(`SELECT id FROM users_by_email WHERE email = ?`, normalizeEmail(email)).
		WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return s.UserByID(ctx, id)
}

func (s *ScyllaStore) ListUsers(ctx context.Context) ([]model.User, error) {
	iter := s.session.Query(`SELECT id, username, email, password_hash, created_at FROM users`).WithContext(ctx).Iter()
	users := []model.User{}
	var u model.User
	for iter.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt) {
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	slices.SortFunc(users, func(a, b model.User) int { return cmp.Compare(a.Username, b.Username) })
	return users, nil
}

// TouchConversation writes with the message time as the cell timestamp, so a
// replayed older event cannot overwrite a newer last_updated.
func (s *ScyllaStore) TouchConversation(ctx context.Context, msg model.ChatMessage) error {
	const q = `INSERT INTO user_conversations (user_id, other_user_id, last_updated) VALUES (?, ?, ?) USING TIMESTAMP ?`
	at := msg.CreatedAt.UnixMicro()

	if err := s.session.Query(q, msg.SenderID, msg.ReceiverID, msg.CreatedAt, at).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to update conversation for %s: %w", msg.SenderID, err)
	}
	if msg.SenderID == msg.ReceiverID {
		return nil
	}
	if err := s.session.Query(q, msg.ReceiverID, msg.SenderID, msg.CreatedAt, at).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to update conversation for %s: %w", msg.ReceiverID, err)
	}
	return nil
}

func (s *ScyllaStore) Conversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	iter := s.session.Query(`SELECT user_id, other_user_id, last_updated FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()
	convs := []model.Conversation{}
	var c model.Conversation
	for iter.Scan(&c.UserID, &c.OtherUserID, &c.LastUpdated) {
		c.LastUpdated = c.LastUpdated.UTC()
		convs = append(convs, c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	slices.SortFunc(convs, func(a, b model.Conversation) int { return b.LastUpdated.Compare(a.LastUpdated) })
	return convs, nil
}

func participants(senderID, receiverID string) []string {
	if senderID == receiverID {
		return []string{senderID}
	}
	return []string{senderID, receiverID}
}
