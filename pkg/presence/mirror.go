package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/callrelay/pkg/model"
	"github.com/redis/go-redis/v9"
)

const (
	onlineKey     = "presence:online"
	usernamesKey  = "presence:usernames"
	mirrorTimeout = 2 * time.Second
)

// Mirror receives the registry's online/offline state for readers outside
// the gateway process, such as the HTTP API.
type Mirror interface {
	SetOnline(ctx context.Context, identity model.Identity) error
	SetOffline(ctx context.Context, userID string) error
}

type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) SetOnline(ctx context.Context, identity model.Identity) error {
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, onlineKey, identity.ID)
	pipe.HSet(ctx, usernamesKey, identity.ID, identity.Username)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set online: %w", err)
	}
	return nil
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, onlineKey, userID)
	pipe.HDel(ctx, usernamesKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set offline: %w", err)
	}
	return nil
}

// Reset clears mirrored state left behind by a previous gateway process.
func (m *RedisMirror) Reset(ctx context.Context) error {
	if err := m.client.Del(ctx, onlineKey, usernamesKey).Err(); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	return nil
}

// OnlineUsers reads the mirrored online set.
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]model.Identity, error) {
	ids, err := m.client.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(ids) == 0 {
		return []model.Identity{}, nil
	}

	names, err := m.client.HMGet(ctx, usernamesKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usernames: %w", err)
	}

	users := make([]model.Identity, 0, len(ids))
	for i, id := range ids {
		name, _ := names[i].(string)
		users = append(users, model.Identity{ID: id, Username: name})
	}
	return users, nil
}
