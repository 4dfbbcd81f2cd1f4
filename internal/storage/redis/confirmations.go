package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"listmail/backend/internal/domain"
)

// ConfirmationStore 使用 Redis 保存确认令牌，过期由 Redis TTL 负责
type ConfirmationStore struct {
	client *Client
	ttl    time.Duration
}

// NewConfirmationStore 创建令牌存储；ttl<=0 表示不过期
func NewConfirmationStore(client *Client, ttl time.Duration) *ConfirmationStore {
	return &ConfirmationStore{client: client, ttl: ttl}
}

func confirmationKey(token string) string {
	return fmt.Sprintf("confirmation:%s", token)
}

// SaveConfirmation 保存确认令牌
func (s *ConfirmationStore) SaveConfirmation(ctx context.Context, confirmation *domain.Confirmation) error {
	data, err := json.Marshal(confirmation)
	if err != nil {
		return err
	}
	return s.client.rdb.Set(ctx, confirmationKey(confirmation.Token), data, s.ttl).Err()
}

// TakeConfirmation 使用 GETDEL 原子地读取并删除令牌
func (s *ConfirmationStore) TakeConfirmation(ctx context.Context, token string) (*domain.Confirmation, error) {
	data, err := s.client.rdb.GetDel(ctx, confirmationKey(token)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, err
	}

	var confirmation domain.Confirmation
	if err := json.Unmarshal([]byte(data), &confirmation); err != nil {
		return nil, fmt.Errorf("corrupt confirmation %s: %w", token, err)
	}
	return &confirmation, nil
}
