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

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache 列表数据的 Redis 缓存。列表读多写少，订阅页面每次都会读取。
type Cache struct {
	client *Client
	ttl    time.Duration
}

// NewCache 创建列表缓存
func NewCache(client *Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func listKey(cid string) string {
	return fmt.Sprintf("list:cid:%s", cid)
}

// CacheList 缓存列表信息
func (c *Cache) CacheList(ctx context.Context, list *domain.List) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, listKey(list.CID), data, c.ttl).Err()
}

// GetCachedList 获取缓存的列表信息
func (c *Cache) GetCachedList(ctx context.Context, cid string) (*domain.List, error) {
	data, err := c.client.rdb.Get(ctx, listKey(cid)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var list domain.List
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DeleteCachedList 删除缓存的列表信息
func (c *Cache) DeleteCachedList(ctx context.Context, cid string) error {
	return c.client.rdb.Del(ctx, listKey(cid)).Err()
}
