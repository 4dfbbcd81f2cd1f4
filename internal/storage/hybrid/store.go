package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"listmail/backend/internal/domain"
	"listmail/backend/internal/storage/redis"
	sqlstore "listmail/backend/internal/storage/sql"
)

// Store 混合存储实现：SQL 保存列表、订阅者和设置，Redis 保存确认令牌并缓存列表
type Store struct {
	*sqlstore.Store
	redis  *redis.Client
	tokens *redis.ConfirmationStore
	cache  *redis.Cache
	log    *zap.Logger
}

// Options 混合存储参数
type Options struct {
	ConfirmationTTL time.Duration // 确认令牌有效期
	ListCacheTTL    time.Duration // 列表缓存时间
}

// NewStore 创建混合存储实例
func NewStore(db *sqlstore.Store, client *redis.Client, opts Options, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ListCacheTTL <= 0 {
		opts.ListCacheTTL = 10 * time.Minute
	}
	return &Store{
		Store:  db,
		redis:  client,
		tokens: redis.NewConfirmationStore(client, opts.ConfirmationTTL),
		cache:  redis.NewCache(client, opts.ListCacheTTL),
		log:    log,
	}
}

// ========== List Repository ==========

// SaveList 保存列表并使缓存失效
func (s *Store) SaveList(ctx context.Context, list *domain.List) error {
	// CID 可能被修改，先删除旧缓存
	if old, err := s.Store.GetList(ctx, list.ID); err == nil && old.CID != list.CID {
		s.evict(ctx, old.CID)
	}
	if err := s.Store.SaveList(ctx, list); err != nil {
		return err
	}
	s.evict(ctx, list.CID)
	return nil
}

// GetListByCID 先查 Redis 缓存，未命中时查询数据库并回填
func (s *Store) GetListByCID(ctx context.Context, cid string) (*domain.List, error) {
	list, err := s.cache.GetCachedList(ctx, cid)
	if err == nil {
		return list, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("list cache read failed", zap.String("cid", cid), zap.Error(err))
	}

	list, err = s.Store.GetListByCID(ctx, cid)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheList(ctx, list); err != nil {
		s.log.Warn("list cache write failed", zap.String("cid", cid), zap.Error(err))
	}
	return list, nil
}

func (s *Store) evict(ctx context.Context, cid string) {
	if err := s.cache.DeleteCachedList(ctx, cid); err != nil {
		s.log.Warn("list cache eviction failed", zap.String("cid", cid), zap.Error(err))
	}
}

// ========== Confirmation Repository ==========

// SaveConfirmation 保存确认令牌到 Redis
func (s *Store) SaveConfirmation(ctx context.Context, confirmation *domain.Confirmation) error {
	return s.tokens.SaveConfirmation(ctx, confirmation)
}

// TakeConfirmation 从 Redis 兑换确认令牌
func (s *Store) TakeConfirmation(ctx context.Context, token string) (*domain.Confirmation, error) {
	return s.tokens.TakeConfirmation(ctx, token)
}

// PruneConfirmations Redis 令牌依靠 TTL 过期，这里无需处理
func (s *Store) PruneConfirmations(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close 关闭数据库与 Redis 连接
func (s *Store) Close() error {
	return errors.Join(s.Store.Close(), s.redis.Close())
}

// Health 检查数据库与 Redis 健康状态
func (s *Store) Health() error {
	if err := s.Store.Health(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
