package storage

import (
	"context"

	"listmail/backend/internal/domain"
)

// ListRepository 定义列表及自定义字段的读写操作。
// 列表管理本身不在本服务范围内，这里只提供订阅流程需要的访问器。
type ListRepository interface {
	SaveList(ctx context.Context, list *domain.List) error
	GetList(ctx context.Context, id string) (*domain.List, error)
	GetListByCID(ctx context.Context, cid string) (*domain.List, error)
	SaveField(ctx context.Context, field *domain.Field) error
	ListFields(ctx context.Context, listID string) ([]domain.Field, error)
}

// SubscriberRepository 定义订阅者数据存取操作。
type SubscriberRepository interface {
	SaveSubscriber(ctx context.Context, subscriber *domain.Subscriber) error
	GetSubscriberByCID(ctx context.Context, listID, cid string) (*domain.Subscriber, error)
	GetSubscriberByEmail(ctx context.Context, listID, email string) (*domain.Subscriber, error)
}

// SettingsRepository 定义键值设置的读写操作。
type SettingsRepository interface {
	// GetSettings 返回请求键中已保存的值，未保存的键不出现在结果中
	GetSettings(ctx context.Context, keys ...string) (map[string]string, error)
	SaveSettings(ctx context.Context, values map[string]string) error
}

// ConfirmationRepository 定义确认令牌的保存与一次性兑换。
type ConfirmationRepository interface {
	SaveConfirmation(ctx context.Context, confirmation *domain.Confirmation) error
	// TakeConfirmation 原子地读取并删除令牌，不存在时返回 domain.ErrTokenNotFound
	TakeConfirmation(ctx context.Context, token string) (*domain.Confirmation, error)
}

// Store 定义完整的存储接口。
type Store interface {
	ListRepository
	SubscriberRepository
	SettingsRepository
	ConfirmationRepository

	// 工具方法
	Close() error
	Health() error
}
