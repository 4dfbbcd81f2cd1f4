package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"listmail/backend/internal/domain"
)

// Store 使用内存保存列表、订阅者、设置与确认令牌，主要用于开发验证和测试。
type Store struct {
	mu            sync.RWMutex
	lists         map[string]*domain.List       // listID -> list
	byCID         map[string]string             // cid -> listID
	fields        map[string][]domain.Field     // listID -> fields
	subscribers   map[string]*domain.Subscriber // subscriberID -> subscriber
	bySubCID      map[string]string             // cid -> subscriberID
	byEmail       map[string]string             // listID:email -> subscriberID
	settings      map[string]string
	confirmations map[string]*domain.Confirmation // token -> confirmation
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		lists:         make(map[string]*domain.List),
		byCID:         make(map[string]string),
		fields:        make(map[string][]domain.Field),
		subscribers:   make(map[string]*domain.Subscriber),
		bySubCID:      make(map[string]string),
		byEmail:       make(map[string]string),
		settings:      make(map[string]string),
		confirmations: make(map[string]*domain.Confirmation),
	}
}

// emailKey 订阅者邮箱索引键，邮箱不区分大小写
func emailKey(listID, email string) string {
	return listID + ":" + strings.ToLower(email)
}

// ========== List Repository ==========

// SaveList 保存列表。
func (s *Store) SaveList(_ context.Context, list *domain.List) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lists[list.ID]; ok && old.CID != list.CID {
		delete(s.byCID, old.CID)
	}
	copied := *list
	s.lists[list.ID] = &copied
	s.byCID[list.CID] = list.ID
	return nil
}

// GetList 根据 ID 获取列表。
func (s *Store) GetList(_ context.Context, id string) (*domain.List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, ok := s.lists[id]
	if !ok {
		return nil, domain.ErrListNotFound
	}
	copied := *list
	return &copied, nil
}

// GetListByCID 根据公开 CID 获取列表。
func (s *Store) GetListByCID(ctx context.Context, cid string) (*domain.List, error) {
	s.mu.RLock()
	id, ok := s.byCID[cid]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrListNotFound
	}
	return s.GetList(ctx, id)
}

// SaveField 保存或替换列表字段（按 ID）。
func (s *Store) SaveField(_ context.Context, field *domain.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := s.fields[field.ListID]
	for i := range fields {
		if fields[i].ID == field.ID {
			fields[i] = *field
			return nil
		}
	}
	s.fields[field.ListID] = append(fields, *field)
	return nil
}

// ListFields 返回列表的全部字段。
func (s *Store) ListFields(_ context.Context, listID string) ([]domain.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := s.fields[listID]
	out := make([]domain.Field, len(fields))
	copy(out, fields)
	return out, nil
}

// ========== Subscriber Repository ==========

// SaveSubscriber 新建或更新订阅者。
func (s *Store) SaveSubscriber(_ context.Context, subscriber *domain.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEmail[emailKey(subscriber.ListID, subscriber.Email)]; ok && id != subscriber.ID {
		return domain.ErrSubscriberExists
	}
	if id, ok := s.bySubCID[subscriber.CID]; ok && id != subscriber.ID {
		return domain.ErrSubscriberExists
	}

	now := time.Now().UTC()
	if old, ok := s.subscribers[subscriber.ID]; ok {
		delete(s.bySubCID, old.CID)
		delete(s.byEmail, emailKey(old.ListID, old.Email))
		subscriber.CreatedAt = old.CreatedAt
	} else if subscriber.CreatedAt.IsZero() {
		subscriber.CreatedAt = now
	}
	subscriber.UpdatedAt = now

	s.subscribers[subscriber.ID] = cloneSubscriber(subscriber)
	s.bySubCID[subscriber.CID] = subscriber.ID
	s.byEmail[emailKey(subscriber.ListID, subscriber.Email)] = subscriber.ID
	return nil
}

// GetSubscriberByCID 根据订阅者 CID 获取订阅者，必须属于指定列表。
func (s *Store) GetSubscriberByCID(_ context.Context, listID, cid string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[s.bySubCID[cid]]
	if !ok || sub.ListID != listID {
		return nil, domain.ErrSubscriberNotFound
	}
	return cloneSubscriber(sub), nil
}

// GetSubscriberByEmail 根据邮箱获取列表中的订阅者。
func (s *Store) GetSubscriberByEmail(_ context.Context, listID, email string) (*domain.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscribers[s.byEmail[emailKey(listID, email)]]
	if !ok {
		return nil, domain.ErrSubscriberNotFound
	}
	return cloneSubscriber(sub), nil
}

func cloneSubscriber(sub *domain.Subscriber) *domain.Subscriber {
	copied := *sub
	if sub.Fields != nil {
		copied.Fields = make(map[string]string, len(sub.Fields))
		for k, v := range sub.Fields {
			copied.Fields[k] = v
		}
	}
	return &copied
}

// ========== Settings Repository ==========

// GetSettings 返回请求的设置值。
func (s *Store) GetSettings(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := s.settings[key]; ok {
			out[key] = value
		}
	}
	return out, nil
}

// SaveSettings 批量保存设置。
func (s *Store) SaveSettings(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range values {
		s.settings[k] = v
	}
	return nil
}

// ========== Confirmation Repository ==========

// SaveConfirmation 保存确认令牌。
func (s *Store) SaveConfirmation(_ context.Context, confirmation *domain.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *confirmation
	s.confirmations[confirmation.Token] = &copied
	return nil
}

// TakeConfirmation 取出并删除确认令牌。
func (s *Store) TakeConfirmation(_ context.Context, token string) (*domain.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	confirmation, ok := s.confirmations[token]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	delete(s.confirmations, token)
	return confirmation, nil
}

// PruneConfirmations 删除 before 之前签发的令牌，返回删除数量。
func (s *Store) PruneConfirmations(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, c := range s.confirmations {
		if c.IssuedAt.Before(before) {
			delete(s.confirmations, token)
			count++
		}
	}
	return count, nil
}

// Close 内存存储无需关闭。
func (s *Store) Close() error { return nil }

// Health 内存存储始终健康。
func (s *Store) Health() error { return nil }
