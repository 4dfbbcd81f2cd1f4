package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"listmail/backend/internal/domain"
	"listmail/backend/internal/storage"
)

// ConfirmationTokenStore 签发并兑换双重确认令牌
type ConfirmationTokenStore struct {
	repo storage.ConfirmationRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewConfirmationTokenStore 创建令牌存储，ttl<=0 表示令牌不过期
func NewConfirmationTokenStore(repo storage.ConfirmationRepository, ttl time.Duration) *ConfirmationTokenStore {
	return &ConfirmationTokenStore{repo: repo, ttl: ttl, now: time.Now}
}

// NewToken 生成 64 位十六进制的不可猜测令牌
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// Issue 保存待确认数据并返回新令牌
func (s *ConfirmationTokenStore) Issue(ctx context.Context, listID, email string, profile domain.Profile, ip string) (string, error) {
	confirmation := &domain.Confirmation{
		Token:    NewToken(),
		ListID:   listID,
		Email:    email,
		Profile:  profile,
		OptInIP:  ip,
		IssuedAt: s.now().UTC(),
	}
	if err := s.repo.SaveConfirmation(ctx, confirmation); err != nil {
		return "", fmt.Errorf("save confirmation: %w", err)
	}
	return confirmation.Token, nil
}

// Redeem 兑换令牌，成功后令牌失效。未知、已兑换或已过期的令牌返回 domain.ErrTokenNotFound
func (s *ConfirmationTokenStore) Redeem(ctx context.Context, token string) (*domain.Confirmation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrTokenNotFound
	}
	confirmation, err := s.repo.TakeConfirmation(ctx, token)
	if err != nil {
		return nil, err
	}
	if confirmation.Expired(s.now(), s.ttl) {
		return nil, domain.ErrTokenNotFound
	}
	return confirmation, nil
}
