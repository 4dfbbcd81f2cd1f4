// Package app 组装服务进程与命令行工具共用的存储和发信组件。
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"listmail/backend/internal/config"
	"listmail/backend/internal/domain"
	"listmail/backend/internal/mail"
	"listmail/backend/internal/service"
	"listmail/backend/internal/storage"
	"listmail/backend/internal/storage/filesystem"
	"listmail/backend/internal/storage/hybrid"
	"listmail/backend/internal/storage/memory"
	"listmail/backend/internal/storage/redis"
	sqlstore "listmail/backend/internal/storage/sql"
)

// ListCacheTTL Redis 中列表缓存的有效期
const ListCacheTTL = 5 * time.Minute

// ConfirmationPruner 清理过期确认令牌的存储
type ConfirmationPruner interface {
	PruneConfirmations(ctx context.Context, before time.Time) (int, error)
}

// OpenStore 按配置选择存储：未配置数据库时使用内存存储，启用 Redis 时使用 SQL + Redis 混合存储
func OpenStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	dbType := strings.ToLower(cfg.Database.Type)
	if dbType == "" || dbType == "memory" || cfg.Database.DSN == "" {
		log.Info("Using memory storage")
		return memory.NewStore(), nil
	}

	db, err := sqlstore.NewStore(dbType, cfg.Database.DSN, sqlstore.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		SkipMigrate:     !cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", dbType, err)
	}
	if !cfg.Redis.Enabled {
		log.Info("Using database storage", zap.String("type", dbType))
		return db, nil
	}

	client, err := redis.New(&cfg.Redis, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open redis: %w", err)
	}
	log.Info("Using hybrid storage", zap.String("type", dbType), zap.String("redis", cfg.Redis.Address))
	return hybrid.NewStore(db, client, hybrid.Options{
		ConfirmationTTL: cfg.Confirmation.TTL,
		ListCacheTTL:    ListCacheTTL,
	}, log), nil
}

// MailStack 模板、传输与分发器
type MailStack struct {
	Templates  *mail.TemplateCache
	Transport  *mail.MailTransport
	Dispatcher *mail.Dispatcher
}

// NewMailStack 创建发信组件；模板目录中的文件覆盖内置模板
func NewMailStack(cfg *config.Config, settings mail.SettingsReader, recorder mail.DispatchRecorder, log *zap.Logger) (*MailStack, error) {
	source, err := filesystem.NewTemplateStore(cfg.Templates.Dir, mail.DefaultTemplates())
	if err != nil {
		return nil, err
	}
	templates := mail.NewTemplateCache(source, log)
	transport := mail.NewMailTransport(settings, log)

	var opts []mail.DispatcherOption
	if recorder != nil {
		opts = append(opts, mail.WithRecorder(recorder))
	}
	return &MailStack{
		Templates:  templates,
		Transport:  transport,
		Dispatcher: mail.NewDispatcher(templates, transport, log, opts...),
	}, nil
}

// SeedSettings 把启动配置写入尚未保存的设置键
func SeedSettings(ctx context.Context, settings *service.SettingsService, cfg *config.Config, log *zap.Logger) error {
	var pgpKey string
	if cfg.Mail.PGPKeyFile != "" {
		content, err := os.ReadFile(cfg.Mail.PGPKeyFile)
		if err != nil {
			return fmt.Errorf("read pgp key file: %w", err)
		}
		pgpKey = string(content)
	}

	n, err := settings.SeedDefaults(ctx, service.DefaultSettings(cfg.Mail, cfg.Server.PublicURL, pgpKey))
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if n > 0 {
		log.Info("Seeded mail settings from configuration", zap.Int("keys", n))
	}
	return nil
}

// CreateList 创建邮件列表，cid 为空时自动生成
func CreateList(ctx context.Context, lists storage.ListRepository, name, cid string) (*domain.List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: list name not set", domain.ErrValidation)
	}
	if cid == "" {
		cid = strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	}
	switch _, err := lists.GetListByCID(ctx, cid); {
	case err == nil:
		return nil, fmt.Errorf("%w: list cid %q already exists", domain.ErrValidation, cid)
	case !domain.IsNotFound(err):
		return nil, err
	}

	list := &domain.List{
		ID:        uuid.NewString(),
		CID:       cid,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := lists.SaveList(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}
