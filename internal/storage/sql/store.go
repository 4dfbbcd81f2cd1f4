package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"listmail/backend/internal/domain"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *gorm.DB
	sqlDB      *sql.DB
	driverName string // "mysql" or "postgres"
}

// Options 连接池参数
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SkipMigrate     bool // 由 cmd/migrate 管理表结构时跳过 AutoMigrate
}

// NewStore 创建SQL数据库存储
func NewStore(driverName, dsn string, opts Options) (*Store, error) {
	if driverName == "postgresql" {
		driverName = "postgres"
	}
	// 验证驱动类型
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	// 打开数据库连接
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{db: gormDB, sqlDB: db, driverName: driverName}

	if !opts.SkipMigrate {
		if err := store.migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// NewStoreWithDB 使用已初始化的 GORM 实例创建存储，不执行迁移
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return &Store{db: db, sqlDB: sqlDB, driverName: db.Dialector.Name()}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent), // 静默模式
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.List{},
		&domain.Field{},
		&domain.Subscriber{},
		&domain.Setting{},
		&domain.Confirmation{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.sqlDB != nil {
		return s.sqlDB.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.sqlDB == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.sqlDB.Ping()
}

// DB 返回底层 sql.DB，供健康检查与迁移使用
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// notFound 将 gorm 的记录不存在错误转换为领域错误
func notFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// ========== List Repository ==========

// SaveList 保存列表
func (s *Store) SaveList(ctx context.Context, list *domain.List) error {
	return s.db.WithContext(ctx).Save(list).Error
}

// GetList 根据 ID 获取列表
func (s *Store) GetList(ctx context.Context, id string) (*domain.List, error) {
	var list domain.List
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&list).Error; err != nil {
		return nil, notFound(err, domain.ErrListNotFound)
	}
	return &list, nil
}

// GetListByCID 根据公开 CID 获取列表
func (s *Store) GetListByCID(ctx context.Context, cid string) (*domain.List, error) {
	var list domain.List
	if err := s.db.WithContext(ctx).Where("cid = ?", cid).First(&list).Error; err != nil {
		return nil, notFound(err, domain.ErrListNotFound)
	}
	return &list, nil
}

// SaveField 保存列表字段
func (s *Store) SaveField(ctx context.Context, field *domain.Field) error {
	return s.db.WithContext(ctx).Save(field).Error
}

// ListFields 返回列表的全部字段
func (s *Store) ListFields(ctx context.Context, listID string) ([]domain.Field, error) {
	var fields []domain.Field
	err := s.db.WithContext(ctx).Where("list_id = ?", listID).Order("created_at").Find(&fields).Error
	return fields, err
}

// ========== Subscriber Repository ==========

// SaveSubscriber 新建或更新订阅者
func (s *Store) SaveSubscriber(ctx context.Context, subscriber *domain.Subscriber) error {
	err := s.db.WithContext(ctx).Save(subscriber).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrSubscriberExists
	}
	return err
}

// GetSubscriberByCID 根据 CID 获取列表中的订阅者
func (s *Store) GetSubscriberByCID(ctx context.Context, listID, cid string) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	err := s.db.WithContext(ctx).Where("list_id = ? AND cid = ?", listID, cid).First(&sub).Error
	if err != nil {
		return nil, notFound(err, domain.ErrSubscriberNotFound)
	}
	return &sub, nil
}

// GetSubscriberByEmail 根据邮箱获取列表中的订阅者（不区分大小写）
func (s *Store) GetSubscriberByEmail(ctx context.Context, listID, email string) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	err := s.db.WithContext(ctx).Where("list_id = ? AND LOWER(email) = LOWER(?)", listID, email).First(&sub).Error
	if err != nil {
		return nil, notFound(err, domain.ErrSubscriberNotFound)
	}
	return &sub, nil
}

// ========== Settings Repository ==========

// GetSettings 批量读取设置
func (s *Store) GetSettings(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var rows []domain.Setting
	if err := s.db.WithContext(ctx).Where("setting_key IN ?", keys).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// SaveSettings 批量写入设置（存在则更新）
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}

	rows := make([]domain.Setting, 0, len(values))
	for k, v := range values {
		rows = append(rows, domain.Setting{Key: k, Value: v})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&rows).Error
}

// ========== Confirmation Repository ==========

// SaveConfirmation 保存确认令牌
func (s *Store) SaveConfirmation(ctx context.Context, confirmation *domain.Confirmation) error {
	return s.db.WithContext(ctx).Create(confirmation).Error
}

// TakeConfirmation 在事务中锁定、读取并删除确认令牌
func (s *Store) TakeConfirmation(ctx context.Context, token string) (*domain.Confirmation, error) {
	var confirmation domain.Confirmation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", token).
			First(&confirmation).Error
		if err != nil {
			return notFound(err, domain.ErrTokenNotFound)
		}

		result := tx.Where("token = ?", token).Delete(&domain.Confirmation{})
		if result.Error != nil {
			return result.Error
		}
		// 并发兑换时只有删除成功的一方有效
		if result.RowsAffected == 0 {
			return domain.ErrTokenNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &confirmation, nil
}

// PruneConfirmations 删除 before 之前签发的令牌
func (s *Store) PruneConfirmations(ctx context.Context, before time.Time) (int, error) {
	result := s.db.WithContext(ctx).Where("issued_at < ?", before).Delete(&domain.Confirmation{})
	return int(result.RowsAffected), result.Error
}
