package mail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"listmail/backend/internal/domain"
)

var now = time.Now

// 传输驱动名称
const (
	DriverSMTP = "smtp"
	DriverSES  = "ses"
)

// SettingsReader 读取键值设置
type SettingsReader interface {
	GetSettings(ctx context.Context, keys ...string) (map[string]string, error)
}

// Sender 底层发信驱动，接收已编码的 MIME 邮件
type Sender interface {
	Send(ctx context.Context, from string, to []string, raw []byte) error
	Close() error
}

// SenderFactory 根据设置创建发信驱动
type SenderFactory func(ctx context.Context, settings TransportSettings, log *zap.Logger) (Sender, error)

// TransportSettings 由设置存储解析出的传输配置
type TransportSettings struct {
	Driver         string
	Host           string
	Port           int
	Encryption     string
	User           string
	Pass           string
	DisableAuth    bool
	SelfSigned     bool
	Log            bool
	MaxConnections int
	MaxMessages    int
	PGPPrivateKey  string
	PGPPassphrase  string
	SESRegion      string
	SESAccessKey   string
	SESSecretKey   string
}

// ParseTransportSettings 解析并校验传输设置
func ParseTransportSettings(values map[string]string) (TransportSettings, error) {
	s := TransportSettings{
		Driver:        strings.ToLower(strings.TrimSpace(values[domain.SettingMailTransport])),
		Host:          strings.TrimSpace(values[domain.SettingSMTPHostname]),
		Encryption:    strings.ToUpper(strings.TrimSpace(values[domain.SettingSMTPEncryption])),
		User:          values[domain.SettingSMTPUser],
		Pass:          values[domain.SettingSMTPPass],
		DisableAuth:   parseBool(values[domain.SettingSMTPDisableAuth]),
		SelfSigned:    parseBool(values[domain.SettingSMTPSelfSigned]),
		Log:           parseBool(values[domain.SettingSMTPLog]),
		PGPPrivateKey: strings.TrimSpace(values[domain.SettingPGPPrivateKey]),
		PGPPassphrase: values[domain.SettingPGPPassphrase],
		SESRegion:     strings.TrimSpace(values[domain.SettingSESRegion]),
		SESAccessKey:  values[domain.SettingSESAccessKey],
		SESSecretKey:  values[domain.SettingSESSecretKey],
	}
	if s.Driver == "" {
		s.Driver = DriverSMTP
	}
	if s.Encryption == "" {
		s.Encryption = domain.EncryptionSTARTTLS
	}

	var err error
	if s.Port, err = parseInt(values[domain.SettingSMTPPort], 587); err != nil {
		return s, fmt.Errorf("invalid %s: %w", domain.SettingSMTPPort, err)
	}
	if s.MaxConnections, err = parseInt(values[domain.SettingSMTPMaxConnections], 5); err != nil {
		return s, fmt.Errorf("invalid %s: %w", domain.SettingSMTPMaxConnections, err)
	}
	if s.MaxMessages, err = parseInt(values[domain.SettingSMTPMaxMessages], 100); err != nil {
		return s, fmt.Errorf("invalid %s: %w", domain.SettingSMTPMaxMessages, err)
	}

	switch s.Driver {
	case DriverSMTP:
		if s.Host == "" {
			return s, fmt.Errorf("%s not set", domain.SettingSMTPHostname)
		}
		switch s.Encryption {
		case domain.EncryptionTLS, domain.EncryptionSTARTTLS, domain.EncryptionNone:
		default:
			return s, fmt.Errorf("unsupported %s %q", domain.SettingSMTPEncryption, s.Encryption)
		}
	case DriverSES:
		if s.SESRegion == "" {
			return s, fmt.Errorf("%s not set", domain.SettingSESRegion)
		}
	default:
		return s, fmt.Errorf("unsupported %s %q", domain.SettingMailTransport, s.Driver)
	}
	return s, nil
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b
}

func parseInt(v string, def int) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return def, nil
	}
	return n, nil
}

// Channel 已构建的发信通道：驱动 + 可选的加密阶段
type Channel struct {
	sender     Sender
	pgp        *pgpStage
	settings   TransportSettings
	generation uint64
}

// Settings 返回构建该通道时使用的设置
func (c *Channel) Settings() TransportSettings { return c.settings }

// Send 编码、按需加密并发送邮件
func (c *Channel) Send(ctx context.Context, msg *Message) error {
	raw, err := Compose(msg)
	if err != nil {
		return err
	}
	if c.pgp != nil {
		if raw, _, err = c.pgp.Apply(raw, msg.EncryptionKeys); err != nil {
			return err
		}
	}
	return c.sender.Send(ctx, msg.From.Email, []string{msg.To.Email}, raw)
}

// MailTransport 进程内唯一的发信传输
//
// 首次使用时从设置存储读取配置并构建，并发的首次调用共享同一次构建。
// 构建失败不会被缓存，下一次发送会重新尝试。Invalidate 之后下次使用时重建。
// generation 在每次 Invalidate/Configure 时递增，构建期间代数变化的通道不会被安装。
type MailTransport struct {
	settings  SettingsReader
	factories map[string]SenderFactory
	log       *zap.Logger

	mu         sync.RWMutex
	current    *Channel
	generation uint64
	group      singleflight.Group
}

// NewMailTransport 创建传输，默认注册 smtp 与 ses 驱动
func NewMailTransport(settings SettingsReader, log *zap.Logger) *MailTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &MailTransport{
		settings: settings,
		factories: map[string]SenderFactory{
			DriverSMTP: NewSMTPSender,
			DriverSES:  NewSESSender,
		},
		log: log,
	}
}

// RegisterDriver 注册或替换发信驱动
func (t *MailTransport) RegisterDriver(name string, factory SenderFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[name] = factory
}

// EnsureConfigured 返回当前通道，尚未构建时触发构建
func (t *MailTransport) EnsureConfigured(ctx context.Context) (*Channel, error) {
	t.mu.RLock()
	ch := t.current
	t.mu.RUnlock()
	if ch != nil {
		return ch, nil
	}

	v, err, _ := t.group.Do("build", func() (any, error) {
		t.mu.RLock()
		ch := t.current
		t.mu.RUnlock()
		if ch != nil {
			return ch, nil
		}
		return t.rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

// Configure 强制按当前设置重建通道。
// 与进行中的构建合并时，只接受在本次调用之后读取设置的结果。
func (t *MailTransport) Configure(ctx context.Context) error {
	t.mu.Lock()
	t.generation++
	want := t.generation
	t.mu.Unlock()

	for {
		v, err, _ := t.group.Do("build", func() (any, error) {
			return t.rebuild(ctx)
		})
		if err != nil {
			return err
		}
		if v.(*Channel).generation >= want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Invalidate 丢弃当前通道，下次使用时重建
func (t *MailTransport) Invalidate() {
	t.mu.Lock()
	t.generation++
	old := t.current
	t.current = nil
	t.mu.Unlock()

	if old != nil {
		t.closeSender(old)
		t.log.Info("mail transport invalidated")
	}
}

// Send 确保通道可用后发送；构建失败包装为 ErrConfiguration，发送失败包装为 ErrDelivery
func (t *MailTransport) Send(ctx context.Context, msg *Message) error {
	ch, err := t.EnsureConfigured(ctx)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	return nil
}

// PublicKey 导出已配置签名私钥对应的公钥
//
// 未配置私钥或口令无法解密时返回 domain.ErrSigningKeyMissing。
func (t *MailTransport) PublicKey(ctx context.Context) ([]byte, error) {
	values, err := t.settings.GetSettings(ctx, domain.SettingPGPPrivateKey, domain.SettingPGPPassphrase)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(values[domain.SettingPGPPrivateKey])
	if key == "" {
		return nil, domain.ErrSigningKeyMissing
	}
	stage, err := newPGPStage(key, values[domain.SettingPGPPassphrase], t.log)
	if err != nil {
		t.log.Warn("signing key unusable", zap.Error(err))
		return nil, domain.ErrSigningKeyMissing
	}
	return stage.PublicKey()
}

// Close 关闭当前通道
func (t *MailTransport) Close() error {
	t.mu.Lock()
	t.generation++
	old := t.current
	t.current = nil
	t.mu.Unlock()

	if old != nil {
		return old.sender.Close()
	}
	return nil
}

// rebuild 构建新通道并替换旧通道；构建期间被 Invalidate 时丢弃结果重新构建
func (t *MailTransport) rebuild(ctx context.Context) (*Channel, error) {
	for {
		t.mu.RLock()
		gen := t.generation
		t.mu.RUnlock()

		ch, err := t.build(ctx)
		if err != nil {
			return nil, err
		}
		ch.generation = gen

		t.mu.Lock()
		if t.generation != gen {
			t.mu.Unlock()
			t.closeSender(ch)
			t.log.Info("mail transport invalidated during build, rebuilding")
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		old := t.current
		t.current = ch
		t.mu.Unlock()
		if old != nil {
			t.closeSender(old)
		}

		t.log.Info("mail transport configured",
			zap.String("driver", ch.settings.Driver),
			zap.String("host", ch.settings.Host),
			zap.Int("port", ch.settings.Port),
			zap.String("encryption", ch.settings.Encryption),
			zap.Bool("pgp", ch.pgp != nil),
		)
		return ch, nil
	}
}

// build 读取设置并构建通道
func (t *MailTransport) build(ctx context.Context) (*Channel, error) {
	values, err := t.settings.GetSettings(ctx, domain.TransportSettingKeys...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read settings: %v", domain.ErrConfiguration, err)
	}
	settings, err := ParseTransportSettings(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	var stage *pgpStage
	if settings.PGPPrivateKey != "" {
		if stage, err = newPGPStage(settings.PGPPrivateKey, settings.PGPPassphrase, t.log); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
	}

	t.mu.RLock()
	factory, ok := t.factories[settings.Driver]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no driver registered for %q", domain.ErrConfiguration, settings.Driver)
	}
	sender, err := factory(ctx, settings, t.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	return &Channel{sender: sender, pgp: stage, settings: settings}, nil
}

func (t *MailTransport) closeSender(ch *Channel) {
	if err := ch.sender.Close(); err != nil {
		t.log.Warn("failed to close previous mail transport", zap.Error(err))
	}
}
