package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"listmail/backend/internal/config"
	"listmail/backend/internal/domain"
	"listmail/backend/internal/mail"
	"listmail/backend/internal/storage"
)

// MaskedValue 读取设置时替代敏感值的占位符，写回时忽略
const MaskedValue = "********"

var secretSettings = map[string]bool{
	domain.SettingSMTPPass:      true,
	domain.SettingPGPPrivateKey: true,
	domain.SettingPGPPassphrase: true,
	domain.SettingSESSecretKey:  true,
}

// TransportController 控制邮件传输的重建
type TransportController interface {
	Configure(ctx context.Context) error
	Invalidate()
	Send(ctx context.Context, msg *mail.Message) error
}

// SettingsService 管理发信设置
type SettingsService struct {
	repo      storage.SettingsRepository
	transport TransportController
	log       *zap.Logger
}

// NewSettingsService 创建设置服务
func NewSettingsService(repo storage.SettingsRepository, transport TransportController, log *zap.Logger) *SettingsService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettingsService{repo: repo, transport: transport, log: log}
}

func knownSetting(key string) bool {
	for _, k := range domain.TransportSettingKeys {
		if k == key {
			return true
		}
	}
	for _, k := range domain.MessageSettingKeys {
		if k == key {
			return true
		}
	}
	return false
}

func isTransportSetting(key string) bool {
	for _, k := range domain.TransportSettingKeys {
		if k == key {
			return true
		}
	}
	return false
}

// GetSettings 返回全部发信设置，敏感值以占位符替代
func (s *SettingsService) GetSettings(ctx context.Context) (map[string]string, error) {
	keys := append(append([]string{}, domain.TransportSettingKeys...), domain.MessageSettingKeys...)
	values, err := s.repo.GetSettings(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v := values[k]
		if secretSettings[k] && v != "" {
			v = MaskedValue
		}
		out[k] = v
	}
	return out, nil
}

// UpdateSettings 保存设置。修改了传输相关的键时先校验合并后的结果，再让传输在下次发送时重建
func (s *SettingsService) UpdateSettings(ctx context.Context, values map[string]string) error {
	changes := make(map[string]string, len(values))
	transportChanged := false
	for k, v := range values {
		if !knownSetting(k) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownSetting, k)
		}
		if secretSettings[k] && v == MaskedValue {
			continue
		}
		changes[k] = strings.TrimSpace(v)
		if isTransportSetting(k) {
			transportChanged = true
		}
	}
	if len(changes) == 0 {
		return nil
	}

	if transportChanged {
		current, err := s.repo.GetSettings(ctx, domain.TransportSettingKeys...)
		if err != nil {
			return err
		}
		merged := make(map[string]string, len(current)+len(changes))
		for k, v := range current {
			merged[k] = v
		}
		for k, v := range changes {
			if isTransportSetting(k) {
				merged[k] = v
			}
		}
		if _, err := mail.ParseTransportSettings(merged); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
	}

	if err := s.repo.SaveSettings(ctx, changes); err != nil {
		return err
	}
	if transportChanged {
		s.transport.Invalidate()
	}
	s.log.Info("Settings updated", zap.Int("keys", len(changes)), zap.Bool("transport", transportChanged))
	return nil
}

// ReloadTransport 立即按当前设置重建传输
func (s *SettingsService) ReloadTransport(ctx context.Context) error {
	if err := s.transport.Configure(ctx); err != nil {
		return err
	}
	s.log.Info("Mail transport reloaded")
	return nil
}

// SendTestMail 同步发送一封测试邮件，返回发送结果
func (s *SettingsService) SendTestMail(ctx context.Context, to, subject string) error {
	to = domain.NormalizeEmail(to)
	if err := domain.ValidateEmail(to); err != nil {
		return err
	}
	if subject == "" {
		subject = "Test message"
	}

	settings, err := s.repo.GetSettings(ctx, domain.MessageSettingKeys...)
	if err != nil {
		return err
	}
	msg := &mail.Message{
		Envelope: mail.Envelope{
			From:    mail.Address{Name: settings[domain.SettingDefaultFrom], Email: settings[domain.SettingDefaultAddress]},
			To:      mail.Address{Email: to},
			Subject: subject,
		},
		Text: "This is a test message sent with the current mail transport settings.\n",
	}
	return s.transport.Send(ctx, msg)
}

// SeedDefaults 把默认值写入尚未保存的设置键，返回写入的键数
func (s *SettingsService) SeedDefaults(ctx context.Context, defaults map[string]string) (int, error) {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	existing, err := s.repo.GetSettings(ctx, keys...)
	if err != nil {
		return 0, err
	}

	missing := make(map[string]string)
	for k, v := range defaults {
		if _, ok := existing[k]; ok || v == "" {
			continue
		}
		missing[k] = v
	}
	if len(missing) == 0 {
		return 0, nil
	}
	if err := s.repo.SaveSettings(ctx, missing); err != nil {
		return 0, err
	}
	return len(missing), nil
}

// DefaultSettings 由启动配置生成设置默认值，pgpKey 为已读取的私钥内容
func DefaultSettings(cfg config.MailConfig, publicURL, pgpKey string) map[string]string {
	return map[string]string{
		domain.SettingMailTransport:      cfg.Transport,
		domain.SettingSMTPHostname:       cfg.SMTPHost,
		domain.SettingSMTPPort:           strconv.Itoa(cfg.SMTPPort),
		domain.SettingSMTPEncryption:     cfg.SMTPEncryption,
		domain.SettingSMTPUser:           cfg.SMTPUser,
		domain.SettingSMTPPass:           cfg.SMTPPass,
		domain.SettingSMTPDisableAuth:    strconv.FormatBool(cfg.SMTPDisableAuth),
		domain.SettingSMTPSelfSigned:     strconv.FormatBool(cfg.SMTPSelfSigned),
		domain.SettingSMTPLog:            strconv.FormatBool(cfg.SMTPLog),
		domain.SettingSMTPMaxConnections: strconv.Itoa(cfg.SMTPMaxConnections),
		domain.SettingSMTPMaxMessages:    strconv.Itoa(cfg.SMTPMaxMessages),
		domain.SettingDefaultFrom:        cfg.DefaultFrom,
		domain.SettingDefaultAddress:     cfg.DefaultAddress,
		domain.SettingDefaultHomepage:    cfg.DefaultHomepage,
		domain.SettingServiceURL:         publicURL,
		domain.SettingPGPPrivateKey:      pgpKey,
		domain.SettingPGPPassphrase:      cfg.PGPPassphrase,
		domain.SettingSESRegion:          cfg.SESRegion,
		domain.SettingSESAccessKey:       cfg.SESAccessKey,
		domain.SettingSESSecretKey:       cfg.SESSecretKey,
	}
}
