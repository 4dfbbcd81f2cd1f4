package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"listmail/backend/internal/domain"
	"listmail/backend/internal/mail"
	"listmail/backend/internal/monitoring"
	"listmail/backend/internal/storage"
)

// 订阅通知模板
const (
	templateConfirmHTML      = "subscription/mail-confirm-html.html"
	templateConfirmText      = "subscription/mail-confirm-html.txt"
	templateConfirmedHTML    = "subscription/mail-subscription-confirmed-html.html"
	templateConfirmedText    = "subscription/mail-subscription-confirmed-html.txt"
	templateUnsubscribedHTML = "subscription/mail-unsubscribe-confirmed-html.html"
)

// Executor 异步执行发信任务，队列满时返回 false
type Executor interface {
	TrySubmit(task func()) bool
}

// MailDispatcher 渲染并发送一封邮件
type MailDispatcher interface {
	Dispatch(ctx context.Context, env mail.Envelope, ref mail.TemplateRef) error
}

// PublicKeyExporter 导出签名公钥
type PublicKeyExporter interface {
	PublicKey(ctx context.Context) ([]byte, error)
}

// EventRecorder 记录订阅事件与被丢弃的发信任务
type EventRecorder interface {
	RecordSubscriptionEvent(event string)
	RecordDispatchDropped()
}

// SubscriptionOptions 订阅服务的可选配置
type SubscriptionOptions struct {
	// PublicURL 在 serviceUrl 设置为空时用于拼接邮件中的链接
	PublicURL       string
	DispatchTimeout time.Duration
	Recorder        EventRecorder
	PublicKeys      PublicKeyExporter
}

// SubscriptionService 订阅生命周期：申请、确认、更新资料、退订
type SubscriptionService struct {
	store      storage.Store
	tokens     *ConfirmationTokenStore
	dispatcher MailDispatcher
	executor   Executor
	recorder   EventRecorder
	keys       PublicKeyExporter
	publicURL  string
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewSubscriptionService 创建订阅服务
func NewSubscriptionService(
	store storage.Store,
	tokens *ConfirmationTokenStore,
	dispatcher MailDispatcher,
	executor Executor,
	opts SubscriptionOptions,
	log *zap.Logger,
) *SubscriptionService {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = time.Minute
	}
	return &SubscriptionService{
		store:      store,
		tokens:     tokens,
		dispatcher: dispatcher,
		executor:   executor,
		recorder:   opts.Recorder,
		keys:       opts.PublicKeys,
		publicURL:  strings.TrimRight(opts.PublicURL, "/"),
		timeout:    opts.DispatchTimeout,
		log:        log,
		now:        time.Now,
	}
}

// SubscribeInput 订阅申请
type SubscribeInput struct {
	ListCID string
	Email   string
	Profile domain.Profile
	IP      string
}

// SubscribeResult 订阅申请结果
type SubscribeResult struct {
	Token         string
	List          *domain.List
	SubscriberCID string
}

// ConfirmResult 确认结果
type ConfirmResult struct {
	List             *domain.List
	Subscriber       *domain.Subscriber
	AlreadyConfirmed bool
}

// UpdateInput 资料更新
type UpdateInput struct {
	ListCID       string
	SubscriberCID string
	Email         string
	Profile       domain.Profile
}

// UnsubscribeInput 退订请求，SubscriberCID 为空时按 Email 查找
type UnsubscribeInput struct {
	ListCID       string
	SubscriberCID string
	Email         string
	Campaign      string
}

// UnsubscribeResult 退订结果
type UnsubscribeResult struct {
	List                *domain.List
	Subscriber          *domain.Subscriber
	AlreadyUnsubscribed bool
}

// ListView 订阅表单所需的列表数据
type ListView struct {
	List   *domain.List
	Fields []domain.Field
}

// SubscriptionView 管理和退订表单所需的数据
type SubscriptionView struct {
	List       *domain.List
	Fields     []domain.Field
	Subscriber *domain.Subscriber
}

// RequestSubscription 登记订阅申请并发送确认邮件
//
// 确认邮件异步发送，发送失败只记录日志，不影响申请结果。
func (s *SubscriptionService) RequestSubscription(ctx context.Context, in SubscribeInput) (*SubscribeResult, error) {
	email := domain.NormalizeEmail(in.Email)
	if err := domain.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := domain.ValidateProfile(in.Profile); err != nil {
		return nil, err
	}

	list, err := s.resolveList(ctx, in.ListCID)
	if err != nil {
		return nil, err
	}
	fields, err := s.store.ListFields(ctx, list.ID)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}

	sub, err := s.store.GetSubscriberByEmail(ctx, list.ID, email)
	created := false
	switch {
	case errors.Is(err, domain.ErrNotFound):
		created = true
		sub = &domain.Subscriber{
			ID:     uuid.NewString(),
			CID:    newSubscriberCID(),
			ListID: list.ID,
			Email:  email,
		}
	case err != nil:
		return nil, fmt.Errorf("lookup subscriber: %w", err)
	}

	err = s.markPending(ctx, sub, in)
	if created && errors.Is(err, domain.ErrConflict) {
		// 并发申请抢先插入了同一地址，改为更新已有记录
		s.log.Debug("concurrent subscription request, reloading subscriber",
			zap.String("list", list.CID))
		if sub, err = s.store.GetSubscriberByEmail(ctx, list.ID, email); err != nil {
			return nil, fmt.Errorf("lookup subscriber: %w", err)
		}
		err = s.markPending(ctx, sub, in)
	}
	if err != nil {
		return nil, fmt.Errorf("save subscriber: %w", err)
	}

	token, err := s.tokens.Issue(ctx, list.ID, email, in.Profile, in.IP)
	if err != nil {
		return nil, err
	}

	s.record(monitoring.EventRequested)
	s.log.Info("Subscription requested",
		zap.String("list", list.CID),
		zap.String("subscriber", sub.CID),
		zap.String("ip", in.IP))

	recipient := *sub
	recipient.ApplyProfile(in.Profile)
	s.dispatch(ctx, notification{
		kind:       "confirmation-request",
		list:       list,
		subscriber: &recipient,
		fields:     fields,
		subject:    list.Name + ": Please Confirm Subscription",
		html:       templateConfirmHTML,
		text:       templateConfirmText,
		token:      token,
	})

	return &SubscribeResult{Token: token, List: list, SubscriberCID: sub.CID}, nil
}

// markPending 将未确认的订阅者置为待确认并保存，已确认的订阅者保持不变
func (s *SubscriptionService) markPending(ctx context.Context, sub *domain.Subscriber, in SubscribeInput) error {
	if sub.Status == domain.StatusConfirmed {
		return nil
	}
	now := s.now().UTC()
	sub.Status = domain.StatusPending
	sub.ApplyProfile(in.Profile)
	sub.OptInIP = in.IP
	sub.OptInAt = &now
	return s.store.SaveSubscriber(ctx, sub)
}

// ConfirmSubscription 兑换令牌并确认订阅
//
// 已确认的订阅者再次确认视为成功，不重复发信。
func (s *SubscriptionService) ConfirmSubscription(ctx context.Context, token, ip string) (*ConfirmResult, error) {
	confirmation, err := s.tokens.Redeem(ctx, token)
	if err != nil {
		return nil, err
	}

	list, err := s.store.GetList(ctx, confirmation.ListID)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.GetSubscriberByEmail(ctx, list.ID, confirmation.Email)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		sub = &domain.Subscriber{
			ID:     uuid.NewString(),
			CID:    newSubscriberCID(),
			ListID: list.ID,
			Email:  confirmation.Email,
		}
	case err != nil:
		return nil, fmt.Errorf("lookup subscriber: %w", err)
	case sub.Status == domain.StatusConfirmed:
		s.record(monitoring.EventReconfirmed)
		return &ConfirmResult{List: list, Subscriber: sub, AlreadyConfirmed: true}, nil
	}

	now := s.now().UTC()
	sub.ApplyProfile(confirmation.Profile)
	sub.Status = domain.StatusConfirmed
	sub.ConfirmedAt = &now
	sub.UnsubscribedAt = nil
	sub.UnsubscribeCampaign = ""
	sub.OptInIP = confirmation.OptInIP
	if sub.OptInIP == "" {
		sub.OptInIP = ip
	}
	if sub.OptInAt == nil {
		issued := confirmation.IssuedAt
		sub.OptInAt = &issued
	}
	if err := s.store.SaveSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscriber: %w", err)
	}

	s.record(monitoring.EventConfirmed)
	s.log.Info("Subscription confirmed",
		zap.String("list", list.CID),
		zap.String("subscriber", sub.CID),
		zap.String("ip", ip))

	fields, err := s.store.ListFields(ctx, list.ID)
	if err != nil {
		s.log.Warn("Failed to load list fields for notification", zap.String("list", list.CID), zap.Error(err))
	}
	recipient := *sub
	s.dispatch(ctx, notification{
		kind:       "subscription-confirmed",
		list:       list,
		subscriber: &recipient,
		fields:     fields,
		subject:    list.Name + ": Subscription Confirmed",
		html:       templateConfirmedHTML,
		text:       templateConfirmedText,
	})

	return &ConfirmResult{List: list, Subscriber: sub}, nil
}

// UpdateProfile 更新订阅者资料，不改变订阅状态，也不发信
func (s *SubscriptionService) UpdateProfile(ctx context.Context, in UpdateInput) error {
	list, err := s.resolveList(ctx, in.ListCID)
	if err != nil {
		return err
	}
	sub, err := s.store.GetSubscriberByCID(ctx, list.ID, in.SubscriberCID)
	if err != nil {
		return err
	}

	email := domain.NormalizeEmail(in.Email)
	if err := domain.ValidateEmail(email); err != nil {
		return err
	}
	if err := domain.ValidateProfile(in.Profile); err != nil {
		return err
	}

	if !strings.EqualFold(email, sub.Email) {
		other, err := s.store.GetSubscriberByEmail(ctx, list.ID, email)
		switch {
		case err == nil && other.ID != sub.ID:
			return domain.ErrEmailTaken
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("lookup subscriber: %w", err)
		}
	}

	sub.Email = email
	sub.ApplyProfile(in.Profile)
	if err := s.store.SaveSubscriber(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.ErrEmailTaken
		}
		return fmt.Errorf("save subscriber: %w", err)
	}

	s.record(monitoring.EventUpdated)
	s.log.Info("Subscription updated", zap.String("list", list.CID), zap.String("subscriber", sub.CID))
	return nil
}

// Unsubscribe 退订并发送退订确认邮件，重复退订视为成功且不重复发信
func (s *SubscriptionService) Unsubscribe(ctx context.Context, in UnsubscribeInput) (*UnsubscribeResult, error) {
	list, err := s.resolveList(ctx, in.ListCID)
	if err != nil {
		return nil, err
	}

	var sub *domain.Subscriber
	if in.SubscriberCID != "" {
		sub, err = s.store.GetSubscriberByCID(ctx, list.ID, in.SubscriberCID)
	} else {
		email := domain.NormalizeEmail(in.Email)
		if err := domain.ValidateEmail(email); err != nil {
			return nil, err
		}
		sub, err = s.store.GetSubscriberByEmail(ctx, list.ID, email)
	}
	if err != nil {
		return nil, err
	}

	if sub.Status == domain.StatusUnsubscribed {
		return &UnsubscribeResult{List: list, Subscriber: sub, AlreadyUnsubscribed: true}, nil
	}

	now := s.now().UTC()
	sub.Status = domain.StatusUnsubscribed
	sub.UnsubscribedAt = &now
	sub.UnsubscribeCampaign = in.Campaign
	if err := s.store.SaveSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscriber: %w", err)
	}

	s.record(monitoring.EventUnsubscribed)
	s.log.Info("Subscriber unsubscribed",
		zap.String("list", list.CID),
		zap.String("subscriber", sub.CID),
		zap.String("campaign", in.Campaign))

	fields, err := s.store.ListFields(ctx, list.ID)
	if err != nil {
		s.log.Warn("Failed to load list fields for notification", zap.String("list", list.CID), zap.Error(err))
	}
	recipient := *sub
	s.dispatch(ctx, notification{
		kind:       "unsubscribe-confirmed",
		list:       list,
		subscriber: &recipient,
		fields:     fields,
		subject:    list.Name + ": Unsubscribe Confirmed",
		html:       templateUnsubscribedHTML,
	})

	return &UnsubscribeResult{List: list, Subscriber: sub}, nil
}

// GetList 返回订阅表单所需的列表与字段
func (s *SubscriptionService) GetList(ctx context.Context, listCID string) (*ListView, error) {
	list, err := s.resolveList(ctx, listCID)
	if err != nil {
		return nil, err
	}
	fields, err := s.store.ListFields(ctx, list.ID)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	return &ListView{List: list, Fields: fields}, nil
}

// GetSubscription 返回管理与退订表单所需的数据
func (s *SubscriptionService) GetSubscription(ctx context.Context, listCID, subscriberCID string) (*SubscriptionView, error) {
	view, err := s.GetList(ctx, listCID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscriberByCID(ctx, view.List.ID, subscriberCID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionView{List: view.List, Fields: view.Fields, Subscriber: sub}, nil
}

// PublicKey 返回签名公钥，未配置时返回 domain.ErrSigningKeyMissing
func (s *SubscriptionService) PublicKey(ctx context.Context) ([]byte, error) {
	if s.keys == nil {
		return nil, domain.ErrSigningKeyMissing
	}
	return s.keys.PublicKey(ctx)
}

func (s *SubscriptionService) resolveList(ctx context.Context, cid string) (*domain.List, error) {
	cid = strings.TrimSpace(cid)
	if cid == "" {
		return nil, domain.ErrListRequired
	}
	return s.store.GetListByCID(ctx, cid)
}

func (s *SubscriptionService) record(event string) {
	if s.recorder != nil {
		s.recorder.RecordSubscriptionEvent(event)
	}
}

// notification 一次待发送的订阅通知
type notification struct {
	kind       string
	list       *domain.List
	subscriber *domain.Subscriber
	fields     []domain.Field
	subject    string
	html       string
	text       string
	token      string
}

// dispatch 把通知交给执行器，调用方不等待发送结果
func (s *SubscriptionService) dispatch(parent context.Context, n notification) {
	log := s.log.With(
		zap.String("notification", n.kind),
		zap.String("list", n.list.CID),
		zap.String("subscriber", n.subscriber.CID))

	task := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timeout)
		defer cancel()
		if err := s.send(ctx, n); err != nil {
			log.Error("Failed to send subscription notification", zap.Error(err))
			return
		}
		log.Debug("Subscription notification sent")
	}

	if !s.executor.TrySubmit(task) {
		log.Warn("Dispatch queue full, notification dropped")
		if s.recorder != nil {
			s.recorder.RecordDispatchDropped()
		}
	}
}

func (s *SubscriptionService) send(ctx context.Context, n notification) error {
	settings, err := s.store.GetSettings(ctx, domain.MessageSettingKeys...)
	if err != nil {
		return fmt.Errorf("load message settings: %w", err)
	}

	base := strings.TrimRight(settings[domain.SettingServiceURL], "/")
	if base == "" {
		base = s.publicURL
	}
	links := subscriptionLinks(base, n.list.CID, n.subscriber.CID, n.token)
	if n.kind == "unsubscribe-confirmed" {
		// 重新订阅链接带上订阅者 CID
		links["subscribeUrl"] += "?" + url.Values{"cid": {n.subscriber.CID}}.Encode()
	}

	profile := n.subscriber.Profile()
	env := mail.Envelope{
		From: mail.Address{
			Name:  settings[domain.SettingDefaultFrom],
			Email: settings[domain.SettingDefaultAddress],
		},
		To: mail.Address{
			Name:  profile.FullName(),
			Email: n.subscriber.Email,
		},
		Subject:        n.subject,
		EncryptionKeys: profile.EncryptionKeys(n.fields),
	}
	if n.kind != "confirmation-request" {
		env.Headers = map[string]string{"List-Unsubscribe": "<" + links["unsubscribeUrl"] + ">"}
	}

	data := map[string]any{
		"title":           n.list.Name,
		"contactAddress":  settings[domain.SettingDefaultAddress],
		"defaultHomepage": settings[domain.SettingDefaultHomepage],
		"list":            n.list,
		"subscriber":      n.subscriber,
	}
	for k, v := range links {
		data[k] = v
	}

	return s.dispatcher.Dispatch(ctx, env, mail.TemplateRef{HTML: n.html, Text: n.text, Data: data})
}

func subscriptionLinks(base, listCID, subscriberCID, token string) map[string]string {
	list := base + "/subscription/" + url.PathEscape(listCID)
	links := map[string]string{
		"subscribeUrl":   list,
		"preferencesUrl": list + "/manage/" + url.PathEscape(subscriberCID),
		"unsubscribeUrl": list + "/unsubscribe/" + url.PathEscape(subscriberCID),
	}
	if token != "" {
		links["confirmUrl"] = base + "/subscription/subscribe/" + url.PathEscape(token)
	}
	return links
}

func newSubscriberCID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
