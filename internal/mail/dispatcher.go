package mail

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Deliverer 发送已渲染的邮件，由 MailTransport 实现
type Deliverer interface {
	Send(ctx context.Context, msg *Message) error
}

// DispatchRecorder 记录发信结果，由监控模块实现
type DispatchRecorder interface {
	RecordDispatch(template string, err error, duration time.Duration)
}

// Dispatcher 渲染模板并交给传输发送
type Dispatcher struct {
	templates *TemplateCache
	fallback  *TextFallbackRenderer
	preparer  HTMLPreparer
	transport Deliverer
	recorder  DispatchRecorder
	log       *zap.Logger
}

// DispatcherOption 配置 Dispatcher
type DispatcherOption func(*Dispatcher)

// WithHTMLPreparer 替换 HTML 后处理器，传 nil 关闭后处理
func WithHTMLPreparer(p HTMLPreparer) DispatcherOption {
	return func(d *Dispatcher) { d.preparer = p }
}

// WithRecorder 设置发信结果记录器
func WithRecorder(r DispatchRecorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// NewDispatcher 创建 Dispatcher，默认使用 premailer 内联 CSS
func NewDispatcher(templates *TemplateCache, transport Deliverer, log *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		templates: templates,
		fallback:  NewTextFallbackRenderer(),
		preparer:  NewPremailerPreparer(),
		transport: transport,
		log:       log,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Build 渲染邮件正文
//
// 有 HTML 模板时渲染并做后处理（失败时保留原 HTML）；没有纯文本模板但有
// HTML 正文时由 HTML 生成纯文本。两者都没有时纯文本为空。
func (d *Dispatcher) Build(ctx context.Context, env Envelope, ref TemplateRef) (*Message, error) {
	msg := &Message{Envelope: env}

	html, ok, err := d.templates.Render(ctx, ref.HTML, ref.Data)
	if err != nil {
		return nil, err
	}
	if ok {
		msg.HTML = d.prepare(html)
	}

	text, ok, err := d.templates.Render(ctx, ref.Text, ref.Data)
	if err != nil {
		return nil, err
	}
	if ok {
		msg.Text = text
	} else if msg.HTML != "" {
		msg.Text = d.fallback.Render(msg.HTML)
	}
	return msg, nil
}

// Dispatch 渲染并发送一封邮件，模板与发送错误返回给调用方
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope, ref TemplateRef) (err error) {
	start := time.Now()
	name := ref.HTML
	if name == "" {
		name = ref.Text
	}
	defer func() {
		if d.recorder != nil {
			d.recorder.RecordDispatch(name, err, time.Since(start))
		}
	}()

	msg, err := d.Build(ctx, env, ref)
	if err != nil {
		return err
	}
	if err = d.transport.Send(ctx, msg); err != nil {
		return err
	}

	d.log.Info("mail dispatched",
		zap.String("template", name),
		zap.String("to", env.To.Email),
		zap.Bool("encrypted", msg.HasEncryptionKeys()),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (d *Dispatcher) prepare(html string) string {
	if d.preparer == nil {
		return html
	}
	out, err := d.preparer.Prepare(html)
	if err != nil || out == "" {
		d.log.Debug("html preparation skipped", zap.Error(err))
		return html
	}
	return out
}
