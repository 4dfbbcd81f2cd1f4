package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"listmail/backend/internal/domain"
)

const (
	smtpDialTimeout = 30 * time.Second
	smtpHelloName   = "localhost"
)

var errPoolClosed = errors.New("smtp pool closed")

// SMTPPool 复用 SMTP 连接的发信驱动
//
// 并发连接数受 MaxConnections 限制；空闲连接放回池中复用，
// 单连接发送 MaxMessages 封后或出现任何错误时关闭。
type SMTPPool struct {
	settings TransportSettings
	addr     string
	tls      *tls.Config
	log      *zap.Logger
	sem      *semaphore.Weighted

	mu     sync.Mutex
	idle   []*pooledConn
	closed bool
}

type pooledConn struct {
	client *smtp.Client
	sent   int
}

// NewSMTPSender 创建 SMTP 连接池，实现 SenderFactory
func NewSMTPSender(_ context.Context, settings TransportSettings, log *zap.Logger) (Sender, error) {
	return NewSMTPPool(settings, log), nil
}

// NewSMTPPool 创建 SMTP 连接池；连接在首次发送时建立
func NewSMTPPool(settings TransportSettings, log *zap.Logger) *SMTPPool {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.MaxConnections <= 0 {
		settings.MaxConnections = 5
	}
	if settings.MaxMessages <= 0 {
		settings.MaxMessages = 100
	}
	return &SMTPPool{
		settings: settings,
		addr:     net.JoinHostPort(settings.Host, strconv.Itoa(settings.Port)),
		tls: &tls.Config{
			ServerName:         settings.Host,
			InsecureSkipVerify: settings.SelfSigned, // #nosec G402 -- 运维显式允许自签名证书
		},
		log: log.With(zap.String("smtp", settings.Host)),
		sem: semaphore.NewWeighted(int64(settings.MaxConnections)),
	}
}

// Send 实现 Sender
func (p *SMTPPool) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	conn, err := p.get(ctx)
	if err != nil {
		return err
	}

	if err := p.deliver(conn, from, to, raw); err != nil {
		p.discard(conn)
		return err
	}
	conn.sent++
	p.put(conn)
	return nil
}

func (p *SMTPPool) deliver(conn *pooledConn, from string, to []string, raw []byte) error {
	c := conn.client
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("DATA write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	if p.settings.Log {
		p.log.Debug("smtp message accepted", zap.String("from", from), zap.Strings("to", to))
	}
	return nil
}

// get 取出空闲连接，没有时新建
func (p *SMTPPool) get(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		// 连接可能已被服务器关闭
		if err := conn.client.Reset(); err == nil {
			return conn, nil
		}
		conn.client.Close()
	} else {
		p.mu.Unlock()
	}
	return p.dial(ctx)
}

// put 归还连接；达到单连接上限或池已关闭时断开
func (p *SMTPPool) put(conn *pooledConn) {
	p.mu.Lock()
	if p.closed || conn.sent >= p.settings.MaxMessages {
		p.mu.Unlock()
		p.quit(conn)
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *SMTPPool) discard(conn *pooledConn) {
	conn.client.Close()
}

func (p *SMTPPool) quit(conn *pooledConn) {
	if err := conn.client.Quit(); err != nil {
		conn.client.Close()
	}
}

func (p *SMTPPool) dial(ctx context.Context) (*pooledConn, error) {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}

	var (
		netConn net.Conn
		err     error
	)
	if p.settings.Encryption == domain.EncryptionTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: p.tls}
		netConn, err = tlsDialer.DialContext(ctx, "tcp", p.addr)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", p.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}

	c := p.newClient(netConn)
	if err := c.Hello(smtpHelloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}

	if p.settings.Encryption == domain.EncryptionSTARTTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			// 客户端只在新连接上协商 STARTTLS，关闭当前连接后重新拨号
			c.Close()
			if c, err = p.dialStartTLS(ctx, dialer); err != nil {
				return nil, err
			}
		}
	}

	if !p.settings.DisableAuth && p.settings.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.settings.User, p.settings.Pass)); err != nil {
			c.Close()
			return nil, fmt.Errorf("AUTH: %w", err)
		}
	}

	p.log.Debug("smtp connection established", zap.String("addr", p.addr))
	return &pooledConn{client: c}, nil
}

func (p *SMTPPool) newClient(conn net.Conn) *smtp.Client {
	c := smtp.NewClient(conn)
	if p.settings.Log {
		c.DebugWriter = &zapWriter{log: p.log}
	}
	return c
}

// dialStartTLS 建立新连接并升级到 TLS，升级后重新发送 EHLO
func (p *SMTPPool) dialStartTLS(ctx context.Context, dialer *net.Dialer) (*smtp.Client, error) {
	netConn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.addr, err)
	}
	c, err := smtp.NewClientStartTLS(netConn, p.tls)
	if err != nil {
		return nil, fmt.Errorf("STARTTLS: %w", err)
	}
	if p.settings.Log {
		c.DebugWriter = &zapWriter{log: p.log}
	}
	if err := c.Hello(smtpHelloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}
	return c, nil
}

// Close 关闭所有空闲连接；正在使用的连接归还时关闭
func (p *SMTPPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, conn := range idle {
		p.quit(conn)
	}
	return nil
}

// IdleConnections 返回当前空闲连接数
func (p *SMTPPool) IdleConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// zapWriter 将 SMTP 会话调试输出写入日志
type zapWriter struct {
	log *zap.Logger
}

func (w *zapWriter) Write(b []byte) (int, error) {
	w.log.Debug("smtp", zap.ByteString("line", bytes.TrimRight(b, "\r\n")))
	return len(b), nil
}
