package mail

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"listmail/backend/internal/domain"
)

// countingSource 记录每个模板被读取的次数
type countingSource struct {
	mu      sync.Mutex
	files   map[string]string
	reads   map[string]int
	delay   time.Duration
	failOne map[string]error
}

func newCountingSource(files map[string]string) *countingSource {
	return &countingSource{files: files, reads: map[string]int{}, failOne: map[string]error{}}
}

func (s *countingSource) ReadTemplateSource(_ context.Context, name string) ([]byte, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[name]++
	if err, ok := s.failOne[name]; ok {
		delete(s.failOne, name)
		return nil, err
	}
	src, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}
	return []byte(src), nil
}

func (s *countingSource) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[name]
}

// countingSettings 记录 GetSettings 调用次数
type countingSettings struct {
	mu     sync.Mutex
	values map[string]string
	calls  atomic.Int32
	delay  time.Duration
	err    error
}

func (s *countingSettings) GetSettings(_ context.Context, keys ...string) (map[string]string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *countingSettings) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// recordingSender 记录发送的原始邮件
type recordingSender struct {
	mu     sync.Mutex
	sent   [][]byte
	to     [][]string
	err    error
	closed atomic.Bool
}

func (s *recordingSender) Send(_ context.Context, _ string, to []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, append([]byte(nil), raw...))
	s.to = append(s.to, to)
	return nil
}

func (s *recordingSender) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *recordingSender) messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// sinkBackend 进程内 SMTP 服务器，保存收到的邮件
type sinkBackend struct {
	mu       sync.Mutex
	sessions int
	messages []sinkMessage
}

type sinkMessage struct {
	From string
	To   []string
	Data []byte
	TLS  bool
}

func (b *sinkBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	b.sessions++
	b.mu.Unlock()
	return &sinkSession{backend: b, conn: c}, nil
}

func (b *sinkBackend) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions
}

func (b *sinkBackend) received() []sinkMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sinkMessage(nil), b.messages...)
}

type sinkSession struct {
	backend *sinkBackend
	conn    *smtp.Conn
	current sinkMessage
}

func (s *sinkSession) Mail(from string, _ *smtp.MailOptions) error {
	s.current = sinkMessage{From: from}
	return nil
}

func (s *sinkSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.current.To = append(s.current.To, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.Data = data
	_, s.current.TLS = s.conn.TLSConnectionState()
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.current)
	s.backend.mu.Unlock()
	return nil
}

func (s *sinkSession) Reset() { s.current = sinkMessage{} }

func (s *sinkSession) Logout() error { return nil }

// startSink 启动 SMTP 服务器并返回监听端口
func startSink(t *testing.T) (*sinkBackend, int) {
	t.Helper()
	return serveSink(t, nil, false)
}

// startTLSSink 启动使用自签名证书的 SMTP 服务器；implicit 为 true 时连接直接走 TLS，否则提供 STARTTLS
func startTLSSink(t *testing.T, implicit bool) (*sinkBackend, int) {
	t.Helper()
	return serveSink(t, &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}}, implicit)
}

func serveSink(t *testing.T, tlsConfig *tls.Config, implicit bool) (*sinkBackend, int) {
	backend := &sinkBackend{}
	server := smtp.NewServer(backend)
	server.Domain = "localhost"
	server.ReadTimeout = 5 * time.Second
	server.WriteTimeout = 5 * time.Second
	server.TLSConfig = tlsConfig

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	if implicit {
		l = tls.NewListener(l, tlsConfig)
	}
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	return backend, port
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// newTestKey 生成测试用 PGP 密钥，返回实体及其 armored 私钥与公钥
func newTestKey(t *testing.T, name, email string) (*openpgp.Entity, string, string) {
	t.Helper()
	entity, err := openpgp.NewEntity(name, "", email, nil)
	require.NoError(t, err)

	var priv bytes.Buffer
	w, err := armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	var pub bytes.Buffer
	w, err = armor.Encode(&pub, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	return entity, priv.String(), pub.String()
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
