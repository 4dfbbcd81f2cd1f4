package service

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"listmail/backend/internal/mail"
)

// MockDispatcher 模拟邮件分发
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, env mail.Envelope, ref mail.TemplateRef) error {
	args := m.Called(ctx, env, ref)
	return args.Error(0)
}

// dispatched 返回第 i 次分发的信封与模板
func (m *MockDispatcher) dispatched(i int) (mail.Envelope, mail.TemplateRef) {
	args := m.Calls[i].Arguments
	return args.Get(1).(mail.Envelope), args.Get(2).(mail.TemplateRef)
}

// inlineExecutor 在调用方 goroutine 中直接执行任务
type inlineExecutor struct{}

func (inlineExecutor) TrySubmit(task func()) bool {
	task()
	return true
}

// fullExecutor 模拟已满的队列
type fullExecutor struct{}

func (fullExecutor) TrySubmit(func()) bool { return false }

type eventRecorder struct {
	mu      sync.Mutex
	events  []string
	dropped int
}

func (r *eventRecorder) RecordSubscriptionEvent(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) RecordDispatchDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

type fakeTransport struct {
	mu          sync.Mutex
	configured  int
	invalidated int
	sent        []*mail.Message
	configErr   error
	sendErr     error
}

func (f *fakeTransport) Configure(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured++
	return f.configErr
}

func (f *fakeTransport) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeTransport) Send(_ context.Context, msg *mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

type staticKeys []byte

func (k staticKeys) PublicKey(context.Context) ([]byte, error) { return k, nil }
