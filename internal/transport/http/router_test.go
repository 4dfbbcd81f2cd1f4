package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "listmail/backend/internal/auth/jwt"
	"listmail/backend/internal/config"
	"listmail/backend/internal/domain"
	"listmail/backend/internal/health"
	"listmail/backend/internal/mail"
	"listmail/backend/internal/monitoring"
	"listmail/backend/internal/service"
	"listmail/backend/internal/storage"
	"listmail/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// recordingDispatcher 记录分发请求，不实际发送
type recordingDispatcher struct {
	mu   sync.Mutex
	refs []mail.TemplateRef
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ mail.Envelope, ref mail.TemplateRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs = append(d.refs, ref)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.refs)
}

// lastToken 从最近一封确认邮件的链接中取出令牌
func (d *recordingDispatcher) lastToken(t *testing.T) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.refs) - 1; i >= 0; i-- {
		if u, ok := d.refs[i].Data["confirmUrl"].(string); ok {
			return u[strings.LastIndex(u, "/")+1:]
		}
	}
	t.Fatal("no confirmation dispatched")
	return ""
}

type inlineExecutor struct{}

func (inlineExecutor) TrySubmit(task func()) bool {
	task()
	return true
}

type fakeTransport struct {
	mu         sync.Mutex
	configured int
	sent       []*mail.Message
}

func (f *fakeTransport) Configure(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured++
	return nil
}

func (f *fakeTransport) Invalidate() {}

func (f *fakeTransport) Send(_ context.Context, msg *mail.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type staticKeys []byte

func (k staticKeys) PublicKey(context.Context) ([]byte, error) { return k, nil }

type testServer struct {
	router     *gin.Engine
	store      *memory.Store
	dispatcher *recordingDispatcher
	transport  *fakeTransport
	jwt        *jwtpkg.Manager
}

// failingStore 保存订阅者时返回错误的内存存储
type failingStore struct {
	*memory.Store
	saveErr error
}

func (s *failingStore) SaveSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.SaveSubscriber(ctx, sub)
}

func newTestServer(t *testing.T, keys service.PublicKeyExporter) *testServer {
	return newTestServerWithStore(t, keys, nil)
}

// newTestServerWithStore wrap 不为空时服务使用包装后的存储，testServer.store 仍指向底层内存存储
func newTestServerWithStore(t *testing.T, keys service.PublicKeyExporter, wrap func(*memory.Store) storage.Store) *testServer {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	require.NoError(t, store.SaveList(ctx, &domain.List{ID: "list-1", CID: "L1", Name: "Weekly"}))
	require.NoError(t, store.SaveField(ctx, &domain.Field{ID: "f1", ListID: "list-1", Key: "company", Name: "Company", Type: domain.FieldTypeText}))

	var backend storage.Store = store
	if wrap != nil {
		backend = wrap(store)
	}

	dispatcher := &recordingDispatcher{}
	transport := &fakeTransport{}
	metrics := monitoring.NewMetrics()

	subscriptions := service.NewSubscriptionService(
		backend,
		service.NewConfirmationTokenStore(backend, time.Hour),
		dispatcher,
		inlineExecutor{},
		service.SubscriptionOptions{PublicURL: "http://lists.test", Recorder: metrics, PublicKeys: keys},
		nil,
	)
	manager := jwtpkg.NewManager("test-secret-key-for-listmail-admin-api", "listmail", time.Hour)

	router := NewRouter(RouterDependencies{
		Config:        &config.Config{},
		Subscriptions: subscriptions,
		Settings:      service.NewSettingsService(backend, transport, nil),
		JWTManager:    manager,
		Health:        health.NewHealthChecker(backend, nil),
		Metrics:       metrics,
	})
	return &testServer{router: router, store: store, dispatcher: dispatcher, transport: transport, jwt: manager}
}

func (s *testServer) do(method, path, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postForm(path string, values url.Values) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, path, "application/x-www-form-urlencoded", values.Encode(), nil)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubscriptionRoutes_DoubleOptIn(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.postForm("/subscription/L1/subscribe", url.Values{
		"email":     {"a@example.com"},
		"firstName": {"Ann"},
		"company":   {"ACME"},
		"ignored":   {"x"},
	})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/subscription/L1/confirm-notice", rec.Header().Get("Location"))
	require.Equal(t, 1, s.dispatcher.count())

	token := s.dispatcher.lastToken(t)
	assert.Len(t, token, 64)

	rec = s.do(http.MethodGet, "/subscription/L1/confirm-notice", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MsgConfirmNotice, decode(t, rec).Msg)

	rec = s.do(http.MethodGet, "/subscription/subscribe/"+token, "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MsgSubscribed, decode(t, rec).Msg)
	assert.Equal(t, 2, s.dispatcher.count())

	sub, err := s.store.GetSubscriberByEmail(context.Background(), "list-1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, sub.Status)
	assert.Equal(t, "ACME", sub.Fields["company"])
	assert.NotContains(t, sub.Fields, "ignored")

	// 令牌只能使用一次
	rec = s.do(http.MethodGet, "/subscription/subscribe/"+token, "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 2, s.dispatcher.count())
}

func TestSubscriptionRoutes_SubscribeErrors(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("空邮箱重定向回表单", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/subscribe", url.Values{
			"email":     {"  "},
			"firstName": {"Ann"},
			"company":   {"ACME"},
		})
		require.Equal(t, http.StatusFound, rec.Code)

		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "/subscription/L1", loc.Path)
		assert.Equal(t, "Email address not set", loc.Query().Get("error"))
		assert.Equal(t, "Ann", loc.Query().Get("firstName"))
		assert.Equal(t, "ACME", loc.Query().Get("company"))
		assert.Equal(t, 0, s.dispatcher.count())
	})

	t.Run("表单回显", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/subscription/L1?error=oops&email=a%40example.com&company=ACME", "", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		data := decode(t, rec).Data.(map[string]any)
		assert.Equal(t, "oops", data["error"])
		values := data["values"].(map[string]any)
		assert.Equal(t, "a@example.com", values["email"])
		assert.Equal(t, "ACME", values["company"])
	})

	t.Run("JSON 请求", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/subscription/L1/subscribe", "application/json", `{"email":"bad"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid email address", decode(t, rec).Msg)

		rec = s.do(http.MethodPost, "/subscription/L1/subscribe", "application/json", `{"email":"j@example.com","fields":{"company":"ACME"}}`, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotContains(t, rec.Body.String(), s.dispatcher.lastToken(t))
	})

	t.Run("未知列表", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/subscription/missing", "", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Selected list not found", decode(t, rec).Msg)

		rec = s.do(http.MethodGet, "/subscription/subscribe/unknown-token", "", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSubscriptionRoutes_ManageAndUnsubscribe(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.postForm("/subscription/L1/subscribe", url.Values{"email": {"a@example.com"}})
	require.Equal(t, http.StatusFound, rec.Code)
	rec = s.do(http.MethodGet, "/subscription/subscribe/"+s.dispatcher.lastToken(t), "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := s.store.GetSubscriberByEmail(context.Background(), "list-1", "a@example.com")
	require.NoError(t, err)

	t.Run("管理页", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/subscription/L1/manage/"+sub.CID, "", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec).Data.(map[string]any)
		assert.Equal(t, "a@example.com", data["subscriber"].(map[string]any)["email"])

		rec = s.do(http.MethodGet, "/subscription/L1/manage/unknown", "", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("更新资料", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/manage", url.Values{"ucid": {sub.CID}, "email": {""}})
		require.Equal(t, http.StatusFound, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/subscription/L1/manage/"+sub.CID+"?"))

		rec = s.postForm("/subscription/L1/manage", url.Values{"ucid": {sub.CID}, "email": {"a@example.com"}, "firstName": {"Ann"}})
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/subscription/L1/updated-notice", rec.Header().Get("Location"))

		updated, err := s.store.GetSubscriberByCID(context.Background(), "list-1", sub.CID)
		require.NoError(t, err)
		assert.Equal(t, "Ann", updated.FirstName)
	})

	t.Run("退订", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/subscription/L1/unsubscribe/"+sub.CID+"?auto=yes&c=camp1", "", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec).Data.(map[string]any)
		assert.Equal(t, true, data["autoSubmit"])
		assert.Equal(t, "camp1", data["campaign"])

		before := s.dispatcher.count()
		rec = s.postForm("/subscription/L1/unsubscribe", url.Values{"ucid": {sub.CID}, "c": {"camp1"}})
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/subscription/L1/unsubscribed-notice", rec.Header().Get("Location"))
		assert.Equal(t, before+1, s.dispatcher.count())

		// 重复退订不再发信
		rec = s.postForm("/subscription/L1/unsubscribe", url.Values{"ucid": {sub.CID}})
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, before+1, s.dispatcher.count())

		updated, err := s.store.GetSubscriberByCID(context.Background(), "list-1", sub.CID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusUnsubscribed, updated.Status)
		assert.Equal(t, "camp1", updated.UnsubscribeCampaign)
	})
}

func TestSubscriptionRoutes_FailuresRedirectBack(t *testing.T) {
	var fs *failingStore
	s := newTestServerWithStore(t, nil, func(m *memory.Store) storage.Store {
		fs = &failingStore{Store: m}
		return fs
	})
	ctx := context.Background()
	require.NoError(t, s.store.SaveSubscriber(ctx, &domain.Subscriber{
		ID: "sub-1", CID: "S1", ListID: "list-1", Email: "a@example.com", Status: domain.StatusConfirmed,
	}))
	fs.saveErr = errors.New("connection reset by peer")

	location := func(t *testing.T, rec *httptest.ResponseRecorder) *url.URL {
		t.Helper()
		require.Equal(t, http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		return loc
	}

	t.Run("订阅时存储失败", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/subscribe", url.Values{"email": {"b@example.com"}, "company": {"ACME"}})
		loc := location(t, rec)
		assert.Equal(t, "/subscription/L1", loc.Path)
		assert.Equal(t, MsgInternalError, loc.Query().Get("error"))
		assert.Equal(t, "b@example.com", loc.Query().Get("email"))
		assert.Equal(t, "ACME", loc.Query().Get("company"))
		assert.NotContains(t, rec.Header().Get("Location"), "connection reset")
		assert.Equal(t, 0, s.dispatcher.count())
	})

	t.Run("JSON 请求仍返回错误", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/subscription/L1/subscribe", "application/json", `{"email":"b@example.com"}`, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, MsgInternalError, decode(t, rec).Msg)
	})

	t.Run("更新资料时存储失败", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/manage", url.Values{"ucid": {"S1"}, "email": {"a@example.com"}, "firstName": {"Ann"}})
		loc := location(t, rec)
		assert.Equal(t, "/subscription/L1/manage/S1", loc.Path)
		assert.Equal(t, MsgInternalError, loc.Query().Get("error"))
		assert.Equal(t, "Ann", loc.Query().Get("firstName"))
	})

	t.Run("更新未知订阅者", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/manage", url.Values{"ucid": {"unknown"}, "email": {"a@example.com"}})
		loc := location(t, rec)
		assert.Equal(t, "/subscription/L1/manage/unknown", loc.Path)
		assert.Equal(t, "Subscription not found in this list", loc.Query().Get("error"))
	})

	t.Run("退订时存储失败", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/unsubscribe", url.Values{"ucid": {"S1"}, "c": {"camp1"}})
		loc := location(t, rec)
		assert.Equal(t, "/subscription/L1/unsubscribe/S1", loc.Path)
		assert.Equal(t, MsgInternalError, loc.Query().Get("error"))
		assert.Equal(t, "camp1", loc.Query().Get("c"))
	})

	t.Run("退订未知订阅者", func(t *testing.T) {
		rec := s.postForm("/subscription/L1/unsubscribe", url.Values{"ucid": {"unknown"}})
		loc := location(t, rec)
		assert.Equal(t, "/subscription/L1/unsubscribe/unknown", loc.Path)
		assert.Equal(t, "Subscription not found in this list", loc.Query().Get("error"))
	})

	sub, err := s.store.GetSubscriberByCID(ctx, "list-1", "S1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, sub.Status)
}

func TestSubscriptionRoutes_PublicKey(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/subscription/publickey", "", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s = newTestServer(t, staticKeys("-----BEGIN PGP PUBLIC KEY BLOCK-----"))
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec = s.do(method, "/subscription/publickey", "", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/pgp-keys", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "public.asc")
		assert.Equal(t, "-----BEGIN PGP PUBLIC KEY BLOCK-----", rec.Body.String())
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	token, _, err := s.jwt.GenerateToken("ops", jwtpkg.RoleAdmin)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	t.Run("需要认证", func(t *testing.T) {
		rec := s.do(http.MethodGet, "/api/admin/settings", "", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("读取与更新设置", func(t *testing.T) {
		rec := s.do(http.MethodPut, "/api/admin/settings", "application/json",
			`{"smtpHostname":"smtp.example.com","smtpPass":"secret","defaultAddress":"news@example.com"}`, auth)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = s.do(http.MethodGet, "/api/admin/settings", "", "", auth)
		require.Equal(t, http.StatusOK, rec.Code)
		data := decode(t, rec).Data.(map[string]any)
		assert.Equal(t, "smtp.example.com", data[domain.SettingSMTPHostname])
		assert.Equal(t, service.MaskedValue, data[domain.SettingSMTPPass])

		rec = s.do(http.MethodPut, "/api/admin/settings", "application/json", `{"smtpEncryption":"SSL"}`, auth)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = s.do(http.MethodPut, "/api/admin/settings", "application/json", `{"nope":"1"}`, auth)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("重建传输与测试邮件", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/admin/transport/reload", "", "", auth)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, s.transport.configured)

		rec = s.do(http.MethodPost, "/api/admin/test-mail", "application/json", `{"to":"ops@example.com"}`, auth)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, s.transport.sent, 1)
		assert.Equal(t, "ops@example.com", s.transport.sent[0].To.Email)

		rec = s.do(http.MethodPost, "/api/admin/test-mail", "application/json", `{}`, auth)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestOpsRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"OK"`)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/live", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health/ready", "", "", nil).Code)

	s.do(http.MethodGet, "/subscription/L1", "", "", nil)
	rec = s.do(http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "listmail_http_requests_total")
}
