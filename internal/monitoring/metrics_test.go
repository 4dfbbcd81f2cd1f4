package monitoring

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"listmail/backend/internal/domain"
)

func TestMetrics_RecordDispatch(t *testing.T) {
	m := NewMetrics()

	m.RecordDispatch("confirm", nil, time.Millisecond)
	m.RecordDispatch("confirm", fmt.Errorf("%w: 550", domain.ErrDelivery), time.Millisecond)
	m.RecordDispatch("confirm", domain.ErrTemplateNotFound, time.Millisecond)
	m.RecordDispatch("confirm", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("confirm", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("confirm", "delivery_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("confirm", "template_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("confirm", "error")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordSubscriptionEvent(EventConfirmed)
	m.RecordHTTPRequest("GET", "/subscription/:cid", "200", time.Millisecond, 10, 200)

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `listmail_subscription_events_total{event="confirmed"} 1`)
	assert.Contains(t, body, "listmail_http_requests_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestNewMetrics_Independent(t *testing.T) {
	// 每个实例使用独立的 Registry，重复创建不会冲突
	a := NewMetrics()
	b := NewMetrics()
	a.RecordPanic()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.PanicsTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PanicsTotal))
}
