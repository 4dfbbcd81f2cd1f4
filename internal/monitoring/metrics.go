package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"listmail/backend/internal/domain"
)

// 订阅事件标签
const (
	EventRequested    = "requested"
	EventConfirmed    = "confirmed"
	EventReconfirmed  = "reconfirmed"
	EventUpdated      = "updated"
	EventUnsubscribed = "unsubscribed"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 订阅指标
	SubscriptionEvents *prometheus.CounterVec

	// 发信指标
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	DispatchDropped  prometheus.Counter
	DispatchQueue    prometheus.Gauge

	// 系统指标
	SystemUptime prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 在独立的 Registry 上创建监控指标，同时注册 Go 运行时与进程指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listmail_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "endpoint"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listmail_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "endpoint"},
		),

		SubscriptionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listmail_subscription_events_total",
				Help: "Subscription lifecycle transitions by event",
			},
			[]string{"event"},
		),

		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listmail_dispatch_total",
				Help: "Mail dispatch attempts by template and result",
			},
			[]string{"template", "result"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listmail_dispatch_duration_seconds",
				Help:    "Time spent rendering and sending a message",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"template"},
		),
		DispatchDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "listmail_dispatch_dropped_total",
				Help: "Dispatches dropped because the worker queue was full",
			},
		),
		DispatchQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "listmail_dispatch_queue_depth",
				Help: "Dispatch tasks waiting for a worker",
			},
		),

		SystemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "listmail_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "listmail_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listmail_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordSubscriptionEvent 记录订阅状态变化
func (m *Metrics) RecordSubscriptionEvent(event string) {
	m.SubscriptionEvents.WithLabelValues(event).Inc()
}

// RecordDispatch 记录一次发信结果，失败按错误类别区分
func (m *Metrics) RecordDispatch(template string, err error, duration time.Duration) {
	m.DispatchTotal.WithLabelValues(template, dispatchResult(err)).Inc()
	m.DispatchDuration.WithLabelValues(template).Observe(duration.Seconds())
}

// RecordDispatchDropped 记录因队列已满丢弃的发信任务
func (m *Metrics) RecordDispatchDropped() {
	m.DispatchDropped.Inc()
}

// UpdateDispatchQueue 更新发信队列长度
func (m *Metrics) UpdateDispatchQueue(depth int) {
	m.DispatchQueue.Set(float64(depth))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(route string) {
	m.RateLimitBlocks.WithLabelValues(route).Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func dispatchResult(err error) string {
	switch {
	case err == nil:
		return "sent"
	case errors.Is(err, domain.ErrTemplate):
		return "template_error"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, domain.ErrDelivery):
		return "delivery_error"
	default:
		return "error"
	}
}
