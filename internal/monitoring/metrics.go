package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 入站邮件处理结果
const (
	IngestCreated  = "created"
	IngestThreaded = "threaded"
	IngestSkipped  = "skipped"
	IngestInvalid  = "invalid"
	IngestFailed   = "failed"
)

// Metrics 监控指标。
//
// 所有 Record 方法对 nil 接收者安全，业务代码可以不注入指标。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 入站流水线指标
	MailsIngested       *prometheus.CounterVec
	IngestDuration      prometheus.Histogram
	AttachmentsStored   prometheus.Counter
	AttachmentsDeduped  prometheus.Counter
	AttachmentSize      prometheus.Histogram
	DeadLettersWritten  prometheus.Counter
	MailSourceFetched   *prometheus.CounterVec
	NotificationsTotal  *prometheus.CounterVec
	RepliesTotal        *prometheus.CounterVec
	WebsocketClients    prometheus.Gauge
	NotifyQueueRejected prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics 创建监控指标，注册到独立的 Registry（同时包含 Go 运行时和进程指标）
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
				Name: "helpdesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helpdesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helpdesk_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helpdesk_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "endpoint"},
		),

		MailsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpdesk_mails_ingested_total",
				Help: "Inbound mails processed by the ingestion pipeline, by result",
			},
			[]string{"result"},
		),

		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "helpdesk_ingest_duration_seconds",
				Help:    "Time spent ingesting a single inbound mail",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),

		AttachmentsStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "helpdesk_attachments_stored_total",
				Help: "Attachments written to the drive",
			},
		),

		AttachmentsDeduped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "helpdesk_attachments_deduplicated_total",
				Help: "Inbound attachments skipped because their Content-ID was already stored",
			},
		),

		AttachmentSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "helpdesk_attachment_size_bytes",
				Help:    "Stored attachment size in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),

		DeadLettersWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "helpdesk_dead_letters_total",
				Help: "Inbound mails archived after a failed ingestion",
			},
		),

		MailSourceFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpdesk_mail_source_fetched_total",
				Help: "Messages fetched from a mail source",
			},
			[]string{"source"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpdesk_notifications_total",
				Help: "Outbound notifications by template and result",
			},
			[]string{"template", "result"},
		),

		RepliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpdesk_replies_total",
				Help: "Operator replies, forwards and drafts saved",
			},
			[]string{"type", "draft"},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "helpdesk_websocket_clients",
				Help: "Connected websocket clients",
			},
		),

		NotifyQueueRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "helpdesk_notify_queue_rejected_total",
				Help: "Notifications dropped because the worker pool was stopped or full",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpdesk_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "helpdesk_panics_total",
				Help: "Total number of panics",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helpdesk_rate_limit_blocks_total",
				Help: "Total number of rate limit blocks",
			},
			[]string{"type"},
		),
	}
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordIngest 记录一次入站处理结果和耗时
func (m *Metrics) RecordIngest(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MailsIngested.WithLabelValues(result).Inc()
	m.IngestDuration.Observe(duration.Seconds())
}

// RecordAttachmentStored 记录附件写入
func (m *Metrics) RecordAttachmentStored(size int64) {
	if m == nil {
		return
	}
	m.AttachmentsStored.Inc()
	m.AttachmentSize.Observe(float64(size))
}

// RecordAttachmentsDeduped 记录因 Content-ID 重复跳过的附件数
func (m *Metrics) RecordAttachmentsDeduped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AttachmentsDeduped.Add(float64(n))
}

// RecordDeadLetter 记录死信归档
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.DeadLettersWritten.Inc()
}

// RecordFetched 记录邮件源拉取数量
func (m *Metrics) RecordFetched(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MailSourceFetched.WithLabelValues(source).Add(float64(n))
}

// RecordNotification 记录外发通知
func (m *Metrics) RecordNotification(template string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.NotificationsTotal.WithLabelValues(template, result).Inc()
}

// RecordNotifyRejected 记录被工作池拒绝的通知
func (m *Metrics) RecordNotifyRejected() {
	if m == nil {
		return
	}
	m.NotifyQueueRejected.Inc()
}

// RecordReply 记录操作员回复/转发/草稿
func (m *Metrics) RecordReply(emailType string, draft bool) {
	if m == nil {
		return
	}
	d := "false"
	if draft {
		d = "true"
	}
	m.RepliesTotal.WithLabelValues(emailType, d).Inc()
}

// SetWebsocketClients 更新在线连接数
func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Set(float64(n))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
