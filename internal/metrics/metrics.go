package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 指标收集器
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  prometheus.Gauge

	// WebSocket 指标
	WSConnectionsTotal  *prometheus.CounterVec
	WSActiveConnections prometheus.Gauge

	// 同步指标
	SyncTotal       *prometheus.CounterVec
	SyncDuration    *prometheus.HistogramVec
	OperationsTotal *prometheus.CounterVec
	ConflictsTotal  *prometheus.CounterVec
	DocumentsTotal  prometheus.Counter

	// 锁指标
	LockOpsTotal     *prometheus.CounterVec
	AutoUnlocksTotal prometheus.Counter

	// 协作事件指标
	EventsTotal *prometheus.CounterVec

	// 任务队列指标
	JobsTotal *prometheus.CounterVec

	// 系统指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
	GoRoutines  prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry, which also carries
// the Go runtime and process collectors.
func NewMetrics(namespace, subsystem string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		// HTTP 请求指标
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
		),

		// WebSocket 指标
		WSConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ws_connections_total",
				Help:      "Total number of WebSocket connection changes",
			},
			[]string{"action"}, // connected/disconnected
		),
		WSActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ws_active_connections",
				Help:      "Number of active WebSocket connections",
			},
		),

		// 同步指标
		SyncTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sync_total",
				Help:      "Total number of document synchronizations",
			},
			[]string{"result", "change_type"},
		),
		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sync_duration_seconds",
				Help:      "Document synchronization latency distributions",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15),
			},
			[]string{"change_type"},
		),
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "operations_total",
				Help:      "Total number of committed operations",
			},
			[]string{"type"},
		),
		ConflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "conflicts_total",
				Help:      "Total number of conflict resolutions",
			},
			[]string{"resolution"},
		),
		DocumentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "documents_created_total",
				Help:      "Total number of documents created",
			},
		),

		// 锁指标
		LockOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "lock_operations_total",
				Help:      "Total number of lock and unlock requests",
			},
			[]string{"action", "result"},
		),
		AutoUnlocksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "auto_unlocks_total",
				Help:      "Total number of locks released by timer",
			},
		),

		// 协作事件指标
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "collaboration_events_total",
				Help:      "Total number of collaboration events broadcast",
			},
			[]string{"type", "result"},
		),

		// 任务队列指标
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "jobs_total",
				Help:      "Total number of commit events handed to the job queue",
			},
			[]string{"result"}, // published/dropped
		),

		// 系统指标
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "code"},
		),
		PanicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"location"},
		),
		GoRoutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Number of goroutines",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetWSConnections 更新 WebSocket 连接数
func (m *Metrics) SetWSConnections(total int, connected bool) {
	m.WSActiveConnections.Set(float64(total))
	if connected {
		m.WSConnectionsTotal.WithLabelValues("connected").Inc()
	} else {
		m.WSConnectionsTotal.WithLabelValues("disconnected").Inc()
	}
}

// RecordSync 记录一次同步
func (m *Metrics) RecordSync(result, changeType string, duration time.Duration) {
	m.SyncTotal.WithLabelValues(result, changeType).Inc()
	if result == "success" {
		m.SyncDuration.WithLabelValues(changeType).Observe(duration.Seconds())
	}
}

// RecordOperation 记录已提交的操作
func (m *Metrics) RecordOperation(opType string) {
	m.OperationsTotal.WithLabelValues(opType).Inc()
}

// RecordConflict 记录冲突
func (m *Metrics) RecordConflict(resolution string) {
	m.ConflictsTotal.WithLabelValues(resolution).Inc()
}

// RecordLock 记录加锁/解锁
func (m *Metrics) RecordLock(action, result string) {
	m.LockOpsTotal.WithLabelValues(action, result).Inc()
}

// RecordEvent 记录协作事件广播
func (m *Metrics) RecordEvent(eventType string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.EventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordJob 记录任务投递结果
func (m *Metrics) RecordJob(published bool) {
	if published {
		m.JobsTotal.WithLabelValues("published").Inc()
	} else {
		m.JobsTotal.WithLabelValues("dropped").Inc()
	}
}

// RecordError 记录错误
func (m *Metrics) RecordError(errType, code string) {
	m.ErrorsTotal.WithLabelValues(errType, code).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic(location string) {
	m.PanicsTotal.WithLabelValues(location).Inc()
}
