package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector 周期性采集系统指标
type Collector struct {
	metrics  *Metrics
	logger   *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector 创建指标采集器
func NewCollector(metrics *Metrics, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		metrics:  metrics,
		logger:   logger,
		interval: 10 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start 开始收集系统指标
func (c *Collector) Start() {
	c.collectSystemMetrics()
	go c.collectLoop()
	c.logger.Info("Metrics collector started")
}

// Stop 停止收集
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.logger.Info("Metrics collector stopped")
	})
}

// collectLoop 收集循环
func (c *Collector) collectLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collectSystemMetrics()
		case <-c.stopCh:
			return
		}
	}
}

// collectSystemMetrics 收集系统指标
func (c *Collector) collectSystemMetrics() {
	numGoroutines := runtime.NumGoroutine()
	c.metrics.GoRoutines.Set(float64(numGoroutines))

	c.logger.Debug("System metrics collected",
		zap.Int("goroutines", numGoroutines),
	)
}

// Handler 暴露 Prometheus 指标
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
