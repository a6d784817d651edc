package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Config 链路追踪配置
type Config struct {
	Enable       bool    `json:",default=false"`                             // 是否启用追踪
	ServiceName  string  `json:",default=collab-service"`                    // 服务名称
	Endpoint     string  `json:",default=http://localhost:14268/api/traces"` // 收集端地址
	Exporter     string  `json:",default=jaeger,options=jaeger|zipkin"`      // 导出器类型
	SampleRate   float64 `json:",default=1.0"`                               // 采样率 (0.0-1.0)
	Environment  string  `json:",default=development"`                       // 环境
	BatchTimeout int     `json:",default=5"`                                 // 批量发送超时（秒）
	MaxQueueSize int     `json:",default=2048"`                              // 最大队列大小
}

// Tracer owns the global tracer provider. Packages create their spans through
// otel.Tracer, so a disabled Tracer leaves the no-op provider in place.
type Tracer struct {
	config   *Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewTracer 创建链路追踪管理器并注册为全局 provider
func NewTracer(cfg *Config, logger *zap.Logger) (*Tracer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.Enable {
		logger.Info("Tracing is disabled")
		return &Tracer{
			config: cfg,
			tracer: otel.Tracer(cfg.ServiceName),
			logger: logger,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(cfg, logger)
	if err != nil {
		return nil, err
	}

	batcher := sdktrace.NewBatchSpanProcessor(
		exporter,
		sdktrace.WithBatchTimeout(time.Duration(cfg.BatchTimeout)*time.Second),
		sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
		sdktrace.WithSpanProcessor(batcher),
	)

	otel.SetTracerProvider(provider)
	// W3C Trace Context + Baggage
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("exporter", cfg.Exporter),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return &Tracer{
		config:   cfg,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
		logger:   logger,
	}, nil
}

func newExporter(cfg *Config, logger *zap.Logger) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "jaeger":
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
		}
		logger.Info("Created Jaeger exporter", zap.String("endpoint", cfg.Endpoint))
		return exporter, nil
	case "zipkin":
		exporter, err := zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create zipkin exporter: %w", err)
		}
		logger.Info("Created Zipkin exporter", zap.String("endpoint", cfg.Endpoint))
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown 关闭追踪器, 刷新未发送的 span
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}

	t.logger.Info("Shutting down tracer")
	return t.provider.Shutdown(ctx)
}

// Start 开始一个新的 span
func (t *Tracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// IsEnabled 是否启用追踪
func (t *Tracer) IsEnabled() bool {
	return t.config.Enable
}

// Extract 从 HTTP 头提取上游追踪上下文
func (t *Tracer) Extract(ctx context.Context, header http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// TraceID 获取当前 trace ID
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
