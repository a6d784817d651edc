package tracing

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "disabled tracer",
			config:  &Config{Enable: false, ServiceName: "test-service"},
			wantErr: false,
		},
		{
			name: "zipkin exporter",
			config: &Config{
				Enable:       true,
				ServiceName:  "test-service",
				Endpoint:     "http://localhost:9411/api/v2/spans",
				Exporter:     "zipkin",
				SampleRate:   1.0,
				BatchTimeout: 1,
				MaxQueueSize: 16,
			},
			wantErr: false,
		},
		{
			name: "jaeger exporter",
			config: &Config{
				Enable:       true,
				ServiceName:  "test-service",
				Endpoint:     "http://localhost:14268/api/traces",
				Exporter:     "jaeger",
				SampleRate:   0.5,
				BatchTimeout: 1,
				MaxQueueSize: 16,
			},
			wantErr: false,
		},
		{
			name: "invalid exporter",
			config: &Config{
				Enable:      true,
				ServiceName: "test-service",
				Exporter:    "invalid",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, err := NewTracer(tt.config, zaptest.NewLogger(t))
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTracer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				tracer.Shutdown(ctx)
			}()

			if tracer.IsEnabled() != tt.config.Enable {
				t.Errorf("IsEnabled() = %v, want %v", tracer.IsEnabled(), tt.config.Enable)
			}

			ctx, span := tracer.Start(context.Background(), "test-span")
			defer span.End()

			if tt.config.Enable && tt.config.SampleRate >= 1.0 && TraceID(ctx) == "" {
				t.Error("expected a sampled span with a trace ID")
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, sdktrace.AlwaysSample().Description()},
		{0.0, sdktrace.NeverSample().Description()},
		{0.25, sdktrace.TraceIDRatioBased(0.25).Description()},
	}

	for _, tt := range tests {
		if got := newSampler(tt.rate).Description(); got != tt.want {
			t.Errorf("newSampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func TestExtract(t *testing.T) {
	tracer, err := NewTracer(&Config{
		Enable:       true,
		ServiceName:  "test-service",
		Endpoint:     "http://localhost:9411/api/v2/spans",
		Exporter:     "zipkin",
		SampleRate:   1.0,
		BatchTimeout: 1,
		MaxQueueSize: 16,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	header := http.Header{}
	header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	ctx := tracer.Extract(context.Background(), header)
	ctx, span := tracer.Start(ctx, "child")
	defer span.End()

	if got := TraceID(ctx); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("TraceID() = %s, want upstream trace id", got)
	}
	if TraceID(context.Background()) != "" {
		t.Error("expected empty trace id without a span")
	}
}
