package middleware

import (
	"net/http"

	"github.com/aetherflow/collabsync/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDHeader 响应中返回的 trace ID
const TraceIDHeader = "X-Trace-ID"

// TracingMiddleware 创建链路追踪中间件
func TracingMiddleware(tracer *tracing.Tracer, route string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if tracer == nil || !tracer.IsEnabled() {
				next(w, r)
				return
			}

			ctx := tracer.Extract(r.Context(), r.Header)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", route),
					attribute.String("url.path", r.URL.Path),
					attribute.String("server.address", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("request_id", RequestIDFromContext(r.Context())),
				),
			)
			defer span.End()

			rec := newResponseRecorder(w)
			if traceID := tracing.TraceID(ctx); traceID != "" {
				rec.Header().Set(TraceIDHeader, traceID)
			}

			next(rec, r.WithContext(ctx))

			span.SetAttributes(
				attribute.Int("http.response.status_code", rec.statusCode),
				attribute.Int64("http.response_size", rec.bytesWritten),
			)
			if rec.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
	}
}
