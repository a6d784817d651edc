package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aetherflow/collabsync/internal/metrics"
	"github.com/aetherflow/collabsync/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
}

func TestIdentityMiddleware(t *testing.T) {
	var seen string
	h := IdentityMiddleware(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserIDHeader, "alice")
	h(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", seen)

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?user_id=bob", nil))
	assert.Equal(t, "bob", seen)

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, seen)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(1, 2)(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 不限流
	unlimited := RateLimitMiddleware(0, 0)(okHandler)
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		unlimited(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.NewMetrics("collabsync", "mw_test")
	h := MetricsMiddleware(m, "/api/v1/documents/:id")(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/documents/d1", nil))
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/documents/d2", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/documents/:id", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HTTPActiveRequests))
}

func TestTracingMiddleware(t *testing.T) {
	tracer, err := tracing.NewTracer(&tracing.Config{
		Enable:       true,
		ServiceName:  "mw-test",
		Endpoint:     "http://localhost:9411/api/v2/spans",
		Exporter:     "zipkin",
		SampleRate:   1.0,
		BatchTimeout: 1,
		MaxQueueSize: 16,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	var traceID string
	h := TracingMiddleware(tracer, "/ping")(func(w http.ResponseWriter, r *http.Request) {
		traceID = tracing.TraceID(r.Context())
		okHandler(w, r)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NotEmpty(t, traceID)
	assert.Equal(t, traceID, rec.Header().Get(TraceIDHeader))

	// 关闭追踪时直接透传
	disabled, err := tracing.NewTracer(&tracing.Config{ServiceName: "mw-test"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	TracingMiddleware(disabled, "/ping")(okHandler)(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Empty(t, rec.Header().Get(TraceIDHeader))
}

func TestChain_LoggerRecordsStatus(t *testing.T) {
	var order []string
	mark := func(name string) func(http.HandlerFunc) http.HandlerFunc {
		return func(next http.HandlerFunc) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next(w, r)
			}
		}
	}

	h := Chain(okHandler,
		RequestIDMiddleware,
		mark("a"),
		LoggerMiddleware(zaptest.NewLogger(t)),
		mark("b"),
	)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
