package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/aetherflow/collabsync/internal/metrics"
)

// MetricsMiddleware 创建指标中间件.
// route 用作 path 标签, 避免文档 ID 造成标签基数膨胀.
func MetricsMiddleware(m *metrics.Metrics, route string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.Inc()
			defer m.HTTPActiveRequests.Dec()

			rec := newResponseRecorder(w)
			next(rec, r)

			path := route
			if path == "" {
				path = r.URL.Path
			}
			m.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.statusCode), time.Since(start))
		}
	}
}
