package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggerMiddleware 日志中间件
// 记录每个HTTP请求的方法、路径、状态码和耗时
func LoggerMiddleware(logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			rec := newResponseRecorder(w)

			next(rec, r)

			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("user_id", UserIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", rec.statusCode),
				zap.Int64("size", rec.bytesWritten),
				zap.Duration("duration", time.Since(startTime)),
			}

			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				logger.Error("HTTP Request", fields...)
			case rec.statusCode >= http.StatusBadRequest:
				logger.Warn("HTTP Request", fields...)
			default:
				logger.Info("HTTP Request", fields...)
			}
		}
	}
}
