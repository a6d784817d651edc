package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

const (
	// RequestIDHeader 请求ID的Header名称
	RequestIDHeader = "X-Request-ID"
)

// RequestIDMiddleware 请求ID中间件
// 沿用上游传入的请求ID, 否则生成 UUIDv7
func RequestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				requestID = "unknown"
			} else {
				requestID = id.String()
			}
		}

		w.Header().Set(RequestIDHeader, requestID)
		next(w, r.WithContext(withRequestID(r.Context(), requestID)))
	}
}
