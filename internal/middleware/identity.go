package middleware

import (
	"net/http"
	"strings"
)

const (
	// UserIDHeader 调用方身份 Header, 由上游网关注入
	UserIDHeader = "X-User-ID"
	// UserIDParam 无法设置 Header 的客户端 (如浏览器 WebSocket) 使用的查询参数
	UserIDParam = "user_id"
)

// UserIDFromRequest 从请求头或查询参数读取调用方用户ID
func UserIDFromRequest(r *http.Request) string {
	if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
		return userID
	}
	return strings.TrimSpace(r.URL.Query().Get(UserIDParam))
}

// IdentityMiddleware 将调用方用户ID放入 context.
// 身份是受信的, 缺失时不拦截, 由具体 handler 决定是否必须.
func IdentityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userID := UserIDFromRequest(r); userID != "" {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		next(w, r)
	}
}
