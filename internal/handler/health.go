package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/zeromicro/go-zero/rest/httpx"

	"github.com/aetherflow/collabsync/internal/svc"
)

const version = "0.4.0"

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Service    string            `json:"service"`
	Version    string            `json:"version"`
	Components map[string]string `json:"components,omitempty"`
}

// HealthCheckHandler 健康检查
func HealthCheckHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		components, healthy := svcCtx.CheckHealth(ctx)
		response := HealthResponse{
			Status:     "UP",
			Timestamp:  time.Now(),
			Service:    svcCtx.Config.Name,
			Version:    version,
			Components: components,
		}

		status := http.StatusOK
		if !healthy {
			response.Status = "DOWN"
			status = http.StatusServiceUnavailable
		}
		httpx.WriteJsonCtx(r.Context(), w, status, response)
	}
}

// PingHandler Ping处理器
func PingHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}
