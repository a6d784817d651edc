package handler

import (
	"net/http"

	"github.com/aetherflow/collabsync/internal/svc"
)

// WebSocketHandler WebSocket 连接入口
func WebSocketHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return svcCtx.WSServer.HandleWebSocket()
}

// WebSocketStatsHandler 连接统计
func WebSocketStatsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := svcCtx.WSServer.GetStats()
		if svcCtx.Bus != nil {
			stats["instance_id"] = svcCtx.Bus.InstanceID()
		}
		if svcCtx.Registry != nil {
			stats["instances"] = svcCtx.Registry.Peers()
		}
		SuccessResponse(w, r, stats)
	}
}
