package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest"

	"github.com/aetherflow/collabsync/internal/middleware"
	"github.com/aetherflow/collabsync/internal/svc"
)

const apiPrefix = "/api/v1"

// RegisterHandlers 注册所有路由
func RegisterHandlers(server *rest.Server, svcCtx *svc.ServiceContext) {
	server.AddRoutes(Routes(svcCtx))

	// WebSocket 长连接不做指标和追踪包装
	server.AddRoutes([]rest.Route{
		{
			Method:  http.MethodGet,
			Path:    "/ws",
			Handler: WebSocketHandler(svcCtx),
		},
	})

	server.AddRoutes(APIRoutes(svcCtx), rest.WithPrefix(apiPrefix))
}

// Routes 健康检查和监控
func Routes(svcCtx *svc.ServiceContext) []rest.Route {
	return instrument(svcCtx, "", []rest.Route{
		{Method: http.MethodGet, Path: "/health", Handler: HealthCheckHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/ping", Handler: PingHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/ws/stats", Handler: WebSocketStatsHandler(svcCtx)},
	})
}

// APIRoutes 文档、锁、在线状态与会话事件
func APIRoutes(svcCtx *svc.ServiceContext) []rest.Route {
	return instrument(svcCtx, apiPrefix, []rest.Route{
		// 文档
		{Method: http.MethodPost, Path: "/documents", Handler: CreateDocumentHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/documents/:id", Handler: GetDocumentHandler(svcCtx)},
		{Method: http.MethodPost, Path: "/documents/:id/sync", Handler: SyncDocumentHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/documents/:id/history", Handler: GetDocumentHistoryHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/documents/:id/checksum", Handler: VerifyChecksumHandler(svcCtx)},

		// 锁
		{Method: http.MethodGet, Path: "/documents/:id/lock", Handler: GetLockHandler(svcCtx)},
		{Method: http.MethodPost, Path: "/documents/:id/lock", Handler: LockDocumentHandler(svcCtx)},
		{Method: http.MethodPost, Path: "/documents/:id/unlock", Handler: UnlockDocumentHandler(svcCtx)},

		// 在线状态与会话
		{Method: http.MethodPut, Path: "/presence", Handler: UpdatePresenceHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/presence/:id", Handler: GetPresenceHandler(svcCtx)},
		{Method: http.MethodGet, Path: "/sessions/:id/events", Handler: GetSessionEventsHandler(svcCtx)},
	})
}

// instrument 为每个路由加上以路由模板为标签的指标和追踪
func instrument(svcCtx *svc.ServiceContext, prefix string, routes []rest.Route) []rest.Route {
	for i := range routes {
		route := prefix + routes[i].Path
		routes[i].Handler = middleware.Chain(routes[i].Handler,
			middleware.TracingMiddleware(svcCtx.Tracer, route),
			middleware.MetricsMiddleware(svcCtx.Metrics, route),
		)
	}
	return routes
}
