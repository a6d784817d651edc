package handler

import (
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"
	"github.com/zeromicro/go-zero/rest/pathvar"

	"github.com/aetherflow/collabsync/internal/middleware"
	"github.com/aetherflow/collabsync/internal/presence"
	"github.com/aetherflow/collabsync/internal/svc"
)

// UpdatePresenceRequest 在线状态更新请求体
type UpdatePresenceRequest struct {
	Status     string            `json:"status"`
	Location   string            `json:"location"`
	DocumentID string            `json:"document_id"`
	Metadata   map[string]string `json:"metadata"`
}

// UpdatePresenceHandler 更新调用方的在线状态
func UpdatePresenceHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			UnauthorizedResponse(w, r)
			return
		}

		var req UpdatePresenceRequest
		if err := decodeBody(r, &req); err != nil {
			BadRequestResponse(w, r, "Invalid request body")
			return
		}

		p, err := svcCtx.Service.UpdatePresence(r.Context(), userID, presence.Status(req.Status),
			req.Location, req.DocumentID, req.Metadata)
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, p)
	}
}

// GetPresenceHandler 查询用户在线状态
func GetPresenceHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svcCtx.Service.GetUserPresence(r.Context(), pathvar.Vars(r)["id"])
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, p)
	}
}

// GetSessionEventsHandler 分页获取会话事件, 最新的在前
func GetSessionEventsHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q PageQuery
		if err := httpx.ParseForm(r, &q); err != nil {
			BadRequestResponse(w, r, err.Error())
			return
		}

		page, err := svcCtx.Service.GetSessionEvents(r.Context(), pathvar.Vars(r)["id"], q.Limit, q.Offset)
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, page)
	}
}
