package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/zeromicro/go-zero/rest/httpx"
	"github.com/zeromicro/go-zero/rest/pathvar"

	"github.com/aetherflow/collabsync/internal/middleware"
	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/statesync"
	"github.com/aetherflow/collabsync/internal/svc"
)

// CreateDocumentRequest 创建文档请求体
type CreateDocumentRequest struct {
	DocumentID     string            `json:"document_id"`
	Type           string            `json:"type"`
	InitialContent string            `json:"initial_content"`
	OrganizationID string            `json:"organization_id"`
	Metadata       map[string]string `json:"metadata"`
}

// SyncDocumentRequest 同步请求体
type SyncDocumentRequest struct {
	SessionID      string         `json:"session_id"`
	Operations     []ot.Operation `json:"operations"`
	ClientVersion  uint64         `json:"client_version"`
	OrganizationID string         `json:"organization_id"`
}

// LockDocumentRequest 加锁/解锁请求体
type LockDocumentRequest struct {
	SessionID       string `json:"session_id"`
	DurationSeconds int    `json:"duration_seconds"` // 0 使用默认超时
}

// PageQuery 分页查询参数
type PageQuery struct {
	Limit  int `form:"limit,optional"`
	Offset int `form:"offset,optional"`
}

// ChecksumQuery 校验查询参数
type ChecksumQuery struct {
	Checksum string `form:"checksum"`
}

// decodeBody 解析 JSON 请求体, 空请求体视为零值
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func documentID(r *http.Request) string {
	return pathvar.Vars(r)["id"]
}

// CreateDocumentHandler 创建文档
func CreateDocumentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			UnauthorizedResponse(w, r)
			return
		}

		var req CreateDocumentRequest
		if err := decodeBody(r, &req); err != nil {
			BadRequestResponse(w, r, "Invalid request body")
			return
		}

		doc, err := svcCtx.Service.CreateDocument(r.Context(), &statesync.CreateDocumentRequest{
			DocumentID:     req.DocumentID,
			Type:           statesync.DocumentType(req.Type),
			InitialContent: req.InitialContent,
			OrganizationID: req.OrganizationID,
			CreatedBy:      userID,
			Metadata:       req.Metadata,
		})
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}

		SuccessResponse(w, r, doc)
	}
}

// GetDocumentHandler 获取文档
func GetDocumentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := svcCtx.Service.GetDocument(r.Context(), documentID(r))
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, doc)
	}
}

// SyncDocumentHandler 同步客户端操作, 携带 session_id 时广播给会话内其他用户
func SyncDocumentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			UnauthorizedResponse(w, r)
			return
		}

		var req SyncDocumentRequest
		if err := decodeBody(r, &req); err != nil {
			BadRequestResponse(w, r, "Invalid request body")
			return
		}

		result, err := svcCtx.Service.SubmitChanges(r.Context(), req.SessionID, &statesync.SyncRequest{
			DocumentID:     documentID(r),
			Operations:     req.Operations,
			ClientVersion:  req.ClientVersion,
			UserID:         userID,
			OrganizationID: req.OrganizationID,
		})
		if err != nil {
			// 失败时仍返回结构化结果, 客户端依据 code 决定重试或回滚
			writeError(w, r, syncStatus(result.Code), result.Error, result)
			return
		}

		SuccessResponse(w, r, result)
	}
}

// GetDocumentHistoryHandler 分页获取历史版本
func GetDocumentHistoryHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q PageQuery
		if err := httpx.ParseForm(r, &q); err != nil {
			BadRequestResponse(w, r, err.Error())
			return
		}

		history, err := svcCtx.Service.GetDocumentHistory(r.Context(), documentID(r), q.Limit, q.Offset)
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, history)
	}
}

// LockDocumentHandler 获取文档锁
func LockDocumentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			UnauthorizedResponse(w, r)
			return
		}

		var req LockDocumentRequest
		if err := decodeBody(r, &req); err != nil || req.DurationSeconds < 0 {
			BadRequestResponse(w, r, "Invalid request body")
			return
		}

		lock, err := svcCtx.Service.Lock(r.Context(), req.SessionID, documentID(r), userID,
			time.Duration(req.DurationSeconds)*time.Second)
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, lock)
	}
}

// UnlockDocumentHandler 释放文档锁
func UnlockDocumentHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			UnauthorizedResponse(w, r)
			return
		}

		var req LockDocumentRequest
		if err := decodeBody(r, &req); err != nil {
			BadRequestResponse(w, r, "Invalid request body")
			return
		}

		if err := svcCtx.Service.Unlock(r.Context(), req.SessionID, documentID(r), userID); err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, map[string]interface{}{"document_id": documentID(r), "locked": false})
	}
}

// GetLockHandler 查看当前有效的锁
func GetLockHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lock, err := svcCtx.Service.GetLock(r.Context(), documentID(r))
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		if lock == nil {
			SuccessResponse(w, r, map[string]interface{}{"document_id": documentID(r), "locked": false})
			return
		}
		SuccessResponse(w, r, lock)
	}
}

// VerifyChecksumHandler 校验客户端内容
func VerifyChecksumHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q ChecksumQuery
		if err := httpx.ParseForm(r, &q); err != nil {
			BadRequestResponse(w, r, err.Error())
			return
		}

		report, err := svcCtx.Service.VerifyChecksum(r.Context(), documentID(r), q.Checksum)
		if err != nil {
			DomainErrorResponse(w, r, err)
			return
		}
		SuccessResponse(w, r, report)
	}
}
