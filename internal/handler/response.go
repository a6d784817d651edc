package handler

import (
	"errors"
	"net/http"

	"github.com/zeromicro/go-zero/rest/httpx"

	"github.com/aetherflow/collabsync/internal/middleware"
	"github.com/aetherflow/collabsync/internal/presence"
	"github.com/aetherflow/collabsync/internal/statesync"
)

// Response 通用响应结构
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// SuccessResponse 成功响应
func SuccessResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	httpx.WriteJsonCtx(r.Context(), w, http.StatusOK, Response{
		Code:      0,
		Message:   "success",
		Data:      data,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

// ErrorResponse 错误响应
func ErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	writeError(w, r, statusCode, message, nil)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string, data interface{}) {
	httpx.WriteJsonCtx(r.Context(), w, statusCode, Response{
		Code:      statusCode,
		Message:   message,
		Data:      data,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

// BadRequestResponse 400错误
func BadRequestResponse(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(w, r, http.StatusBadRequest, message)
}

// UnauthorizedResponse 401错误
func UnauthorizedResponse(w http.ResponseWriter, r *http.Request) {
	ErrorResponse(w, r, http.StatusUnauthorized, "missing caller identity")
}

// errorStatus 将领域错误映射为 HTTP 状态码
func errorStatus(err error) int {
	switch {
	case errors.Is(err, statesync.ErrDocumentNotFound),
		errors.Is(err, presence.ErrPresenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, statesync.ErrDocumentExists),
		errors.Is(err, statesync.ErrInvalidVersion):
		return http.StatusConflict
	case errors.Is(err, statesync.ErrLockHeld):
		return http.StatusLocked
	case errors.Is(err, presence.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, statesync.ErrManagerClosed),
		errors.Is(err, presence.ErrBroadcasterClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// syncStatus 同步结果码对应的 HTTP 状态码
func syncStatus(code statesync.ResultCode) int {
	switch code {
	case statesync.CodeOK:
		return http.StatusOK
	case statesync.CodeNotFound:
		return http.StatusNotFound
	case statesync.CodeInvalidVersion:
		return http.StatusConflict
	case statesync.CodeInvalidOperation:
		return http.StatusBadRequest
	case statesync.CodeLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// DomainErrorResponse 按错误类型返回
func DomainErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	ErrorResponse(w, r, errorStatus(err), err.Error())
}
