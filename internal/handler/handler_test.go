package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/rest/pathvar"

	"github.com/aetherflow/collabsync/internal/config"
	"github.com/aetherflow/collabsync/internal/middleware"
	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/svc"
)

type apiResponse struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

func newTestContext(t *testing.T) *svc.ServiceContext {
	t.Helper()

	var c config.Config
	require.NoError(t, conf.LoadFromYamlBytes([]byte(`
Name: collab-test
Host: 127.0.0.1
Port: 0
Metrics:
  Enable: false
`), &c))

	svcCtx, err := svc.NewServiceContext(c)
	require.NoError(t, err)
	t.Cleanup(func() { svcCtx.Close(context.Background()) })
	return svcCtx
}

// call runs h with the identity and path variables a routed request would carry
func call(t *testing.T, h http.HandlerFunc, method, target, userID, body string, vars map[string]string) (int, apiResponse) {
	t.Helper()

	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		r.Header.Set(middleware.UserIDHeader, userID)
	}
	if vars != nil {
		r = pathvar.WithVars(r, vars)
	}

	rec := httptest.NewRecorder()
	middleware.Chain(h, middleware.RequestIDMiddleware, middleware.IdentityMiddleware)(rec, r)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func createDocument(t *testing.T, svcCtx *svc.ServiceContext, id, content string) {
	t.Helper()
	code, _ := call(t, CreateDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents", "alice",
		`{"document_id":"`+id+`","initial_content":"`+content+`","organization_id":"org-1"}`, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestCreateAndGetDocument(t *testing.T) {
	svcCtx := newTestContext(t)

	code, resp := call(t, CreateDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents", "alice",
		`{"document_id":"doc-1","type":"note","initial_content":"hello"}`, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, resp.Code)
	assert.NotEmpty(t, resp.RequestID)

	var doc struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Version   uint64 `json:"version"`
		Checksum  string `json:"checksum"`
		CreatedBy string `json:"created_by"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &doc))
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "note", doc.Type)
	assert.Equal(t, uint64(1), doc.Version)
	assert.Equal(t, ot.Checksum("hello"), doc.Checksum)
	assert.Equal(t, "alice", doc.CreatedBy)

	code, _ = call(t, CreateDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents", "alice",
		`{"document_id":"doc-1"}`, nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(t, GetDocumentHandler(svcCtx), http.MethodGet, "/api/v1/documents/doc-1", "", "",
		map[string]string{"id": "doc-1"})
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, GetDocumentHandler(svcCtx), http.MethodGet, "/api/v1/documents/missing", "", "",
		map[string]string{"id": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateDocument_RequiresIdentity(t *testing.T) {
	svcCtx := newTestContext(t)

	code, _ := call(t, CreateDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents", "",
		`{"document_id":"doc-1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestSyncDocument(t *testing.T) {
	svcCtx := newTestContext(t)
	createDocument(t, svcCtx, "doc-1", "abcdef")
	vars := map[string]string{"id": "doc-1"}

	// bob 基于版本1删除 "bcde"
	code, _ := call(t, SyncDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/sync", "bob",
		`{"client_version":1,"operations":[{"type":"delete","position":1,"length":4}]}`, vars)
	require.Equal(t, http.StatusOK, code)

	// alice 同样基于版本1删除 "cd", 变换后为空操作
	code, resp := call(t, SyncDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/sync", "alice",
		`{"client_version":1,"operations":[{"type":"delete","position":2,"length":2}]}`, vars)
	require.Equal(t, http.StatusOK, code)

	var result struct {
		Success    bool   `json:"success"`
		NewVersion uint64 `json:"new_version"`
		Checksum   string `json:"checksum"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, uint64(3), result.NewVersion)
	assert.Equal(t, ot.Checksum("af"), result.Checksum)

	code, resp = call(t, SyncDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/sync", "alice",
		`{"client_version":9,"operations":[]}`, vars)
	assert.Equal(t, http.StatusConflict, code)
	var failed struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &failed))
	assert.False(t, failed.Success)
	assert.Equal(t, "invalid_version", failed.Code)

	code, _ = call(t, SyncDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/sync", "alice",
		`{"client_version":3,"operations":[{"type":"insert","position":-1,"content":"x"}]}`, vars)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, SyncDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/sync", "alice",
		`{not json`, vars)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistoryAndChecksum(t *testing.T) {
	svcCtx := newTestContext(t)
	createDocument(t, svcCtx, "doc-1", "abc")
	vars := map[string]string{"id": "doc-1"}

	for i := 1; i <= 3; i++ {
		code, _ := call(t, SyncDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/sync", "alice",
			`{"client_version":`+strconv.Itoa(i)+`,"operations":[{"type":"insert","position":0,"content":"x"}]}`, vars)
		require.Equal(t, http.StatusOK, code)
	}

	code, resp := call(t, GetDocumentHistoryHandler(svcCtx), http.MethodGet,
		"/api/v1/documents/doc-1/history?limit=2&offset=0", "", "", vars)
	require.Equal(t, http.StatusOK, code)

	var history struct {
		Versions []struct {
			Version uint64 `json:"version"`
		} `json:"versions"`
		TotalVersions int  `json:"total_versions"`
		HasMore       bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	require.Len(t, history.Versions, 2)
	assert.Equal(t, uint64(4), history.Versions[0].Version)
	assert.Equal(t, 4, history.TotalVersions)
	assert.True(t, history.HasMore)

	code, resp = call(t, VerifyChecksumHandler(svcCtx), http.MethodGet,
		"/api/v1/documents/doc-1/checksum?checksum="+ot.Checksum("xxxabc"), "", "", vars)
	require.Equal(t, http.StatusOK, code)
	var report struct {
		Match   bool   `json:"match"`
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.True(t, report.Match)
	assert.Equal(t, uint64(4), report.Version)

	code, _ = call(t, VerifyChecksumHandler(svcCtx), http.MethodGet,
		"/api/v1/documents/doc-1/checksum", "", "", vars)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLockHandlers(t *testing.T) {
	svcCtx := newTestContext(t)
	createDocument(t, svcCtx, "doc-1", "abc")
	vars := map[string]string{"id": "doc-1"}

	code, resp := call(t, LockDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/lock", "alice",
		`{"duration_seconds":60}`, vars)
	require.Equal(t, http.StatusOK, code)
	var lock struct {
		LockedBy string `json:"locked_by"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &lock))
	assert.Equal(t, "alice", lock.LockedBy)

	code, _ = call(t, LockDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/lock", "bob", "", vars)
	assert.Equal(t, http.StatusLocked, code)

	code, _ = call(t, UnlockDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/unlock", "bob", "", vars)
	assert.Equal(t, http.StatusLocked, code)

	code, _ = call(t, UnlockDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/unlock", "alice", "", vars)
	assert.Equal(t, http.StatusOK, code)

	code, resp = call(t, GetLockHandler(svcCtx), http.MethodGet, "/api/v1/documents/doc-1/lock", "", "", vars)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"locked":false`)
}

func TestPresenceAndSessionEvents(t *testing.T) {
	svcCtx := newTestContext(t)

	code, _ := call(t, UpdatePresenceHandler(svcCtx), http.MethodPut, "/api/v1/presence", "alice",
		`{"status":"sleeping"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, UpdatePresenceHandler(svcCtx), http.MethodPut, "/api/v1/presence", "alice",
		`{"status":"busy","location":"doc-1","document_id":"doc-1"}`, nil)
	require.Equal(t, http.StatusOK, code)

	code, resp := call(t, GetPresenceHandler(svcCtx), http.MethodGet, "/api/v1/presence/alice", "", "",
		map[string]string{"id": "alice"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"busy"`)

	code, _ = call(t, GetPresenceHandler(svcCtx), http.MethodGet, "/api/v1/presence/nobody", "", "",
		map[string]string{"id": "nobody"})
	assert.Equal(t, http.StatusNotFound, code)

	createDocument(t, svcCtx, "doc-1", "abc")
	code, _ = call(t, LockDocumentHandler(svcCtx), http.MethodPost, "/api/v1/documents/doc-1/lock", "alice",
		`{"session_id":"s1"}`, map[string]string{"id": "doc-1"})
	require.Equal(t, http.StatusOK, code)

	code, resp = call(t, GetSessionEventsHandler(svcCtx), http.MethodGet, "/api/v1/sessions/s1/events?limit=10", "", "",
		map[string]string{"id": "s1"})
	require.Equal(t, http.StatusOK, code)
	var page struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "lock_acquired", page.Events[0].Type)
}

func TestHealthAndStats(t *testing.T) {
	svcCtx := newTestContext(t)

	rec := httptest.NewRecorder()
	HealthCheckHandler(svcCtx)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "UP", health.Status)
	assert.Equal(t, "collab-test", health.Service)

	rec = httptest.NewRecorder()
	PingHandler(svcCtx)(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", rec.Body.String())

	code, resp := call(t, WebSocketStatsHandler(svcCtx), http.MethodGet, "/ws/stats", "", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), "total_connections")
}

func TestRoutes_Instrumented(t *testing.T) {
	svcCtx := newTestContext(t)

	routes := APIRoutes(svcCtx)
	require.Len(t, routes, 11)
	for _, route := range routes {
		assert.True(t, strings.HasPrefix(route.Path, "/"), route.Path)
		assert.NotNil(t, route.Handler)
	}
	assert.Len(t, Routes(svcCtx), 3)
}
