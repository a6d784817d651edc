package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/presence"
	"github.com/aetherflow/collabsync/internal/statesync"
)

type fakeService struct {
	mu      sync.Mutex
	joins   []*presence.JoinRequest
	leaves  []*presence.LeaveRequest
	syncs   []*statesync.SyncRequest
	cursors []int
	typing  []bool
	joinErr error
}

func (f *fakeService) Join(ctx context.Context, req *presence.JoinRequest) (*presence.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.joins = append(f.joins, req)
	return &presence.SessionState{SessionID: req.SessionID}, nil
}

func (f *fakeService) Leave(ctx context.Context, req *presence.LeaveRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, req)
	return nil
}

func (f *fakeService) SubmitChanges(ctx context.Context, sessionID string, req *statesync.SyncRequest) (*statesync.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, req)
	if req.ClientVersion == 0 {
		err := statesync.ErrInvalidVersion
		return &statesync.SyncResult{Code: statesync.CodeInvalidVersion, Error: err.Error()}, err
	}
	return &statesync.SyncResult{Success: true, NewVersion: req.ClientVersion + 1}, nil
}

func (f *fakeService) UpdateCursor(ctx context.Context, sessionID, docID, userID string, position int, selection *presence.Selection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, position)
	return nil
}

func (f *fakeService) UpdateTyping(ctx context.Context, sessionID, docID, userID string, isTyping bool, position *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
	return nil
}

func (f *fakeService) UpdatePresence(ctx context.Context, userID string, status presence.Status, location, docID string, metadata map[string]string) (*presence.UserPresence, error) {
	return &presence.UserPresence{UserID: userID, Status: status, Location: location}, nil
}

// clientMessage builds a message the way it arrives off the wire
func clientMessage(t *testing.T, msgType MessageType, data interface{}) *Message {
	t.Helper()
	raw, err := json.Marshal(&Message{ID: "req-1", Type: msgType, Data: data})
	require.NoError(t, err)
	msg, err := FromJSON(raw)
	require.NoError(t, err)
	return msg
}

func newTestHandler(t *testing.T) (*CollabHandler, *fakeService, *Connection) {
	service := &fakeService{}
	return NewCollabHandler(service, zaptest.NewLogger(t)), service, createTestConnection("conn1", "alice")
}

func TestCollabHandler_Ping(t *testing.T) {
	handler, _, conn := newTestHandler(t)

	handler.HandleMessage(conn, clientMessage(t, MessageTypePing, nil))

	reply := expectMessage(t, conn, MessageTypePong)
	assert.Equal(t, "req-1", reply.RequestID)
}

func TestCollabHandler_JoinAndDisconnect(t *testing.T) {
	handler, service, conn := newTestHandler(t)

	handler.HandleMessage(conn, clientMessage(t, MessageTypeJoin, JoinData{SessionID: "s1", DocumentID: "doc1"}))
	reply := expectMessage(t, conn, MessageTypeAck)
	assert.Equal(t, "req-1", reply.RequestID)

	require.Len(t, service.joins, 1)
	assert.Equal(t, "alice", service.joins[0].UserID)
	assert.Equal(t, "conn1", service.joins[0].ConnectionID)
	assert.Equal(t, "doc1", conn.Sessions()["s1"])

	handler.OnDisconnect(conn)
	require.Len(t, service.leaves, 1)
	assert.Equal(t, "doc1", service.leaves[0].DocumentID)
}

func TestCollabHandler_JoinErrors(t *testing.T) {
	handler, service, conn := newTestHandler(t)

	handler.HandleMessage(conn, clientMessage(t, MessageTypeJoin, JoinData{DocumentID: "doc1"}))
	reply := expectMessage(t, conn, MessageTypeError)
	assert.Equal(t, errSessionRequired.Error(), reply.Error)

	service.joinErr = errors.New("store down")
	handler.HandleMessage(conn, clientMessage(t, MessageTypeJoin, JoinData{SessionID: "s1"}))
	expectMessage(t, conn, MessageTypeError)
	assert.Empty(t, conn.Sessions())
}

func TestCollabHandler_Sync(t *testing.T) {
	handler, service, conn := newTestHandler(t)

	handler.HandleMessage(conn, clientMessage(t, MessageTypeSync, SyncData{
		SessionID:     "s1",
		DocumentID:    "doc1",
		ClientVersion: 3,
		Operations:    []ot.Operation{ot.Insert(0, "x")},
	}))

	reply := expectMessage(t, conn, MessageTypeSyncResult)
	result := reply.Data.(*statesync.SyncResult)
	assert.True(t, result.Success)
	assert.Equal(t, uint64(4), result.NewVersion)

	require.Len(t, service.syncs, 1)
	assert.Equal(t, "alice", service.syncs[0].UserID)
	assert.Equal(t, []ot.Operation{ot.Insert(0, "x")}, service.syncs[0].Operations)

	// 失败结果同样以 sync_result 返回
	handler.HandleMessage(conn, clientMessage(t, MessageTypeSync, SyncData{DocumentID: "doc1"}))
	reply = expectMessage(t, conn, MessageTypeSyncResult)
	assert.Equal(t, statesync.CodeInvalidVersion, reply.Data.(*statesync.SyncResult).Code)
}

func TestCollabHandler_CursorTypingPresence(t *testing.T) {
	handler, service, conn := newTestHandler(t)

	handler.HandleMessage(conn, clientMessage(t, MessageTypeCursor, CursorData{
		SessionID: "s1", DocumentID: "doc1", Position: 4,
	}))
	handler.HandleMessage(conn, clientMessage(t, MessageTypeTyping, TypingData{
		SessionID: "s1", DocumentID: "doc1", IsTyping: true,
	}))
	expectNoMessage(t, conn)
	assert.Equal(t, []int{4}, service.cursors)
	assert.Equal(t, []bool{true}, service.typing)

	handler.HandleMessage(conn, clientMessage(t, MessageTypePresence, PresenceData{Status: "away", Location: "doc1"}))
	reply := expectMessage(t, conn, MessageTypeAck)
	assert.Equal(t, presence.StatusAway, reply.Data.(*presence.UserPresence).Status)

	handler.HandleMessage(conn, clientMessage(t, MessageTypePresence, PresenceData{Status: "asleep"}))
	expectMessage(t, conn, MessageTypeError)
}

func TestCollabHandler_UnknownType(t *testing.T) {
	handler, _, conn := newTestHandler(t)

	handler.HandleMessage(conn, clientMessage(t, MessageType("bogus"), nil))
	reply := expectMessage(t, conn, MessageTypeError)
	assert.Equal(t, "Unknown message type", reply.Error)
}

func TestMessage_DecodeData(t *testing.T) {
	msg := clientMessage(t, MessageTypeJoin, map[string]string{"session_id": "s1"})
	var data JoinData
	require.NoError(t, msg.DecodeData(&data))
	assert.Equal(t, "s1", data.SessionID)

	// 服务端构造的消息同样可以解析
	local := NewMessage(MessageTypeJoin, JoinData{SessionID: "s2"})
	require.NoError(t, local.DecodeData(&data))
	assert.Equal(t, "s2", data.SessionID)

	assert.Error(t, NewMessage(MessageTypeJoin, nil).DecodeData(&data))
}
