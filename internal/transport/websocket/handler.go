package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/presence"
	"github.com/aetherflow/collabsync/internal/statesync"
)

const requestTimeout = 10 * time.Second

// MessageHandler 消息处理器接口
type MessageHandler interface {
	HandleMessage(conn *Connection, msg *Message)
}

// Service is the collaboration surface driven by websocket clients
type Service interface {
	Join(ctx context.Context, req *presence.JoinRequest) (*presence.SessionState, error)
	Leave(ctx context.Context, req *presence.LeaveRequest) error
	SubmitChanges(ctx context.Context, sessionID string, req *statesync.SyncRequest) (*statesync.SyncResult, error)
	UpdateCursor(ctx context.Context, sessionID, docID, userID string, position int, selection *presence.Selection) error
	UpdateTyping(ctx context.Context, sessionID, docID, userID string, isTyping bool, position *int) error
	UpdatePresence(ctx context.Context, userID string, status presence.Status, location, docID string, metadata map[string]string) (*presence.UserPresence, error)
}

// CollabHandler 协作消息处理器
type CollabHandler struct {
	service Service
	logger  *zap.Logger
}

// NewCollabHandler 创建协作消息处理器
func NewCollabHandler(service Service, logger *zap.Logger) *CollabHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollabHandler{
		service: service,
		logger:  logger,
	}
}

// HandleMessage 处理消息
func (h *CollabHandler) HandleMessage(conn *Connection, msg *Message) {
	h.logger.Debug("Handling message",
		zap.String("conn_id", conn.ID),
		zap.String("msg_type", string(msg.Type)),
		zap.String("msg_id", msg.ID),
	)

	ctx, cancel := context.WithTimeout(conn.Context(), requestTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case MessageTypePing:
		conn.Send(NewReply(msg, MessageTypePong, map[string]interface{}{
			"timestamp": msg.Timestamp,
		}))

	case MessageTypeJoin:
		err = h.handleJoin(ctx, conn, msg)

	case MessageTypeLeave:
		err = h.handleLeave(ctx, conn, msg)

	case MessageTypeSync:
		err = h.handleSync(ctx, conn, msg)

	case MessageTypeCursor:
		err = h.handleCursor(ctx, conn, msg)

	case MessageTypeTyping:
		err = h.handleTyping(ctx, conn, msg)

	case MessageTypePresence:
		err = h.handlePresence(ctx, conn, msg)

	default:
		h.logger.Warn("Unknown message type",
			zap.String("conn_id", conn.ID),
			zap.String("msg_type", string(msg.Type)),
		)
		h.replyError(conn, msg, "Unknown message type")
	}

	if err != nil {
		h.logger.Warn("Failed to handle message",
			zap.String("conn_id", conn.ID),
			zap.String("msg_type", string(msg.Type)),
			zap.Error(err),
		)
		h.replyError(conn, msg, err.Error())
	}
}

func (h *CollabHandler) handleJoin(ctx context.Context, conn *Connection, msg *Message) error {
	var data JoinData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}
	if data.SessionID == "" {
		return errSessionRequired
	}

	conn.TrackSession(data.SessionID, data.DocumentID)
	state, err := h.service.Join(ctx, &presence.JoinRequest{
		SessionID:    data.SessionID,
		UserID:       conn.UserID,
		DocumentID:   data.DocumentID,
		ConnectionID: conn.ID,
	})
	if err != nil {
		conn.UntrackSession(data.SessionID)
		return err
	}

	conn.Send(NewReply(msg, MessageTypeAck, state))
	return nil
}

func (h *CollabHandler) handleLeave(ctx context.Context, conn *Connection, msg *Message) error {
	var data LeaveData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}

	docID := conn.Sessions()[data.SessionID]
	conn.UntrackSession(data.SessionID)
	if err := h.service.Leave(ctx, &presence.LeaveRequest{
		SessionID:    data.SessionID,
		UserID:       conn.UserID,
		DocumentID:   docID,
		ConnectionID: conn.ID,
	}); err != nil {
		return err
	}

	conn.Send(NewReply(msg, MessageTypeAck, map[string]interface{}{
		"session_id": data.SessionID,
	}))
	return nil
}

func (h *CollabHandler) handleSync(ctx context.Context, conn *Connection, msg *Message) error {
	var data SyncData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}

	// 同步失败也通过 sync_result 返回错误码
	result, _ := h.service.SubmitChanges(ctx, data.SessionID, &statesync.SyncRequest{
		DocumentID:    data.DocumentID,
		Operations:    data.Operations,
		ClientVersion: data.ClientVersion,
		UserID:        conn.UserID,
	})
	conn.Send(NewReply(msg, MessageTypeSyncResult, result))
	return nil
}

func (h *CollabHandler) handleCursor(ctx context.Context, conn *Connection, msg *Message) error {
	var data CursorData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}
	return h.service.UpdateCursor(ctx, data.SessionID, data.DocumentID, conn.UserID, data.Position, data.Selection)
}

func (h *CollabHandler) handleTyping(ctx context.Context, conn *Connection, msg *Message) error {
	var data TypingData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}
	return h.service.UpdateTyping(ctx, data.SessionID, data.DocumentID, conn.UserID, data.IsTyping, data.Position)
}

func (h *CollabHandler) handlePresence(ctx context.Context, conn *Connection, msg *Message) error {
	var data PresenceData
	if err := msg.DecodeData(&data); err != nil {
		return err
	}

	status, err := presence.ParseStatus(data.Status)
	if err != nil {
		return err
	}

	p, err := h.service.UpdatePresence(ctx, conn.UserID, status, data.Location, data.DocumentID, data.Metadata)
	if err != nil {
		return err
	}

	conn.Send(NewReply(msg, MessageTypeAck, p))
	return nil
}

// OnDisconnect leaves every session the connection joined
func (h *CollabHandler) OnDisconnect(conn *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	for sessionID, docID := range conn.Sessions() {
		if err := h.service.Leave(ctx, &presence.LeaveRequest{
			SessionID:  sessionID,
			UserID:     conn.UserID,
			DocumentID: docID,
		}); err != nil {
			h.logger.Warn("Failed to leave session on disconnect",
				zap.String("conn_id", conn.ID),
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}

func (h *CollabHandler) replyError(conn *Connection, req *Message, text string) {
	msg := NewErrorMessage(text)
	msg.RequestID = req.ID
	conn.Send(msg)
}
