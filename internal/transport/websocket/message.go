package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/presence"
)

// MessageType 消息类型
type MessageType string

const (
	// 系统消息
	MessageTypePing  MessageType = "ping"  // 心跳请求
	MessageTypePong  MessageType = "pong"  // 心跳响应
	MessageTypeError MessageType = "error" // 错误消息
	MessageTypeAck   MessageType = "ack"   // 请求确认

	// 客户端请求
	MessageTypeJoin     MessageType = "join"     // 加入协作会话
	MessageTypeLeave    MessageType = "leave"    // 离开协作会话
	MessageTypeSync     MessageType = "sync"     // 提交操作
	MessageTypeCursor   MessageType = "cursor"   // 光标/选区
	MessageTypeTyping   MessageType = "typing"   // 输入状态
	MessageTypePresence MessageType = "presence" // 在线状态

	// 服务端推送
	MessageTypeEvent      MessageType = "event"       // 协作事件
	MessageTypeSyncResult MessageType = "sync_result" // 同步结果
)

// Message WebSocket 消息结构
type Message struct {
	ID        string      `json:"id"`                   // 消息ID (UUIDv7)
	Type      MessageType `json:"type"`                 // 消息类型
	Timestamp time.Time   `json:"timestamp"`            // 时间戳
	Data      interface{} `json:"data,omitempty"`       // 消息数据
	RequestID string      `json:"request_id,omitempty"` // 关联的请求ID
	Error     string      `json:"error,omitempty"`      // 错误信息
}

// NewMessage 创建新消息
func NewMessage(msgType MessageType, data interface{}) *Message {
	return &Message{
		ID:        newMessageID(),
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewReply 创建对请求的响应
func NewReply(req *Message, msgType MessageType, data interface{}) *Message {
	msg := NewMessage(msgType, data)
	msg.RequestID = req.ID
	return msg
}

// NewErrorMessage 创建错误消息
func NewErrorMessage(err string) *Message {
	return &Message{
		ID:        newMessageID(),
		Type:      MessageTypeError,
		Timestamp: time.Now(),
		Error:     err,
	}
}

// ToJSON 转换为JSON
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON 从JSON解析. Data is kept raw until DecodeData.
func FromJSON(data []byte) (*Message, error) {
	var raw struct {
		Message
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	msg := raw.Message
	if len(raw.Data) > 0 {
		msg.Data = raw.Data
	}
	return &msg, nil
}

// DecodeData 将消息数据解析到 v
func (m *Message) DecodeData(v interface{}) error {
	var data []byte
	switch d := m.Data.(type) {
	case nil:
		return fmt.Errorf("message data is required")
	case json.RawMessage:
		data = d
	case []byte:
		data = d
	default:
		var err error
		if data, err = json.Marshal(d); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

// JoinData 加入会话
type JoinData struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
}

// LeaveData 离开会话
type LeaveData struct {
	SessionID string `json:"session_id"`
}

// SyncData 提交操作
type SyncData struct {
	SessionID     string         `json:"session_id"`
	DocumentID    string         `json:"document_id"`
	ClientVersion uint64         `json:"client_version"`
	Operations    []ot.Operation `json:"operations"`
}

// CursorData 光标更新
type CursorData struct {
	SessionID  string              `json:"session_id"`
	DocumentID string              `json:"document_id"`
	Position   int                 `json:"position"`
	Selection  *presence.Selection `json:"selection,omitempty"`
}

// TypingData 输入状态
type TypingData struct {
	SessionID  string `json:"session_id"`
	DocumentID string `json:"document_id"`
	IsTyping   bool   `json:"is_typing"`
	Position   *int   `json:"position,omitempty"`
}

// PresenceData 在线状态
type PresenceData struct {
	Status     string            `json:"status"`
	Location   string            `json:"location"`
	DocumentID string            `json:"document_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// newMessageID 生成消息ID
func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "unknown"
	}
	return id.String()
}
