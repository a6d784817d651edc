package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection WebSocket连接封装
type Connection struct {
	// 基础信息
	ID     string // 连接ID (UUIDv7)
	UserID string // 用户ID, 建立连接时确定

	// WebSocket连接
	conn *websocket.Conn

	// 发送消息通道
	send chan *Message

	// 状态
	lastPing time.Time
	closed   bool

	// 加入的房间, 以及每个协作会话对应的文档
	rooms    map[string]bool
	sessions map[string]string // sessionID -> documentID

	// 同步
	mu     sync.RWMutex
	logger *zap.Logger

	// 上下文
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection 创建新连接
func NewConnection(id, userID string, conn *websocket.Conn, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		ID:       id,
		UserID:   userID,
		conn:     conn,
		send:     make(chan *Message, 256),
		lastPing: time.Now(),
		rooms:    make(map[string]bool),
		sessions: make(map[string]string),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Send 发送消息, 通道满时丢弃
func (c *Connection) Send(msg *Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("Send channel full, dropping message",
			zap.String("conn_id", c.ID),
			zap.String("msg_type", string(msg.Type)),
		)
		return ErrSendChannelFull
	}
}

// Close 关闭连接
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()
	close(c.send)

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsClosed 是否已关闭
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

// UpdatePing 更新心跳时间
func (c *Connection) UpdatePing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

// LastPing 获取最后心跳时间
func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Connection) joinRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[room] = true
}

func (c *Connection) leaveRoom(room string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, room)
}

// InRoom 是否在房间内
func (c *Connection) InRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[room]
}

// Rooms 获取所有房间
func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// TrackSession 记录连接加入的协作会话
func (c *Connection) TrackSession(sessionID, documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = documentID
}

// UntrackSession 移除协作会话记录
func (c *Connection) UntrackSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// Sessions 返回 sessionID -> documentID 的副本
func (c *Connection) Sessions() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.sessions))
	for k, v := range c.sessions {
		out[k] = v
	}
	return out
}

// readPump 读取消息循环, 返回时连接已关闭
func (c *Connection) readPump(handler MessageHandler) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.UpdatePing()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
			}
			return
		}

		msg, err := FromJSON(data)
		if err != nil {
			c.logger.Warn("Failed to parse message",
				zap.String("conn_id", c.ID),
				zap.Error(err),
			)
			c.Send(NewErrorMessage("Invalid message format"))
			continue
		}

		if handler != nil {
			handler.HandleMessage(c, msg)
		}
	}
}

// writePump 写入消息循环
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := msg.ToJSON()
			if err != nil {
				c.logger.Error("Failed to marshal message",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("conn_id", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve 启动写循环并在当前 goroutine 中阻塞读取, 直到连接关闭
func (c *Connection) Serve(handler MessageHandler) {
	go c.writePump()
	c.readPump(handler)
}
