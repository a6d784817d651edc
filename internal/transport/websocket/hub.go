package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/presence"
)

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSendChannelFull    = errors.New("send channel full")

	errSessionRequired = errors.New("session_id is required")
)

// 超时配置
const (
	writeWait      = 10 * time.Second    // 写入超时
	pongWait       = 60 * time.Second    // Pong超时
	pingPeriod     = (pongWait * 9) / 10 // Ping间隔 (必须小于pongWait)
	maxMessageSize = 512 * 1024          // 最大消息大小 (512KB)
)

// Hub 连接管理中心, 同时作为协作事件的推送通道
type Hub struct {
	// 连接管理
	connections map[string]*Connection     // connID -> Connection
	userConns   map[string]map[string]bool // userID -> set of connID

	// 房间成员
	rooms map[string]map[string]bool // room -> set of connID

	// 同步
	mu     sync.RWMutex
	logger *zap.Logger

	// 连接数变化回调, 用于指标
	onConnChange func(total int)

	// 上下文
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ presence.Transport   = (*Hub)(nil)
	_ presence.RoomMembers = (*Hub)(nil)
)

// NewHub 创建连接中心
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections: make(map[string]*Connection),
		userConns:   make(map[string]map[string]bool),
		rooms:       make(map[string]map[string]bool),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	// 启动清理任务
	go hub.cleanupTask()

	return hub
}

// OnConnectionChange 设置连接数变化回调
func (h *Hub) OnConnectionChange(fn func(total int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnChange = fn
}

// Register 注册连接
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[conn.ID] = conn
	if conn.UserID != "" {
		if h.userConns[conn.UserID] == nil {
			h.userConns[conn.UserID] = make(map[string]bool)
		}
		h.userConns[conn.UserID][conn.ID] = true
	}
	h.notifyConnChange()

	h.logger.Info("Connection registered",
		zap.String("conn_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Int("total_connections", len(h.connections)),
	)
}

// Unregister 注销连接
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.connections[connID]
	if !exists {
		return
	}
	h.removeLocked(conn)

	h.logger.Info("Connection unregistered",
		zap.String("conn_id", connID),
		zap.String("user_id", conn.UserID),
		zap.Int("total_connections", len(h.connections)),
	)
}

// GetConnection 获取连接
func (h *Hub) GetConnection(connID string) (*Connection, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, exists := h.connections[connID]
	if !exists {
		return nil, ErrConnectionNotFound
	}

	return conn, nil
}

// ==================== presence.Transport ====================

// Publish 推送到房间, 跳过 excludeUserID 的所有连接
func (h *Hub) Publish(ctx context.Context, room string, event *presence.CollaborationEvent, excludeUserID string) error {
	h.BroadcastToRoom(room, NewMessage(MessageTypeEvent, event), excludeUserID)
	return nil
}

// PublishToUser 推送到用户的所有连接
func (h *Hub) PublishToUser(ctx context.Context, userID string, event *presence.CollaborationEvent) error {
	h.SendToUser(userID, NewMessage(MessageTypeEvent, event))
	return nil
}

// Join 加入房间
func (h *Hub) Join(ctx context.Context, connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.connections[connID]
	if !exists {
		return ErrConnectionNotFound
	}

	conn.joinRoom(room)
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]bool)
	}
	h.rooms[room][connID] = true

	h.logger.Debug("Joined room",
		zap.String("conn_id", connID),
		zap.String("room", room),
		zap.Int("room_size", len(h.rooms[room])),
	)

	return nil
}

// Leave 离开房间
func (h *Hub) Leave(ctx context.Context, connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, exists := h.connections[connID]
	if !exists {
		return ErrConnectionNotFound
	}

	conn.leaveRoom(room)
	h.removeFromRoom(room, connID)

	return nil
}

// UserConnections 用户在房间中的连接数
func (h *Hub) UserConnections(room, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for connID := range h.rooms[room] {
		if conn, ok := h.connections[connID]; ok && conn.UserID == userID {
			count++
		}
	}
	return count
}

// ==================== 推送 ====================

// BroadcastToRoom 广播到房间, 返回送达的连接数
func (h *Hub) BroadcastToRoom(room string, msg *Message, excludeUserID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for connID := range h.rooms[room] {
		conn, exists := h.connections[connID]
		if !exists || (excludeUserID != "" && conn.UserID == excludeUserID) {
			continue
		}
		if err := conn.Send(msg); err == nil {
			count++
		}
	}

	return count
}

// SendToUser 发送消息给用户的所有连接
func (h *Hub) SendToUser(userID string, msg *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for connID := range h.userConns[userID] {
		if conn, exists := h.connections[connID]; exists {
			if err := conn.Send(msg); err == nil {
				count++
			}
		}
	}

	return count
}

// GetStats 获取统计信息
func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"total_connections": len(h.connections),
		"connected_users":   len(h.userConns),
		"total_rooms":       len(h.rooms),
	}
}

// Close 关闭Hub
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancel()

	for _, conn := range h.connections {
		conn.Close()
	}

	h.logger.Info("Hub closed")
}

// removeLocked 移除连接及其索引, 调用方持有写锁
func (h *Hub) removeLocked(conn *Connection) {
	if conns, ok := h.userConns[conn.UserID]; ok {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(h.userConns, conn.UserID)
		}
	}

	for _, room := range conn.Rooms() {
		h.removeFromRoom(room, conn.ID)
	}

	delete(h.connections, conn.ID)
	h.notifyConnChange()
}

// removeFromRoom 从房间中移除连接
func (h *Hub) removeFromRoom(room, connID string) {
	if members, exists := h.rooms[room]; exists {
		delete(members, connID)

		// 房间为空时删除
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) notifyConnChange() {
	if h.onConnChange != nil {
		h.onConnChange(len(h.connections))
	}
}

// cleanupTask 清理过期连接
func (h *Hub) cleanupTask() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupDeadConnections()
		case <-h.ctx.Done():
			return
		}
	}
}

// cleanupDeadConnections 清理死连接
func (h *Hub) cleanupDeadConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	timeout := 2 * pongWait
	dead := 0

	for _, conn := range h.connections {
		if conn.IsClosed() || now.Sub(conn.LastPing()) > timeout {
			conn.Close()
			h.removeLocked(conn)
			dead++
		}
	}

	if dead > 0 {
		h.logger.Info("Cleaned up dead connections",
			zap.Int("count", dead),
			zap.Int("remaining", len(h.connections)),
		)
	}
}
