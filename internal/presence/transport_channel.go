package presence

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Subscriber is one connection fed through a buffered channel
type Subscriber struct {
	ID      string
	UserID  string
	Channel chan *CollaborationEvent
	rooms   map[string]struct{}
}

// ChannelTransport 基于 channel 的进程内推送实现
type ChannelTransport struct {
	mu sync.RWMutex

	subscribers map[string]*Subscriber         // connectionID -> Subscriber
	byRoom      map[string]map[string]struct{} // room -> connectionIDs
	byUser      map[string]map[string]struct{} // userID -> connectionIDs

	bufferSize int
	logger     *zap.Logger
	closed     bool
}

// NewChannelTransport 创建进程内推送通道
func NewChannelTransport(logger *zap.Logger) *ChannelTransport {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ChannelTransport{
		subscribers: make(map[string]*Subscriber),
		byRoom:      make(map[string]map[string]struct{}),
		byUser:      make(map[string]map[string]struct{}),
		bufferSize:  100, // 默认缓冲区大小
		logger:      logger,
	}
}

// Subscribe registers a connection for userID and returns its event channel
func (t *ChannelTransport) Subscribe(connectionID, userID string) (*Subscriber, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrBroadcasterClosed
	}

	if _, exists := t.subscribers[connectionID]; exists {
		return nil, fmt.Errorf("connection %s already subscribed", connectionID)
	}

	sub := &Subscriber{
		ID:      connectionID,
		UserID:  userID,
		Channel: make(chan *CollaborationEvent, t.bufferSize),
		rooms:   make(map[string]struct{}),
	}
	t.subscribers[connectionID] = sub
	addIndex(t.byUser, userID, connectionID)

	t.logger.Debug("Subscriber added",
		zap.String("connection_id", connectionID),
		zap.String("user_id", userID),
	)

	return sub, nil
}

// Unsubscribe 取消订阅并关闭通道
func (t *ChannelTransport) Unsubscribe(connectionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subscribers[connectionID]
	if !exists {
		return fmt.Errorf("subscriber not found")
	}

	for room := range sub.rooms {
		removeIndex(t.byRoom, room, connectionID)
	}
	removeIndex(t.byUser, sub.UserID, connectionID)
	delete(t.subscribers, connectionID)
	close(sub.Channel)

	return nil
}

// Join 加入房间
func (t *ChannelTransport) Join(ctx context.Context, connectionID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, exists := t.subscribers[connectionID]
	if !exists {
		return fmt.Errorf("subscriber %s not found", connectionID)
	}
	sub.rooms[room] = struct{}{}
	addIndex(t.byRoom, room, connectionID)
	return nil
}

// Leave 离开房间
func (t *ChannelTransport) Leave(ctx context.Context, connectionID, room string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sub, exists := t.subscribers[connectionID]; exists {
		delete(sub.rooms, room)
	}
	removeIndex(t.byRoom, room, connectionID)
	return nil
}

// Publish 推送到房间, 跳过 excludeUserID 的所有连接
func (t *ChannelTransport) Publish(ctx context.Context, room string, event *CollaborationEvent, excludeUserID string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrBroadcasterClosed
	}

	for connID := range t.byRoom[room] {
		sub := t.subscribers[connID]
		if sub == nil || (excludeUserID != "" && sub.UserID == excludeUserID) {
			continue
		}
		t.send(sub, event)
	}
	return nil
}

// PublishToUser 推送到用户的所有连接
func (t *ChannelTransport) PublishToUser(ctx context.Context, userID string, event *CollaborationEvent) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return ErrBroadcasterClosed
	}

	for connID := range t.byUser[userID] {
		if sub := t.subscribers[connID]; sub != nil {
			t.send(sub, event)
		}
	}
	return nil
}

// 非阻塞发送, 缓冲区满时丢弃
func (t *ChannelTransport) send(sub *Subscriber, event *CollaborationEvent) {
	select {
	case sub.Channel <- event:
	default:
		t.logger.Warn("Subscriber channel full, dropping event",
			zap.String("connection_id", sub.ID),
			zap.String("type", string(event.Type)),
		)
	}
}

// RoomSize 房间内连接数
func (t *ChannelTransport) RoomSize(room string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byRoom[room])
}

// Close 关闭所有订阅通道
func (t *ChannelTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	for _, sub := range t.subscribers {
		close(sub.Channel)
	}
	t.subscribers = make(map[string]*Subscriber)
	t.byRoom = make(map[string]map[string]struct{})
	t.byUser = make(map[string]map[string]struct{})

	return nil
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// UserConnections 用户在房间中的连接数
func (t *ChannelTransport) UserConnections(room, userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for connID := range t.byRoom[room] {
		if sub, ok := t.subscribers[connID]; ok && sub.UserID == userID {
			count++
		}
	}
	return count
}
