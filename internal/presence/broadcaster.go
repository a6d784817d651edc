/*
@Author: Lzww
@LastEditTime: 2025-11-12 21:40:05
@Description: Presence and collaboration event broadcaster
@Language: Go
*/
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/schedule"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

// BroadcasterConfig 广播器配置
type BroadcasterConfig struct {
	// 临时状态存储 (光标/输入/参与者)
	Store Store

	// 持久化仓库, 为空时使用内存实现
	Repository Repository

	// 推送通道
	Transport Transport

	// 定时任务调度器, 为空时内部创建
	Scheduler *schedule.Scheduler

	// 日志
	Logger *zap.Logger

	// 输入状态自动清除时间
	TypingTimeout time.Duration

	// 时钟, 测试用
	Clock func() time.Time
}

// Broadcaster 协作事件广播器
type Broadcaster struct {
	store         Store
	repo          Repository
	transport     Transport
	scheduler     *schedule.Scheduler
	ownsScheduler bool
	logger        *zap.Logger
	typingTimeout time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewBroadcaster 创建广播器
func NewBroadcaster(config *BroadcasterConfig) (*Broadcaster, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	// 设置默认值
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.Repository == nil {
		config.Repository = NewMemoryRepository()
	}

	if config.TypingTimeout == 0 {
		config.TypingTimeout = 3 * time.Second
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}

	ownsScheduler := false
	if config.Scheduler == nil {
		config.Scheduler = schedule.New(config.Logger)
		ownsScheduler = true
	}

	return &Broadcaster{
		store:         config.Store,
		repo:          config.Repository,
		transport:     config.Transport,
		scheduler:     config.Scheduler,
		ownsScheduler: ownsScheduler,
		logger:        config.Logger,
		typingTimeout: config.TypingTimeout,
		now:           config.Clock,
	}, nil
}

// ==================== 事件广播 ====================

// BroadcastToSession persists the event and publishes it to the session room.
// A persistence failure is logged and does not stop delivery.
func (b *Broadcaster) BroadcastToSession(ctx context.Context, sessionID string, event *CollaborationEvent, excludeUserID string) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}

	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	event.SessionID = sessionID

	if err := b.repo.AppendEvent(ctx, event); err != nil {
		b.logger.Warn("Failed to persist collaboration event",
			zap.String("session_id", sessionID),
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}

	if err := b.transport.Publish(ctx, SessionRoom(sessionID), event, excludeUserID); err != nil {
		b.logger.Error("Failed to publish collaboration event",
			zap.String("session_id", sessionID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Event broadcast",
		zap.String("session_id", sessionID),
		zap.String("type", string(event.Type)),
		zap.String("user_id", event.UserID),
		zap.String("exclude_user_id", excludeUserID),
	)

	return nil
}

// BroadcastDocumentChange 广播已提交的文档变更
func (b *Broadcaster) BroadcastDocumentChange(ctx context.Context, sessionID, docID string, ops []ot.Operation, userID string, version uint64, excludeUserID string) error {
	return b.BroadcastToSession(ctx, sessionID, &CollaborationEvent{
		Type:   EventDocumentChange,
		UserID: userID,
		Data: &DocumentChangeData{
			DocumentID: docID,
			Operations: ops,
			Version:    version,
		},
	}, excludeUserID)
}

// BroadcastLockChange 广播锁状态变化
func (b *Broadcaster) BroadcastLockChange(ctx context.Context, sessionID, docID, userID string, locked bool, expiresAt *time.Time) error {
	eventType := EventLockReleased
	if locked {
		eventType = EventLockAcquired
	}

	return b.BroadcastToSession(ctx, sessionID, &CollaborationEvent{
		Type:   eventType,
		UserID: userID,
		Data: &LockData{
			DocumentID: docID,
			LockedBy:   userID,
			ExpiresAt:  expiresAt,
		},
	}, "")
}

// ==================== 光标与输入状态 ====================

// UpdateCursorPosition stores the cursor and tells everyone else in the session.
// A selection turns the event into selection_change.
func (b *Broadcaster) UpdateCursorPosition(ctx context.Context, sessionID, docID, userID string, position int, selection *Selection) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}

	cursor := &CursorPosition{
		DocumentID: docID,
		UserID:     userID,
		Position:   position,
		Selection:  selection,
		UpdatedAt:  b.now(),
	}
	if err := b.store.SetCursor(ctx, cursor); err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}

	eventType := EventCursorMove
	if selection != nil {
		eventType = EventSelectionChange
	}

	return b.BroadcastToSession(ctx, sessionID, &CollaborationEvent{
		Type:   eventType,
		UserID: userID,
		Data:   cursor,
	}, userID)
}

func typingKey(docID, userID string) string {
	return "typing:" + docID + ":" + userID
}

// UpdateTypingIndicator starts or stops a typing indicator. A start schedules an
// automatic stop after the typing timeout; a later start supersedes it.
func (b *Broadcaster) UpdateTypingIndicator(ctx context.Context, sessionID, docID, userID string, isTyping bool, position *int) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}

	if !isTyping {
		b.scheduler.Cancel(typingKey(docID, userID))
		if err := b.store.DeleteTyping(ctx, docID, userID); err != nil {
			return fmt.Errorf("failed to clear typing indicator: %w", err)
		}
		return b.broadcastTyping(ctx, sessionID, docID, userID, false, position)
	}

	startedAt := b.now()
	if err := b.store.SetTyping(ctx, &TypingIndicator{
		DocumentID: docID,
		UserID:     userID,
		Position:   position,
		StartedAt:  startedAt,
	}); err != nil {
		return fmt.Errorf("failed to store typing indicator: %w", err)
	}

	b.scheduler.Schedule(typingKey(docID, userID), b.typingTimeout, func() {
		b.expireTyping(sessionID, docID, userID, startedAt)
	})

	return b.broadcastTyping(ctx, sessionID, docID, userID, true, position)
}

// expireTyping clears the indicator only if no newer start replaced it
func (b *Broadcaster) expireTyping(sessionID, docID, userID string, startedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cleared, err := b.store.DeleteTypingIf(ctx, docID, userID, startedAt)
	if err != nil {
		b.logger.Warn("Failed to auto-clear typing indicator",
			zap.String("doc_id", docID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}
	if !cleared {
		return
	}

	if err := b.broadcastTyping(ctx, sessionID, docID, userID, false, nil); err != nil {
		b.logger.Warn("Failed to broadcast typing stop",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (b *Broadcaster) broadcastTyping(ctx context.Context, sessionID, docID, userID string, isTyping bool, position *int) error {
	eventType := EventTypingStop
	if isTyping {
		eventType = EventTypingStart
	}

	return b.BroadcastToSession(ctx, sessionID, &CollaborationEvent{
		Type:   eventType,
		UserID: userID,
		Data: &TypingData{
			DocumentID: docID,
			IsTyping:   isTyping,
			Position:   position,
		},
	}, userID)
}

// ==================== 在线状态 ====================

// UpdateUserPresence records the user's presence and re-broadcasts it to
// every session the user is in.
func (b *Broadcaster) UpdateUserPresence(ctx context.Context, userID string, status Status, location, docID string, metadata map[string]string) (*UserPresence, error) {
	if b.isClosed() {
		return nil, ErrBroadcasterClosed
	}

	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	presence := &UserPresence{
		UserID:     userID,
		Status:     status,
		Location:   location,
		DocumentID: docID,
		LastSeen:   b.now(),
		Metadata:   metadata,
	}

	if err := b.store.SetPresence(ctx, presence); err != nil {
		return nil, fmt.Errorf("failed to store presence: %w", err)
	}

	if err := b.repo.UpsertPresence(ctx, presence); err != nil {
		b.logger.Warn("Failed to persist presence",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	sessions, err := b.store.SessionsForUser(ctx, userID)
	if err != nil {
		return presence, fmt.Errorf("failed to get user sessions: %w", err)
	}

	for _, sessionID := range sessions {
		if err := b.BroadcastToSession(ctx, sessionID, &CollaborationEvent{
			Type:   EventPresenceUpdate,
			UserID: userID,
			Data:   presence,
		}, ""); err != nil {
			b.logger.Warn("Failed to broadcast presence update",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	return presence, nil
}

// GetUserPresence 获取用户在线状态
func (b *Broadcaster) GetUserPresence(ctx context.Context, userID string) (*UserPresence, error) {
	return b.store.GetPresence(ctx, userID)
}

// ==================== 会话成员 ====================

// HandleUserJoin adds the user to the session, announces the join to the
// others and pushes a private snapshot of the session to the joining user.
func (b *Broadcaster) HandleUserJoin(ctx context.Context, req *JoinRequest) (*SessionState, error) {
	if b.isClosed() {
		return nil, ErrBroadcasterClosed
	}

	participant := &Participant{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		DocumentID: req.DocumentID,
		JoinedAt:   b.now(),
		Active:     true,
	}

	if err := b.store.AddParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}

	if err := b.repo.UpsertParticipant(ctx, participant); err != nil {
		b.logger.Warn("Failed to persist participant",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}

	if req.ConnectionID != "" {
		if err := b.transport.Join(ctx, req.ConnectionID, SessionRoom(req.SessionID)); err != nil {
			return nil, fmt.Errorf("failed to join session room: %w", err)
		}
	}

	if err := b.BroadcastToSession(ctx, req.SessionID, &CollaborationEvent{
		Type:   EventUserJoin,
		UserID: req.UserID,
		Data:   &MembershipData{DocumentID: req.DocumentID},
	}, req.UserID); err != nil {
		b.logger.Warn("Failed to broadcast user join", zap.Error(err))
	}

	state, err := b.sessionState(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if err := b.transport.PublishToUser(ctx, req.UserID, &CollaborationEvent{
		ID:        newEventID(),
		SessionID: req.SessionID,
		Type:      EventSessionState,
		UserID:    req.UserID,
		Data:      state,
		Timestamp: b.now(),
	}); err != nil {
		b.logger.Warn("Failed to send session state",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}

	b.logger.Info("User joined session",
		zap.String("session_id", req.SessionID),
		zap.String("user_id", req.UserID),
		zap.String("doc_id", req.DocumentID),
		zap.Int("participants", len(state.Participants)),
	)

	return state, nil
}

// sessionState builds the snapshot of participants plus live cursors and
// typing indicators of the session's documents
func (b *Broadcaster) sessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	participants, err := b.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	state := &SessionState{
		SessionID:    sessionID,
		Participants: participants,
		Cursors:      []*CursorPosition{},
		Typing:       []*TypingIndicator{},
	}

	seen := make(map[string]bool)
	for _, p := range participants {
		if p.DocumentID == "" || seen[p.DocumentID] {
			continue
		}
		seen[p.DocumentID] = true

		cursors, err := b.store.ListCursors(ctx, p.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list cursors: %w", err)
		}
		state.Cursors = append(state.Cursors, cursors...)

		typing, err := b.store.ListTyping(ctx, p.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("failed to list typing indicators: %w", err)
		}
		state.Typing = append(state.Typing, typing...)
	}

	return state, nil
}

// HandleUserLeave removes the user from the session, purges their cursor and
// typing state and announces the departure.
func (b *Broadcaster) HandleUserLeave(ctx context.Context, req *LeaveRequest) error {
	if b.isClosed() {
		return ErrBroadcasterClosed
	}

	room := SessionRoom(req.SessionID)
	if req.ConnectionID != "" {
		if err := b.transport.Leave(ctx, req.ConnectionID, room); err != nil {
			b.logger.Warn("Failed to leave session room", zap.Error(err))
		}
	}

	// 同一用户的其他连接仍在会话中时只退出该连接
	if members, ok := b.transport.(RoomMembers); ok && members.UserConnections(room, req.UserID) > 0 {
		b.logger.Debug("User still connected to session",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", req.UserID),
			zap.String("connection_id", req.ConnectionID),
		)
		return nil
	}

	removed, err := b.store.RemoveParticipant(ctx, req.SessionID, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}

	docID := req.DocumentID
	if docID == "" && removed != nil {
		docID = removed.DocumentID
	}

	now := b.now()
	record := &Participant{
		SessionID:  req.SessionID,
		UserID:     req.UserID,
		DocumentID: docID,
		LeftAt:     &now,
		Active:     false,
	}
	if removed != nil {
		record.JoinedAt = removed.JoinedAt
	}
	if err := b.repo.UpsertParticipant(ctx, record); err != nil {
		b.logger.Warn("Failed to persist participant leave",
			zap.String("session_id", req.SessionID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}

	if docID != "" {
		b.scheduler.Cancel(typingKey(docID, req.UserID))
		if err := b.store.DeleteCursor(ctx, docID, req.UserID); err != nil {
			b.logger.Warn("Failed to purge cursor", zap.Error(err))
		}
		if err := b.store.DeleteTyping(ctx, docID, req.UserID); err != nil {
			b.logger.Warn("Failed to purge typing indicator", zap.Error(err))
		}
	}

	if err := b.BroadcastToSession(ctx, req.SessionID, &CollaborationEvent{
		Type:   EventUserLeave,
		UserID: req.UserID,
		Data:   &MembershipData{DocumentID: docID},
	}, req.UserID); err != nil {
		return err
	}

	b.logger.Info("User left session",
		zap.String("session_id", req.SessionID),
		zap.String("user_id", req.UserID),
	)

	return nil
}

// ==================== 审计查询 ====================

// GetSessionEvents 分页查询会话事件, 最新的在前
func (b *Broadcaster) GetSessionEvents(ctx context.Context, sessionID string, limit, offset int) (*EventPage, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := b.repo.ListEvents(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return &EventPage{
		Events:  events,
		Total:   total,
		HasMore: offset+len(events) < total,
	}, nil
}

// ==================== 生命周期 ====================

func (b *Broadcaster) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close 关闭广播器, 停止内部调度器
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.ownsScheduler {
		b.scheduler.Stop()
	}

	b.logger.Info("Broadcaster closed")
	return nil
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
