package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/jobs"
	"github.com/aetherflow/collabsync/internal/metrics"
	"github.com/aetherflow/collabsync/internal/presence"
	"github.com/aetherflow/collabsync/internal/statesync"
)

// JobQueue 提交事件的异步投递队列
type JobQueue interface {
	Enqueue(evt *jobs.CommitEvent) error
}

// Config 协作服务配置
type Config struct {
	Manager     *statesync.Manager
	Broadcaster *presence.Broadcaster

	// 可选, 为空时不投递提交事件
	Jobs JobQueue

	// 可选, 为空时不记录指标
	Metrics *metrics.Metrics

	Logger *zap.Logger
}

// Service 组合文档同步、协作广播与任务投递.
// 同步管理器不感知传输层, 广播与投递都在这里完成.
type Service struct {
	manager     *statesync.Manager
	broadcaster *presence.Broadcaster
	jobs        JobQueue
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// 带会话加锁的文档, 自动解锁时用于通知
	lockMu       sync.Mutex
	lockSessions map[string]string
}

// NewService 创建协作服务
func NewService(config *Config) (*Service, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if config.Broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Service{
		manager:      config.Manager,
		broadcaster:  config.Broadcaster,
		jobs:         config.Jobs,
		metrics:      config.Metrics,
		logger:       config.Logger,
		lockSessions: make(map[string]string),
	}, nil
}

// ==================== 文档 ====================

// CreateDocument 创建文档
func (s *Service) CreateDocument(ctx context.Context, req *statesync.CreateDocumentRequest) (*statesync.Document, error) {
	doc, err := s.manager.CreateDocument(ctx, req)
	if err != nil {
		s.recordError("create_document", err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.DocumentsTotal.Inc()
	}
	return doc, nil
}

// GetDocument 获取文档
func (s *Service) GetDocument(ctx context.Context, docID string) (*statesync.Document, error) {
	return s.manager.GetDocument(ctx, docID)
}

// GetDocumentHistory 分页获取历史版本
func (s *Service) GetDocumentHistory(ctx context.Context, docID string, limit, offset int) (*statesync.History, error) {
	return s.manager.GetDocumentHistory(ctx, docID, limit, offset)
}

// VerifyChecksum 校验客户端内容
func (s *Service) VerifyChecksum(ctx context.Context, docID, checksum string) (*statesync.ChecksumReport, error) {
	return s.manager.VerifyChecksum(ctx, docID, checksum)
}

// SubmitChanges 同步客户端操作.
// 成功后向会话内其他用户广播变更 (sessionID 非空时), 再投递提交事件.
// 广播和投递失败只记录日志, 不影响已提交的结果.
func (s *Service) SubmitChanges(ctx context.Context, sessionID string, req *statesync.SyncRequest) (*statesync.SyncResult, error) {
	start := time.Now()
	result, err := s.manager.SyncDocument(ctx, req)
	s.recordSync(result, time.Since(start))
	if err != nil {
		return result, err
	}

	if sessionID != "" {
		berr := s.broadcaster.BroadcastDocumentChange(ctx, sessionID, req.DocumentID,
			result.TransformedOperations, req.UserID, result.NewVersion, req.UserID)
		s.recordEvent(string(presence.EventDocumentChange), berr)
		if berr != nil {
			s.logger.Warn("Failed to broadcast document change",
				zap.String("session_id", sessionID),
				zap.String("doc_id", req.DocumentID),
				zap.Uint64("version", result.NewVersion),
				zap.Error(berr),
			)
		}
	}

	s.enqueueCommit(sessionID, req, result)
	return result, nil
}

func (s *Service) enqueueCommit(sessionID string, req *statesync.SyncRequest, result *statesync.SyncResult) {
	if s.jobs == nil {
		return
	}

	err := s.jobs.Enqueue(&jobs.CommitEvent{
		DocumentID:     req.DocumentID,
		Version:        result.NewVersion,
		AuthorID:       req.UserID,
		OrganizationID: req.OrganizationID,
		SessionID:      sessionID,
		ChangeType:     result.ChangeType,
		Conflicts:      len(result.Conflicts),
		Checksum:       result.Checksum,
		CommittedAt:    time.Now().UTC(),
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordJob(false)
		}
		s.logger.Warn("Commit event not queued",
			zap.String("doc_id", req.DocumentID),
			zap.Uint64("version", result.NewVersion),
			zap.Error(err),
		)
	}
}

// ==================== 锁 ====================

// Lock 获取文档锁, sessionID 非空时广播 lock_acquired
func (s *Service) Lock(ctx context.Context, sessionID, docID, userID string, duration time.Duration) (*statesync.Lock, error) {
	lock, err := s.manager.LockDocument(ctx, docID, userID, duration)
	s.recordLock("lock", err)
	if err != nil {
		return nil, err
	}

	s.lockMu.Lock()
	if sessionID != "" {
		s.lockSessions[docID] = sessionID
	} else {
		delete(s.lockSessions, docID)
	}
	s.lockMu.Unlock()

	if sessionID != "" {
		expiresAt := lock.ExpiresAt
		s.broadcastLock(ctx, sessionID, docID, userID, true, &expiresAt)
	}
	return lock, nil
}

// Unlock 释放文档锁, sessionID 非空时广播 lock_released
func (s *Service) Unlock(ctx context.Context, sessionID, docID, userID string) error {
	err := s.manager.UnlockDocument(ctx, docID, userID)
	s.recordLock("unlock", err)
	if err != nil {
		return err
	}

	s.lockMu.Lock()
	if sessionID == "" {
		sessionID = s.lockSessions[docID]
	}
	delete(s.lockSessions, docID)
	s.lockMu.Unlock()

	if sessionID != "" {
		s.broadcastLock(ctx, sessionID, docID, userID, false, nil)
	}
	return nil
}

// GetLock 获取当前有效的锁
func (s *Service) GetLock(ctx context.Context, docID string) (*statesync.Lock, error) {
	return s.manager.GetLock(ctx, docID)
}

// HandleAutoUnlock 定时自动解锁后的通知, 注册为 ManagerConfig.OnAutoUnlock
func (s *Service) HandleAutoUnlock(lock *statesync.Lock) {
	if s.metrics != nil {
		s.metrics.AutoUnlocksTotal.Inc()
	}

	s.lockMu.Lock()
	sessionID, ok := s.lockSessions[lock.DocumentID]
	delete(s.lockSessions, lock.DocumentID)
	s.lockMu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.broadcastLock(ctx, sessionID, lock.DocumentID, lock.LockedBy, false, nil)
}

func (s *Service) broadcastLock(ctx context.Context, sessionID, docID, userID string, locked bool, expiresAt *time.Time) {
	err := s.broadcaster.BroadcastLockChange(ctx, sessionID, docID, userID, locked, expiresAt)

	eventType := presence.EventLockReleased
	if locked {
		eventType = presence.EventLockAcquired
	}
	s.recordEvent(string(eventType), err)

	if err != nil {
		s.logger.Warn("Failed to broadcast lock change",
			zap.String("session_id", sessionID),
			zap.String("doc_id", docID),
			zap.Bool("locked", locked),
			zap.Error(err),
		)
	}
}

// ==================== 协作状态 ====================

// Join 用户加入会话
func (s *Service) Join(ctx context.Context, req *presence.JoinRequest) (*presence.SessionState, error) {
	state, err := s.broadcaster.HandleUserJoin(ctx, req)
	s.recordEvent(string(presence.EventUserJoin), err)
	return state, err
}

// Leave 用户离开会话
func (s *Service) Leave(ctx context.Context, req *presence.LeaveRequest) error {
	err := s.broadcaster.HandleUserLeave(ctx, req)
	s.recordEvent(string(presence.EventUserLeave), err)
	return err
}

// UpdateCursor 更新光标或选区
func (s *Service) UpdateCursor(ctx context.Context, sessionID, docID, userID string, position int, selection *presence.Selection) error {
	err := s.broadcaster.UpdateCursorPosition(ctx, sessionID, docID, userID, position, selection)
	eventType := presence.EventCursorMove
	if selection != nil {
		eventType = presence.EventSelectionChange
	}
	s.recordEvent(string(eventType), err)
	return err
}

// UpdateTyping 更新输入状态
func (s *Service) UpdateTyping(ctx context.Context, sessionID, docID, userID string, isTyping bool, position *int) error {
	err := s.broadcaster.UpdateTypingIndicator(ctx, sessionID, docID, userID, isTyping, position)
	eventType := presence.EventTypingStop
	if isTyping {
		eventType = presence.EventTypingStart
	}
	s.recordEvent(string(eventType), err)
	return err
}

// UpdatePresence 更新在线状态
func (s *Service) UpdatePresence(ctx context.Context, userID string, status presence.Status, location, docID string, metadata map[string]string) (*presence.UserPresence, error) {
	p, err := s.broadcaster.UpdateUserPresence(ctx, userID, status, location, docID, metadata)
	s.recordEvent(string(presence.EventPresenceUpdate), err)
	return p, err
}

// GetUserPresence 获取在线状态
func (s *Service) GetUserPresence(ctx context.Context, userID string) (*presence.UserPresence, error) {
	return s.broadcaster.GetUserPresence(ctx, userID)
}

// GetSessionEvents 分页获取会话事件
func (s *Service) GetSessionEvents(ctx context.Context, sessionID string, limit, offset int) (*presence.EventPage, error) {
	return s.broadcaster.GetSessionEvents(ctx, sessionID, limit, offset)
}

// ==================== 指标 ====================

func (s *Service) recordSync(result *statesync.SyncResult, duration time.Duration) {
	if s.metrics == nil || result == nil {
		return
	}

	if !result.Success {
		s.metrics.RecordSync(string(result.Code), "", duration)
		return
	}

	s.metrics.RecordSync("success", string(result.ChangeType), duration)
	for _, op := range result.TransformedOperations {
		s.metrics.RecordOperation(string(op.Type))
	}
	for _, c := range result.Conflicts {
		s.metrics.RecordConflict(string(c.Type))
	}
}

func (s *Service) recordLock(action string, err error) {
	if s.metrics == nil {
		return
	}

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, statesync.ErrLockHeld):
		result = "held"
	case errors.Is(err, statesync.ErrDocumentNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	s.metrics.RecordLock(action, result)
}

func (s *Service) recordEvent(eventType string, err error) {
	if s.metrics != nil {
		s.metrics.RecordEvent(eventType, err == nil)
	}
}

func (s *Service) recordError(op string, err error) {
	if s.metrics == nil {
		return
	}
	code := "internal"
	if errors.Is(err, statesync.ErrDocumentExists) {
		code = "conflict"
	}
	s.metrics.RecordError(op, code)
}
