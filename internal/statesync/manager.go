package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/ot"
	"github.com/aetherflow/collabsync/internal/schedule"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ManagerConfig 管理器配置
type ManagerConfig struct {
	// 存储实现
	Store Store

	// 日志
	Logger *zap.Logger

	// 定时任务调度器, 为空时内部创建
	Scheduler *schedule.Scheduler

	// 锁默认持有时间
	LockTimeout time.Duration

	// 并发提交冲突时的最大重试次数
	MaxCommitRetries int

	// 是否拒绝非锁持有者的同步请求
	EnforceLocks bool

	// 定时自动解锁成功后的回调
	OnAutoUnlock func(lock *Lock)

	// 时钟, 测试用
	Clock func() time.Time
}

// Manager 文档同步管理器
type Manager struct {
	store            Store
	logger           *zap.Logger
	tracer           trace.Tracer
	scheduler        *schedule.Scheduler
	ownsScheduler    bool
	onAutoUnlock     func(lock *Lock)
	now              func() time.Time
	lockTimeout      time.Duration
	maxCommitRetries int
	enforceLocks     bool

	mu     sync.RWMutex
	closed bool
}

// NewManager 创建文档同步管理器
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	// 设置默认值
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.LockTimeout == 0 {
		config.LockTimeout = 30 * time.Second
	}

	if config.MaxCommitRetries == 0 {
		config.MaxCommitRetries = 5
	}

	if config.Clock == nil {
		config.Clock = time.Now
	}

	ownsScheduler := false
	if config.Scheduler == nil {
		config.Scheduler = schedule.New(config.Logger)
		ownsScheduler = true
	}

	return &Manager{
		store:            config.Store,
		logger:           config.Logger,
		tracer:           otel.Tracer("github.com/aetherflow/collabsync/internal/statesync"),
		scheduler:        config.Scheduler,
		ownsScheduler:    ownsScheduler,
		onAutoUnlock:     config.OnAutoUnlock,
		now:              config.Clock,
		lockTimeout:      config.LockTimeout,
		maxCommitRetries: config.MaxCommitRetries,
		enforceLocks:     config.EnforceLocks,
	}, nil
}

// ==================== 文档管理 ====================

// CreateDocument 创建文档, 版本从1开始
func (m *Manager) CreateDocument(ctx context.Context, req *CreateDocumentRequest) (*Document, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	docID := req.DocumentID
	if docID == "" {
		docID = newID()
	}

	docType := req.Type
	if docType == "" {
		docType = DocumentTypeText
	}

	now := m.now()
	doc := &Document{
		ID:             docID,
		Type:           docType,
		OrganizationID: req.OrganizationID,
		Content:        req.InitialContent,
		Version:        1,
		Checksum:       ot.Checksum(req.InitialContent),
		Metadata:       req.Metadata,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedBy:      req.CreatedBy,
		UpdatedAt:      now,
	}

	first := &DocumentVersion{
		ID:         newID(),
		DocumentID: docID,
		Version:    1,
		Content:    doc.Content,
		Checksum:   doc.Checksum,
		Changes:    Changes{Operations: []ot.Operation{}},
		ChangeType: ChangeTypeCreate,
		AuthorID:   req.CreatedBy,
		CreatedAt:  now,
	}

	if err := m.store.CreateDocument(ctx, doc, first); err != nil {
		if errors.Is(err, ErrDocumentExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	m.logger.Info("Document created",
		zap.String("doc_id", doc.ID),
		zap.String("type", string(doc.Type)),
		zap.String("organization_id", doc.OrganizationID),
		zap.String("created_by", doc.CreatedBy),
	)

	return doc, nil
}

// GetDocument 获取文档
func (m *Manager) GetDocument(ctx context.Context, docID string) (*Document, error) {
	return m.store.GetDocument(ctx, docID)
}

// GetDocumentHistory 分页获取历史版本, 最新的在前
func (m *Manager) GetDocumentHistory(ctx context.Context, docID string, limit, offset int) (*History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	versions, total, err := m.store.ListVersions(ctx, docID, limit, offset)
	if err != nil {
		return nil, err
	}

	return &History{
		Versions:      versions,
		TotalVersions: total,
		HasMore:       offset+len(versions) < total,
	}, nil
}

// VerifyChecksum 比较客户端校验和与已提交内容
func (m *Manager) VerifyChecksum(ctx context.Context, docID, checksum string) (*ChecksumReport, error) {
	doc, err := m.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	report := &ChecksumReport{
		DocumentID:     doc.ID,
		Version:        doc.Version,
		ServerChecksum: doc.Checksum,
		ClientChecksum: checksum,
		Match:          doc.Checksum == checksum,
	}

	if !report.Match {
		m.logger.Debug("Checksum drift detected",
			zap.String("doc_id", docID),
			zap.Uint64("version", doc.Version),
			zap.String("server", doc.Checksum),
			zap.String("client", checksum),
		)
	}

	return report, nil
}

// ==================== 同步 ====================

// SyncDocument 同步客户端操作
//
// The returned result is never nil. When it reports failure the same cause is
// also returned as err so callers can match it with errors.Is.
func (m *Manager) SyncDocument(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	ctx, span := m.tracer.Start(ctx, "statesync.SyncDocument", trace.WithAttributes(
		attribute.String("doc_id", req.DocumentID),
		attribute.Int64("client_version", int64(req.ClientVersion)),
		attribute.Int("operations", len(req.Operations)),
	))
	defer span.End()

	if m.isClosed() {
		return m.fail(span, req, ErrManagerClosed)
	}

	if err := ot.ValidateAll(req.Operations); err != nil {
		return m.fail(span, req, err)
	}

	for attempt := 0; ; attempt++ {
		result, err := m.trySync(ctx, req)
		if errors.Is(err, ErrVersionMismatch) && attempt < m.maxCommitRetries {
			m.logger.Debug("Concurrent commit, retrying sync",
				zap.String("doc_id", req.DocumentID),
				zap.Int("attempt", attempt+1),
			)
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
			continue
		}
		if err != nil {
			return m.fail(span, req, err)
		}

		span.SetAttributes(
			attribute.Int64("new_version", int64(result.NewVersion)),
			attribute.Int("conflicts", len(result.Conflicts)),
		)
		span.SetStatus(codes.Ok, "")
		return result, nil
	}
}

// trySync runs one fetch-transform-commit round.
func (m *Manager) trySync(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	doc, err := m.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if req.ClientVersion > doc.Version {
		return nil, fmt.Errorf("%w: client %d, server %d", ErrInvalidVersion, req.ClientVersion, doc.Version)
	}

	now := m.now()
	if m.enforceLocks {
		if held := LockOf(doc); held != nil && held.LockedBy != req.UserID && !held.Expired(now) {
			return nil, ErrLockHeld
		}
	}

	ops := req.Operations
	if ops == nil {
		ops = []ot.Operation{}
	}
	changes := Changes{PreviousVersion: doc.Version}
	changeType := ChangeTypeEdit

	if req.ClientVersion < doc.Version {
		versions, err := m.store.GetVersionsInRange(ctx, doc.ID, req.ClientVersion, doc.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to load versions: %w", err)
		}

		var serverOps []ot.Operation
		for _, v := range versions {
			serverOps = append(serverOps, v.Changes.Operations...)
		}

		transformed, otConflicts := ot.TransformAgainst(ops, serverOps)
		changes.OriginalOperations = ops
		changes.Conflicts = append(toResolutions(otConflicts), formatConflicts(ops, serverOps)...)
		ops = transformed

		if len(changes.Conflicts) > 0 {
			changeType = ChangeTypeMerge
		}
	}
	changes.Operations = ops

	content := ot.ApplyAll(doc.Content, ops)
	checksum := ot.Checksum(content)

	next := doc.Clone()
	next.Content = content
	next.Version = doc.Version + 1
	next.Checksum = checksum
	next.UpdatedBy = req.UserID
	next.UpdatedAt = now

	version := &DocumentVersion{
		ID:         newID(),
		DocumentID: doc.ID,
		Version:    next.Version,
		Content:    content,
		Checksum:   checksum,
		Changes:    changes,
		ChangeType: changeType,
		AuthorID:   req.UserID,
		CreatedAt:  now,
	}

	if err := m.store.CommitVersion(ctx, next, doc.Version, version); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}

	m.logger.Debug("Document synchronized",
		zap.String("doc_id", doc.ID),
		zap.String("user_id", req.UserID),
		zap.Uint64("client_version", req.ClientVersion),
		zap.Uint64("version", next.Version),
		zap.String("change_type", string(changeType)),
		zap.Int("conflicts", len(changes.Conflicts)),
	)

	return &SyncResult{
		Success:               true,
		NewVersion:            next.Version,
		TransformedOperations: ops,
		Conflicts:             changes.Conflicts,
		Checksum:              checksum,
		ChangeType:            changeType,
	}, nil
}

func (m *Manager) fail(span trace.Span, req *SyncRequest, err error) (*SyncResult, error) {
	code := CodePersistenceFailure
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		code = CodeNotFound
	case errors.Is(err, ErrInvalidVersion):
		code = CodeInvalidVersion
	case errors.Is(err, ot.ErrInvalidOperation):
		code = CodeInvalidOperation
	case errors.Is(err, ErrLockHeld):
		code = CodeLocked
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	logFn := m.logger.Warn
	if code == CodePersistenceFailure {
		logFn = m.logger.Error
	}
	logFn("Sync failed",
		zap.String("doc_id", req.DocumentID),
		zap.String("user_id", req.UserID),
		zap.Uint64("client_version", req.ClientVersion),
		zap.String("code", string(code)),
		zap.Error(err),
	)

	return &SyncResult{Success: false, Code: code, Error: err.Error()}, err
}

// ==================== 生命周期 ====================

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close 关闭管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	if m.ownsScheduler {
		m.scheduler.Stop()
	}

	m.logger.Info("Manager closed")

	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
