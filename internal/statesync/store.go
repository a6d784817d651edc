package statesync

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrVersionMismatch  = errors.New("version mismatch")
	ErrInvalidVersion   = errors.New("client version is ahead of server")
	ErrLockHeld         = errors.New("document is locked by another user")
	ErrManagerClosed    = errors.New("manager is closed")
)

// Store 文档同步存储接口
// 文档状态与版本历史必须在同一事务中写入
type Store interface {
	// ==================== 文档管理 ====================

	// CreateDocument 原子写入文档及其第一个版本
	CreateDocument(ctx context.Context, doc *Document, first *DocumentVersion) error

	// GetDocument 获取文档
	GetDocument(ctx context.Context, docID string) (*Document, error)

	// CommitVersion 条件提交: 仅当当前版本等于 expectedVersion 时,
	// 更新文档内容/版本/校验和并追加版本记录, 否则返回 ErrVersionMismatch
	CommitVersion(ctx context.Context, doc *Document, expectedVersion uint64, version *DocumentVersion) error

	// ==================== 版本历史 ====================

	// GetVersionsInRange 获取 (fromVersion, toVersion] 区间内的版本, 按版本升序
	GetVersionsInRange(ctx context.Context, docID string, fromVersion, toVersion uint64) ([]*DocumentVersion, error)

	// ListVersions 分页列出版本, 按版本降序
	// 返回: 版本列表, 总数, 错误
	ListVersions(ctx context.Context, docID string, limit, offset int) ([]*DocumentVersion, int, error)

	// ==================== 锁管理 ====================

	// AcquireLock 原子获取锁: 未锁定、已由 userID 持有或已过期时成功, 否则返回 ErrLockHeld
	AcquireLock(ctx context.Context, docID, userID string, now time.Time, duration time.Duration) (*Lock, error)

	// ReleaseLock 释放锁: 未锁定时幂等, 他人未过期的锁返回 ErrLockHeld
	ReleaseLock(ctx context.Context, docID, userID string, now time.Time) error

	// ReleaseLockIfHeld 仅当锁仍为 (userID, lockedAt) 时释放, 用于定时自动解锁
	ReleaseLockIfHeld(ctx context.Context, docID, userID string, lockedAt time.Time) (bool, error)
}
