package statesync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ==================== 锁管理 ====================

func lockKey(docID string) string {
	return "lock:" + docID
}

// LockDocument 获取文档独占锁
// 未锁定、已由 userID 持有 (续期) 或原持有者已过期时成功, 否则返回 ErrLockHeld.
// duration 为 0 时使用默认锁超时.
func (m *Manager) LockDocument(ctx context.Context, docID, userID string, duration time.Duration) (*Lock, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	if duration <= 0 {
		duration = m.lockTimeout
	}

	lock, err := m.store.AcquireLock(ctx, docID, userID, m.now(), duration)
	if err != nil {
		return nil, err
	}

	// 定时器只是优化, 过期判断才是正确性保证
	lockedAt := lock.LockedAt
	m.scheduler.Schedule(lockKey(docID), duration, func() {
		m.autoUnlock(docID, userID, lockedAt)
	})

	m.logger.Info("Lock acquired",
		zap.String("doc_id", docID),
		zap.String("user_id", userID),
		zap.Duration("duration", duration),
		zap.Time("expires_at", lock.ExpiresAt),
	)

	return lock, nil
}

// UnlockDocument 释放文档锁
// 未锁定时幂等成功; 他人持有且未过期时返回 ErrLockHeld.
func (m *Manager) UnlockDocument(ctx context.Context, docID, userID string) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	if err := m.store.ReleaseLock(ctx, docID, userID, m.now()); err != nil {
		return err
	}

	m.scheduler.Cancel(lockKey(docID))

	m.logger.Info("Lock released",
		zap.String("doc_id", docID),
		zap.String("user_id", userID),
	)

	return nil
}

// GetLock 获取当前有效的锁, 未锁定或已过期时返回 nil
func (m *Manager) GetLock(ctx context.Context, docID string) (*Lock, error) {
	doc, err := m.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	lock := LockOf(doc)
	if lock == nil || lock.Expired(m.now()) {
		return nil, nil
	}
	return lock, nil
}

// autoUnlock 定时释放锁, 仅当锁仍是本次获取的那一把
func (m *Manager) autoUnlock(docID, userID string, lockedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	released, err := m.store.ReleaseLockIfHeld(ctx, docID, userID, lockedAt)
	if err != nil {
		m.logger.Error("Failed to auto-release lock",
			zap.String("doc_id", docID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}
	if !released {
		return
	}

	m.logger.Info("Lock auto-released",
		zap.String("doc_id", docID),
		zap.String("user_id", userID),
	)

	if m.onAutoUnlock != nil {
		m.onAutoUnlock(&Lock{
			DocumentID: docID,
			LockedBy:   userID,
			LockedAt:   lockedAt,
		})
	}
}
