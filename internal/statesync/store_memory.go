package statesync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存存储实现
// 适用于单进程部署和测试环境
type MemoryStore struct {
	mu sync.RWMutex

	documents map[string]*Document
	versions  map[string][]*DocumentVersion // docID -> 按版本升序
}

// NewMemoryStore 创建内存存储实例
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]*Document),
		versions:  make(map[string][]*DocumentVersion),
	}
}

// ==================== 文档管理 ====================

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *Document, first *DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return ErrDocumentExists
	}

	s.documents[doc.ID] = doc.Clone()
	v := *first
	s.versions[doc.ID] = []*DocumentVersion{&v}

	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.documents[docID]
	if !exists {
		return nil, ErrDocumentNotFound
	}

	return doc.Clone(), nil
}

func (s *MemoryStore) CommitVersion(ctx context.Context, doc *Document, expectedVersion uint64, version *DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.documents[doc.ID]
	if !exists {
		return ErrDocumentNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}

	// 锁字段不随内容提交变化
	current.Content = doc.Content
	current.Version = doc.Version
	current.Checksum = doc.Checksum
	current.UpdatedBy = doc.UpdatedBy
	current.UpdatedAt = doc.UpdatedAt

	v := *version
	s.versions[doc.ID] = append(s.versions[doc.ID], &v)

	return nil
}

// ==================== 版本历史 ====================

func (s *MemoryStore) GetVersionsInRange(ctx context.Context, docID string, fromVersion, toVersion uint64) ([]*DocumentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.documents[docID]; !exists {
		return nil, ErrDocumentNotFound
	}

	var result []*DocumentVersion
	for _, v := range s.versions[docID] {
		if v.Version > fromVersion && v.Version <= toVersion {
			vCopy := *v
			result = append(result, &vCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})

	return result, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, docID string, limit, offset int) ([]*DocumentVersion, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.documents[docID]; !exists {
		return nil, 0, ErrDocumentNotFound
	}

	all := s.versions[docID]
	total := len(all)

	result := make([]*DocumentVersion, 0, limit)
	// 倒序遍历即按版本降序
	for i := total - 1 - offset; i >= 0 && len(result) < limit; i-- {
		vCopy := *all[i]
		result = append(result, &vCopy)
	}

	return result, total, nil
}

// ==================== 锁管理 ====================

func (s *MemoryStore) AcquireLock(ctx context.Context, docID, userID string, now time.Time, duration time.Duration) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.documents[docID]
	if !exists {
		return nil, ErrDocumentNotFound
	}

	if held := LockOf(doc); held != nil && held.LockedBy != userID && !held.Expired(now) {
		return nil, ErrLockHeld
	}

	doc.IsLocked = true
	doc.LockedBy = userID
	doc.LockedAt = now
	doc.LockDuration = duration

	return LockOf(doc), nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, docID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.documents[docID]
	if !exists {
		return ErrDocumentNotFound
	}

	held := LockOf(doc)
	if held == nil {
		return nil
	}
	if held.LockedBy != userID && !held.Expired(now) {
		return ErrLockHeld
	}

	clearLock(doc)
	return nil
}

func (s *MemoryStore) ReleaseLockIfHeld(ctx context.Context, docID, userID string, lockedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.documents[docID]
	if !exists {
		return false, ErrDocumentNotFound
	}

	if !doc.IsLocked || doc.LockedBy != userID || !doc.LockedAt.Equal(lockedAt) {
		return false, nil
	}

	clearLock(doc)
	return true, nil
}

func clearLock(doc *Document) {
	doc.IsLocked = false
	doc.LockedBy = ""
	doc.LockedAt = time.Time{}
	doc.LockDuration = 0
}
