package statesync

import (
	"time"

	"github.com/aetherflow/collabsync/internal/ot"
)

// DocumentType 文档类型
type DocumentType string

const (
	DocumentTypeText       DocumentType = "text"       // 文本文档
	DocumentTypeNote       DocumentType = "note"       // 笔记
	DocumentTypeReport     DocumentType = "report"     // 报告
	DocumentTypeWhiteboard DocumentType = "whiteboard" // 白板
)

// ChangeType 版本变更类型
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create" // 创建
	ChangeTypeEdit   ChangeType = "edit"   // 直接编辑 (快速路径或无冲突)
	ChangeTypeMerge  ChangeType = "merge"  // 经过变换合并
)

// Document 协作文档
type Document struct {
	ID             string            `json:"id"`
	Type           DocumentType      `json:"type"`
	OrganizationID string            `json:"organization_id"`
	Content        string            `json:"content"`
	Version        uint64            `json:"version"` // 从1开始, 每次提交+1
	Checksum       string            `json:"checksum"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// 锁字段
	IsLocked     bool          `json:"is_locked"`
	LockedBy     string        `json:"locked_by,omitempty"`
	LockedAt     time.Time     `json:"locked_at,omitempty"`
	LockDuration time.Duration `json:"lock_duration,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out from a store.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Lock 文档锁视图
type Lock struct {
	DocumentID string        `json:"document_id"`
	LockedBy   string        `json:"locked_by"`
	LockedAt   time.Time     `json:"locked_at"`
	Duration   time.Duration `json:"duration"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Expired reports whether the lock may be taken over at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// LockOf extracts the lock held on doc, or nil when it is unlocked.
func LockOf(doc *Document) *Lock {
	if doc == nil || !doc.IsLocked {
		return nil
	}
	return &Lock{
		DocumentID: doc.ID,
		LockedBy:   doc.LockedBy,
		LockedAt:   doc.LockedAt,
		Duration:   doc.LockDuration,
		ExpiresAt:  doc.LockedAt.Add(doc.LockDuration),
	}
}

// ResolutionType 冲突解决类型
type ResolutionType string

const (
	ResolutionAutoResolved   ResolutionType = "auto_resolved"
	ResolutionManualRequired ResolutionType = "manual_required"
)

// ConflictResolution 冲突记录, 随版本一起持久化
type ConflictResolution struct {
	Type              ResolutionType `json:"type"`
	Description       string         `json:"description"`
	OriginalOperation ot.Operation   `json:"original_operation"`
	ResolvedOperation *ot.Operation  `json:"resolved_operation,omitempty"`
}

// Changes 版本变更内容
type Changes struct {
	Operations         []ot.Operation       `json:"operations"`
	OriginalOperations []ot.Operation       `json:"original_operations,omitempty"`
	PreviousVersion    uint64               `json:"previous_version"`
	Conflicts          []ConflictResolution `json:"conflicts,omitempty"`
}

// DocumentVersion 文档历史版本 (只追加)
type DocumentVersion struct {
	ID         string     `json:"id"`
	DocumentID string     `json:"document_id"`
	Version    uint64     `json:"version"`
	Content    string     `json:"content"`
	Checksum   string     `json:"checksum"`
	Changes    Changes    `json:"changes"`
	ChangeType ChangeType `json:"change_type"`
	AuthorID   string     `json:"author_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateDocumentRequest 创建文档请求
type CreateDocumentRequest struct {
	DocumentID     string            `json:"document_id"` // 为空时自动生成
	Type           DocumentType      `json:"type"`
	InitialContent string            `json:"initial_content"`
	OrganizationID string            `json:"organization_id"`
	CreatedBy      string            `json:"created_by"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SyncRequest 同步请求
type SyncRequest struct {
	DocumentID     string         `json:"document_id"`
	Operations     []ot.Operation `json:"operations"`
	ClientVersion  uint64         `json:"client_version"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
}

// ResultCode 同步失败原因
type ResultCode string

const (
	CodeOK                 ResultCode = ""
	CodeNotFound           ResultCode = "not_found"
	CodeInvalidVersion     ResultCode = "invalid_version"
	CodeInvalidOperation   ResultCode = "invalid_operation"
	CodeLocked             ResultCode = "locked"
	CodePersistenceFailure ResultCode = "persistence_failure"
)

// SyncResult 同步结果
type SyncResult struct {
	Success               bool                 `json:"success"`
	NewVersion            uint64               `json:"new_version,omitempty"`
	TransformedOperations []ot.Operation       `json:"transformed_operations,omitempty"`
	Conflicts             []ConflictResolution `json:"conflicts,omitempty"`
	Checksum              string               `json:"checksum,omitempty"`
	ChangeType            ChangeType           `json:"change_type,omitempty"`
	Code                  ResultCode           `json:"code,omitempty"`
	Error                 string               `json:"error,omitempty"`
}

// History 分页历史
type History struct {
	Versions      []*DocumentVersion `json:"versions"`
	TotalVersions int                `json:"total_versions"`
	HasMore       bool               `json:"has_more"`
}

// ChecksumReport 校验结果
type ChecksumReport struct {
	DocumentID     string `json:"document_id"`
	Version        uint64 `json:"version"`
	ServerChecksum string `json:"server_checksum"`
	ClientChecksum string `json:"client_checksum"`
	Match          bool   `json:"match"`
}
