package statesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// postgresSchema 文档与版本表
const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id               TEXT PRIMARY KEY,
	type             VARCHAR(50) NOT NULL,
	organization_id  TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	version          BIGINT NOT NULL,
	checksum         VARCHAR(16) NOT NULL,
	metadata         JSONB,
	is_locked        BOOLEAN NOT NULL DEFAULT FALSE,
	locked_by        TEXT NOT NULL DEFAULT '',
	locked_at        TIMESTAMPTZ,
	lock_duration_ms BIGINT NOT NULL DEFAULT 0,
	created_by       TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_by       TEXT NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	version     BIGINT NOT NULL,
	content     TEXT NOT NULL,
	checksum    VARCHAR(16) NOT NULL,
	changes     JSONB NOT NULL,
	change_type VARCHAR(16) NOT NULL,
	author_id   TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, version)
);
`

const documentColumns = `
	id, type, organization_id, content, version, checksum, metadata,
	is_locked, locked_by, locked_at, lock_duration_ms,
	created_by, created_at, updated_by, updated_at`

const versionColumns = `
	id, document_id, version, content, checksum, changes, change_type, author_id, created_at`

// lockExpiredExpr 锁已过期的 SQL 条件, $N 为当前时间
const lockExpiredExpr = `locked_at + lock_duration_ms * INTERVAL '1 millisecond' <= $%d`

// PostgresStore PostgreSQL implementation of Store interface
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// PostgresStoreConfig PostgreSQL store configuration
type PostgresStoreConfig struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config *PostgresStoreConfig) (*PostgresStore, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &PostgresStore{
		db:     config.DB,
		logger: config.Logger,
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ==================== 文档管理 ====================

// CreateDocument inserts the document and its first version in one transaction
func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document, first *DocumentVersion) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (
				id, type, organization_id, content, version, checksum, metadata,
				created_by, created_at, updated_by, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			doc.ID,
			string(doc.Type),
			doc.OrganizationID,
			doc.Content,
			doc.Version,
			doc.Checksum,
			metadata,
			doc.CreatedBy,
			doc.CreatedAt,
			doc.UpdatedBy,
			doc.UpdatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
				return ErrDocumentExists
			}
			s.logger.Error("Failed to create document", zap.Error(err))
			return fmt.Errorf("failed to create document: %w", err)
		}

		return insertVersion(ctx, tx, first)
	})
}

// GetDocument retrieves a document by ID
func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, docID)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// CommitVersion conditionally updates the document and appends the version row
func (s *PostgresStore) CommitVersion(ctx context.Context, doc *Document, expectedVersion uint64, version *DocumentVersion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET content = $3, version = $4, checksum = $5, updated_by = $6, updated_at = $7
			WHERE id = $1 AND version = $2`,
			doc.ID,
			expectedVersion,
			doc.Content,
			doc.Version,
			doc.Checksum,
			doc.UpdatedBy,
			doc.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			if err := documentExists(ctx, tx, doc.ID); err != nil {
				return err
			}
			return ErrVersionMismatch
		}

		return insertVersion(ctx, tx, version)
	})
}

// ==================== 版本历史 ====================

// GetVersionsInRange returns versions in (fromVersion, toVersion] ascending
func (s *PostgresStore) GetVersionsInRange(ctx context.Context, docID string, fromVersion, toVersion uint64) ([]*DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = $1 AND version > $2 AND version <= $3
		ORDER BY version ASC`,
		docID, fromVersion, toVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	versions, err := scanVersions(rows)
	if err != nil {
		return nil, err
	}

	if len(versions) == 0 {
		if err := documentExists(ctx, s.db, docID); err != nil {
			return nil, err
		}
	}

	return versions, nil
}

// ListVersions returns a page of versions newest first with the total count
func (s *PostgresStore) ListVersions(ctx context.Context, docID string, limit, offset int) ([]*DocumentVersion, int, error) {
	if err := documentExists(ctx, s.db, docID); err != nil {
		return nil, 0, err
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_versions WHERE document_id = $1`, docID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count versions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version DESC
		LIMIT $2 OFFSET $3`,
		docID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	versions, err := scanVersions(rows)
	if err != nil {
		return nil, 0, err
	}

	return versions, total, nil
}

// ==================== 锁管理 ====================

// AcquireLock takes the lock in a single conditional UPDATE
func (s *PostgresStore) AcquireLock(ctx context.Context, docID, userID string, now time.Time, duration time.Duration) (*Lock, error) {
	// TIMESTAMPTZ 精度为微秒, 截断后 ReleaseLockIfHeld 才能精确比较
	now = now.UTC().Truncate(time.Microsecond)

	query := fmt.Sprintf(`
		UPDATE documents
		SET is_locked = TRUE, locked_by = $2, locked_at = $3, lock_duration_ms = $4
		WHERE id = $1 AND (NOT is_locked OR locked_by = $2 OR `+lockExpiredExpr+`)
		RETURNING locked_by, locked_at, lock_duration_ms`, 3)

	var (
		lockedBy   string
		lockedAt   time.Time
		durationMs int64
	)
	err := s.db.QueryRowContext(ctx, query, docID, userID, now, duration.Milliseconds()).
		Scan(&lockedBy, &lockedAt, &durationMs)
	if err == sql.ErrNoRows {
		if err := documentExists(ctx, s.db, docID); err != nil {
			return nil, err
		}
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	d := time.Duration(durationMs) * time.Millisecond
	return &Lock{
		DocumentID: docID,
		LockedBy:   lockedBy,
		LockedAt:   lockedAt,
		Duration:   d,
		ExpiresAt:  lockedAt.Add(d),
	}, nil
}

// ReleaseLock clears the lock when unlocked, owned by userID or expired
func (s *PostgresStore) ReleaseLock(ctx context.Context, docID, userID string, now time.Time) error {
	query := fmt.Sprintf(`
		UPDATE documents
		SET is_locked = FALSE, locked_by = '', locked_at = NULL, lock_duration_ms = 0
		WHERE id = $1 AND (NOT is_locked OR locked_by = $2 OR `+lockExpiredExpr+`)`, 3)

	result, err := s.db.ExecContext(ctx, query, docID, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if err := documentExists(ctx, s.db, docID); err != nil {
			return err
		}
		return ErrLockHeld
	}

	return nil
}

// ReleaseLockIfHeld clears the lock only if it is still the given acquisition
func (s *PostgresStore) ReleaseLockIfHeld(ctx context.Context, docID, userID string, lockedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET is_locked = FALSE, locked_by = '', locked_at = NULL, lock_duration_ms = 0
		WHERE id = $1 AND is_locked AND locked_by = $2 AND locked_at = $3`,
		docID, userID, lockedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ==================== 工具方法 ====================

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func documentExists(ctx context.Context, q queryRower, docID string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, docID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return ErrDocumentNotFound
	}
	return nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *DocumentVersion) error {
	changes, err := json.Marshal(v.Changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID,
		v.DocumentID,
		v.Version,
		v.Content,
		v.Checksum,
		changes,
		string(v.ChangeType),
		v.AuthorID,
		v.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrVersionMismatch
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func scanDocument(row *sql.Row) (*Document, error) {
	var (
		doc        Document
		metadata   []byte
		lockedAt   sql.NullTime
		durationMs int64
	)

	err := row.Scan(
		&doc.ID,
		&doc.Type,
		&doc.OrganizationID,
		&doc.Content,
		&doc.Version,
		&doc.Checksum,
		&metadata,
		&doc.IsLocked,
		&doc.LockedBy,
		&lockedAt,
		&durationMs,
		&doc.CreatedBy,
		&doc.CreatedAt,
		&doc.UpdatedBy,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if lockedAt.Valid {
		doc.LockedAt = lockedAt.Time
	}
	doc.LockDuration = time.Duration(durationMs) * time.Millisecond

	return &doc, nil
}

func scanVersions(rows *sql.Rows) ([]*DocumentVersion, error) {
	var versions []*DocumentVersion
	for rows.Next() {
		var (
			v       DocumentVersion
			changes []byte
		)
		err := rows.Scan(
			&v.ID,
			&v.DocumentID,
			&v.Version,
			&v.Content,
			&v.Checksum,
			&changes,
			&v.ChangeType,
			&v.AuthorID,
			&v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if err := json.Unmarshal(changes, &v.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return versions, nil
}
