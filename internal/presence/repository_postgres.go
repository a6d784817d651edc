package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS collaboration_events (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	type        TEXT NOT NULL,
	data        JSONB,
	user_id     TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS idx_collaboration_events_session
	ON collaboration_events (session_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS user_presence (
	user_id     TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	location    TEXT NOT NULL DEFAULT '',
	document_id TEXT NOT NULL DEFAULT '',
	last_seen   TIMESTAMPTZ NOT NULL,
	metadata    JSONB
);

CREATE TABLE IF NOT EXISTS session_participants (
	session_id  TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	document_id TEXT NOT NULL DEFAULT '',
	joined_at   TIMESTAMPTZ,
	left_at     TIMESTAMPTZ,
	active      BOOLEAN NOT NULL,
	PRIMARY KEY (session_id, user_id)
);
`

// PostgresRepository PostgreSQL-backed durable presence repository
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresRepositoryConfig PostgreSQL 仓库配置
type PostgresRepositoryConfig struct {
	Pool   *pgxpool.Pool
	Logger *zap.Logger
}

// NewPostgresRepository 创建 PostgreSQL 仓库
func NewPostgresRepository(config *PostgresRepositoryConfig) (*PostgresRepository, error) {
	if config.Pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &PostgresRepository{
		pool:   config.Pool,
		logger: config.Logger,
	}, nil
}

// Migrate 创建表结构
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate presence schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendEvent(ctx context.Context, event *CollaborationEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	var metadata []byte
	if event.Metadata != nil {
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO collaboration_events (id, session_id, type, data, user_id, timestamp, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SessionID, string(event.Type), data, event.UserID, event.Timestamp, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns events with Data decoded as json.RawMessage
func (r *PostgresRepository) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]*CollaborationEvent, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM collaboration_events WHERE session_id = $1`, sessionID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, type, data, user_id, timestamp, metadata
		FROM collaboration_events
		WHERE session_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*CollaborationEvent, error) {
		var (
			e         CollaborationEvent
			eventType string
			data      []byte
			metadata  []byte
		)
		if err := row.Scan(&e.ID, &e.SessionID, &eventType, &data, &e.UserID, &e.Timestamp, &metadata); err != nil {
			return nil, err
		}
		e.Type = EventType(eventType)
		if len(data) > 0 {
			e.Data = json.RawMessage(data)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, err
			}
		}
		return &e, nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan events: %w", err)
	}

	return events, total, nil
}

func (r *PostgresRepository) UpsertPresence(ctx context.Context, presence *UserPresence) error {
	var metadata []byte
	if presence.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(presence.Metadata); err != nil {
			return fmt.Errorf("failed to marshal presence metadata: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_presence (user_id, status, location, document_id, last_seen, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			location = EXCLUDED.location,
			document_id = EXCLUDED.document_id,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		presence.UserID, string(presence.Status), presence.Location, presence.DocumentID, presence.LastSeen, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertParticipant(ctx context.Context, participant *Participant) error {
	var joinedAt *time.Time
	if !participant.JoinedAt.IsZero() {
		joinedAt = &participant.JoinedAt
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_participants (session_id, user_id, document_id, joined_at, left_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			joined_at = COALESCE(EXCLUDED.joined_at, session_participants.joined_at),
			left_at = EXCLUDED.left_at,
			active = EXCLUDED.active`,
		participant.SessionID, participant.UserID, participant.DocumentID, joinedAt, participant.LeftAt, participant.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// GetPresence 读取持久化的在线状态
func (r *PostgresRepository) GetPresence(ctx context.Context, userID string) (*UserPresence, error) {
	var (
		p        UserPresence
		status   string
		metadata []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, status, location, document_id, last_seen, metadata
		FROM user_presence WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &status, &p.Location, &p.DocumentID, &p.LastSeen, &metadata)
	if err == pgx.ErrNoRows {
		return nil, ErrPresenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	p.Status = Status(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence metadata: %w", err)
		}
	}
	return &p, nil
}

// Ping 检查连接
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close 关闭连接池
func (r *PostgresRepository) Close() {
	r.pool.Close()
}
