/*
@Author: Lzww
@LastEditTime: 2025-11-10 22:03:20
@Description: Presence store redis implementation
@Language: Go
*/
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Redis key prefixes
	cursorKeyPrefix      = "presence:cursor:"        // presence:cursor:{docID} -> Hash userID -> JSON
	typingKeyPrefix      = "presence:typing:"        // presence:typing:{docID} -> Hash userID -> JSON
	typingTokenKeyPrefix = "presence:typing_at:"     // presence:typing_at:{docID} -> Hash userID -> startedAt (unix nano)
	userKeyPrefix        = "presence:user:"          // presence:user:{userID} -> JSON
	participantKeyPrefix = "presence:participants:"  // presence:participants:{sessionID} -> Hash userID -> JSON
	userSessionsPrefix   = "presence:user_sessions:" // presence:user_sessions:{userID} -> Set of sessionIDs
)

// deleteTypingIfScript removes a typing indicator only if its token still matches
var deleteTypingIfScript = redis.NewScript(`
-- KEYS[1] = typing hash, KEYS[2] = token hash
-- ARGV[1] = userID, ARGV[2] = expected token
if redis.call("HGET", KEYS[2], ARGV[1]) == ARGV[2] then
	redis.call("HDEL", KEYS[1], ARGV[1])
	redis.call("HDEL", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisStore Redis-based presence store shared by every service instance
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration // idle TTL of the ephemeral hashes
}

// RedisStoreConfig Redis store configuration
type RedisStoreConfig struct {
	Client *redis.Client
	Logger *zap.Logger
	TTL    time.Duration
}

// NewRedisStore creates a new Redis-based presence store
func NewRedisStore(config *RedisStoreConfig) (*RedisStore, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	if config.TTL == 0 {
		config.TTL = time.Hour
	}

	return &RedisStore{
		client: config.Client,
		logger: config.Logger,
		ttl:    config.TTL,
	}, nil
}

// ==================== 光标 ====================

func (s *RedisStore) SetCursor(ctx context.Context, cursor *CursorPosition) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	key := cursorKeyPrefix + cursor.DocumentID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, cursor.UserID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteCursor(ctx context.Context, documentID, userID string) error {
	if err := s.client.HDel(ctx, cursorKeyPrefix+documentID, userID).Err(); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

func (s *RedisStore) ListCursors(ctx context.Context, documentID string) ([]*CursorPosition, error) {
	values, err := s.client.HGetAll(ctx, cursorKeyPrefix+documentID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}

	out := make([]*CursorPosition, 0, len(values))
	for userID, raw := range values {
		var c CursorPosition
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.logger.Warn("Invalid cursor entry",
				zap.String("doc_id", documentID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ==================== 输入状态 ====================

func typingToken(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func (s *RedisStore) SetTyping(ctx context.Context, typing *TypingIndicator) error {
	data, err := json.Marshal(typing)
	if err != nil {
		return fmt.Errorf("failed to marshal typing indicator: %w", err)
	}

	key := typingKeyPrefix + typing.DocumentID
	tokenKey := typingTokenKeyPrefix + typing.DocumentID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, typing.UserID, data)
	pipe.HSet(ctx, tokenKey, typing.UserID, typingToken(typing.StartedAt))
	pipe.Expire(ctx, key, s.ttl)
	pipe.Expire(ctx, tokenKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set typing indicator: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteTyping(ctx context.Context, documentID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, typingKeyPrefix+documentID, userID)
	pipe.HDel(ctx, typingTokenKeyPrefix+documentID, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete typing indicator: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteTypingIf(ctx context.Context, documentID, userID string, startedAt time.Time) (bool, error) {
	n, err := deleteTypingIfScript.Run(ctx, s.client,
		[]string{typingKeyPrefix + documentID, typingTokenKeyPrefix + documentID},
		userID, typingToken(startedAt),
	).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to clear typing indicator: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) ListTyping(ctx context.Context, documentID string) ([]*TypingIndicator, error) {
	values, err := s.client.HGetAll(ctx, typingKeyPrefix+documentID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list typing indicators: %w", err)
	}

	out := make([]*TypingIndicator, 0, len(values))
	for userID, raw := range values {
		var t TypingIndicator
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.logger.Warn("Invalid typing entry",
				zap.String("doc_id", documentID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ==================== 在线状态 ====================

func (s *RedisStore) SetPresence(ctx context.Context, presence *UserPresence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, userKeyPrefix+presence.UserID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPresence(ctx context.Context, userID string) (*UserPresence, error) {
	data, err := s.client.Get(ctx, userKeyPrefix+userID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrPresenceNotFound
		}
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var p UserPresence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return &p, nil
}

// ==================== 参与者 ====================

func (s *RedisStore) AddParticipant(ctx context.Context, participant *Participant) error {
	data, err := json.Marshal(participant)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}

	key := participantKeyPrefix + participant.SessionID
	userKey := userSessionsPrefix + participant.UserID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, participant.UserID, data)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, userKey, participant.SessionID)
	pipe.Expire(ctx, userKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to add participant in Redis",
			zap.String("session_id", participant.SessionID),
			zap.String("user_id", participant.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error) {
	key := participantKeyPrefix + sessionID

	pipe := s.client.TxPipeline()
	get := pipe.HGet(ctx, key, userID)
	pipe.HDel(ctx, key, userID)
	pipe.SRem(ctx, userSessionsPrefix+userID, sessionID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to remove participant: %w", err)
	}

	raw, err := get.Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read participant: %w", err)
	}

	var p Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participant: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error) {
	values, err := s.client.HGetAll(ctx, participantKeyPrefix+sessionID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}

	out := make([]*Participant, 0, len(values))
	for userID, raw := range values {
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.logger.Warn("Invalid participant entry",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *RedisStore) SessionsForUser(ctx context.Context, userID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, userSessionsPrefix+userID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Clear removes every presence key. Test helper.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, "presence:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
		}
	}
	return iter.Err()
}
