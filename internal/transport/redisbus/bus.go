// Package redisbus relays collaboration events between service instances over
// Redis pub/sub. Each instance delivers to its own connections immediately and
// applies envelopes published by other instances to its local transport.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/presence"
)

const defaultChannel = "collabsync:events"

// envelope is the wire form of one relayed publish
type envelope struct {
	Origin        string                       `json:"origin"`
	Room          string                       `json:"room,omitempty"`
	UserID        string                       `json:"user_id,omitempty"`
	ExcludeUserID string                       `json:"exclude_user_id,omitempty"`
	Event         *presence.CollaborationEvent `json:"event"`
}

// Config Redis 总线配置
type Config struct {
	Client *redis.Client

	// 本地推送通道, 通常是 websocket Hub
	Local presence.Transport

	// 发布频道
	Channel string

	// 实例标识, 为空时生成
	InstanceID string

	Logger *zap.Logger
}

// Bus is a presence.Transport that fans out through Redis
type Bus struct {
	client     *redis.Client
	local      presence.Transport
	channel    string
	instanceID string
	logger     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

var _ presence.Transport = (*Bus)(nil)

// New 创建 Redis 总线
func New(config *Config) (*Bus, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Local == nil {
		return nil, fmt.Errorf("local transport is required")
	}

	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Channel == "" {
		config.Channel = defaultChannel
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}

	return &Bus{
		client:     config.Client,
		local:      config.Local,
		channel:    config.Channel,
		instanceID: config.InstanceID,
		logger:     config.Logger,
	}, nil
}

// InstanceID 实例标识
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Start subscribes to the channel and relays remote envelopes until ctx is
// done or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		return fmt.Errorf("bus already started")
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	// 等待订阅确认
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.pubsub = pubsub
	b.done = make(chan struct{})
	go b.relay(ctx, pubsub.Channel(), b.done)

	b.logger.Info("Redis event bus started",
		zap.String("channel", b.channel),
		zap.String("instance_id", b.instanceID),
	)
	return nil
}

func (b *Bus) relay(ctx context.Context, messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.deliver(ctx, []byte(msg.Payload))
		}
	}
}

// deliver applies a remote envelope to the local transport
func (b *Bus) deliver(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn("Invalid envelope on event bus", zap.Error(err))
		return
	}
	if env.Origin == b.instanceID || env.Event == nil {
		return
	}

	var err error
	if env.Room != "" {
		err = b.local.Publish(ctx, env.Room, env.Event, env.ExcludeUserID)
	} else {
		err = b.local.PublishToUser(ctx, env.UserID, env.Event)
	}
	if err != nil {
		b.logger.Warn("Failed to deliver relayed event",
			zap.String("origin", env.Origin),
			zap.String("event_id", env.Event.ID),
			zap.Error(err),
		)
	}
}

func (b *Bus) relayOut(ctx context.Context, env *envelope) error {
	env.Origin = b.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Publish 本地推送后转发给其他实例
func (b *Bus) Publish(ctx context.Context, room string, event *presence.CollaborationEvent, excludeUserID string) error {
	if err := b.local.Publish(ctx, room, event, excludeUserID); err != nil {
		return err
	}
	return b.relayOut(ctx, &envelope{Room: room, ExcludeUserID: excludeUserID, Event: event})
}

// PublishToUser 本地推送后转发给其他实例
func (b *Bus) PublishToUser(ctx context.Context, userID string, event *presence.CollaborationEvent) error {
	if err := b.local.PublishToUser(ctx, userID, event); err != nil {
		return err
	}
	return b.relayOut(ctx, &envelope{UserID: userID, Event: event})
}

// Join 房间成员只在本地维护
func (b *Bus) Join(ctx context.Context, connectionID, room string) error {
	return b.local.Join(ctx, connectionID, room)
}

// Leave 房间成员只在本地维护
func (b *Bus) Leave(ctx context.Context, connectionID, room string) error {
	return b.local.Leave(ctx, connectionID, room)
}

// UserConnections 只统计本实例的连接
func (b *Bus) UserConnections(room, userID string) int {
	if members, ok := b.local.(presence.RoomMembers); ok {
		return members.UserConnections(room, userID)
	}
	return 0
}

// Close 关闭订阅
func (b *Bus) Close() error {
	b.mu.Lock()
	pubsub, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}
