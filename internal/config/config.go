package config

import (
	"github.com/zeromicro/go-zero/rest"

	"github.com/aetherflow/collabsync/internal/tracing"
)

// Config 协作服务配置
type Config struct {
	rest.RestConf

	// 日志配置
	Logging LogConfig `json:",optional"`

	// 存储配置
	Storage StorageConfig `json:",optional"`

	// Postgres配置
	Postgres PostgresConfig `json:",optional"`

	// Redis配置
	Redis RedisConfig `json:",optional"`

	// Kafka配置
	Kafka KafkaConfig `json:",optional"`

	// Etcd配置
	Etcd EtcdConfig `json:",optional"`

	// 链路追踪配置
	Tracing tracing.Config `json:",optional"`

	// 指标配置
	Metrics MetricsConfig `json:",optional"`

	// 限流配置
	RateLimit RateLimitConfig `json:",optional"`

	// 同步配置
	Sync SyncConfig `json:",optional"`

	// 协作状态配置
	Presence PresenceConfig `json:",optional"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `json:",default=info,options=debug|info|warn|error"`
	Development bool   `json:",default=false"`
}

// StorageConfig 存储后端选择
type StorageConfig struct {
	Documents string `json:",default=memory,options=memory|postgres"` // 文档与历史版本
	Presence  string `json:",default=memory,options=memory|redis"`    // 光标/输入/在线状态
	Events    string `json:",default=memory,options=memory|postgres"` // 协作事件审计
}

// PostgresConfig Postgres配置
type PostgresConfig struct {
	DSN             string `json:",optional"` // lib/pq 连接串, 用于文档存储
	URL             string `json:",optional"` // pgx 连接串, 用于事件存储, 为空时使用 DSN
	MaxOpenConns    int    `json:",default=20"`
	MaxIdleConns    int    `json:",default=5"`
	ConnMaxLifetime int    `json:",default=300"` // 秒
	AutoMigrate     bool   `json:",default=true"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string `json:",default=localhost:6379"`
	Password     string `json:",optional"`
	DB           int    `json:",default=0"`
	PoolSize     int    `json:",default=20"`
	PresenceTTL  int    `json:",default=3600"` // 秒
	FanOut       bool   `json:",default=false"` // 是否通过 Redis Pub/Sub 跨实例广播
	EventChannel string `json:",default=collabsync:events"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enable      bool     `json:",default=false"`
	Brokers     []string `json:",optional"`
	Topic       string   `json:",default=collabsync.commits"`
	QueueSize   int      `json:",default=1024"`
	Workers     int      `json:",default=2"`
	MaxRetry    int      `json:",default=3"`
	BaseBackoff int      `json:",default=100"`  // 毫秒
	MaxBackoff  int      `json:",default=5000"` // 毫秒
}

// EtcdConfig Etcd配置
type EtcdConfig struct {
	Enable      bool     `json:",default=false"`
	Endpoints   []string `json:",optional"`
	DialTimeout int      `json:",default=5"` // 秒
	Username    string   `json:",optional"`
	Password    string   `json:",optional"`
	Prefix      string   `json:",default=/services"`
	ServiceName string   `json:",default=collab-service"`
	ServiceAddr string   `json:",optional"` // 为空时使用 Host:Port
	ServiceTTL  int64    `json:",default=10"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enable    bool   `json:",default=true"`
	Host      string `json:",default=0.0.0.0"`
	Port      int    `json:",default=9091"`
	Path      string `json:",default=/metrics"`
	Namespace string `json:",default=collabsync"`
	Subsystem string `json:",default=server"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enable bool `json:",default=true"`
	Rate   int  `json:",default=100"` // 每秒请求数
	Burst  int  `json:",default=200"` // 突发容量
}

// SyncConfig 文档同步配置
type SyncConfig struct {
	LockTimeout      int  `json:",default=30"` // 秒
	MaxCommitRetries int  `json:",default=5"`
	EnforceLocks     bool `json:",default=false"`
}

// PresenceConfig 协作状态配置
type PresenceConfig struct {
	TypingTimeout int `json:",default=3000"` // 毫秒
}
