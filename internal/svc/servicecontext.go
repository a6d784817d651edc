package svc

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/zeromicro/go-zero/core/breaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aetherflow/collabsync/internal/collab"
	"github.com/aetherflow/collabsync/internal/config"
	"github.com/aetherflow/collabsync/internal/discovery"
	"github.com/aetherflow/collabsync/internal/jobs"
	"github.com/aetherflow/collabsync/internal/metrics"
	"github.com/aetherflow/collabsync/internal/presence"
	"github.com/aetherflow/collabsync/internal/schedule"
	"github.com/aetherflow/collabsync/internal/statesync"
	"github.com/aetherflow/collabsync/internal/tracing"
	"github.com/aetherflow/collabsync/internal/transport/redisbus"
	"github.com/aetherflow/collabsync/internal/transport/websocket"
)

// ServiceContext 服务上下文
type ServiceContext struct {
	Config           config.Config
	Logger           *zap.Logger
	Tracer           *tracing.Tracer
	Metrics          *metrics.Metrics
	MetricsCollector *metrics.Collector

	Scheduler   *schedule.Scheduler
	Manager     *statesync.Manager
	Broadcaster *presence.Broadcaster
	Service     *collab.Service

	Hub      *websocket.Hub
	WSServer *websocket.Server
	Bus      *redisbus.Bus

	Dispatcher *jobs.Dispatcher
	Registry   *discovery.Registry

	// 按需创建的后端连接
	db    *sql.DB
	pool  *pgxpool.Pool
	redis *redis.Client

	closers   []func(ctx context.Context)
	closeOnce sync.Once
}

// NewServiceContext 按配置创建并连接全部组件
func NewServiceContext(c config.Config) (*ServiceContext, error) {
	logger, err := newLogger(c.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	s := &ServiceContext{Config: c, Logger: logger}
	if err := s.init(); err != nil {
		s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *ServiceContext) init() error {
	c := s.Config
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 链路追踪
	tracer, err := tracing.NewTracer(&c.Tracing, s.Logger)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	s.Tracer = tracer
	s.onClose(func(ctx context.Context) { tracer.Shutdown(ctx) })

	// 指标
	s.Metrics = metrics.NewMetrics(c.Metrics.Namespace, c.Metrics.Subsystem)
	if c.Metrics.Enable {
		s.MetricsCollector = metrics.NewCollector(s.Metrics, s.Logger)
		s.MetricsCollector.Start()
		s.onClose(func(context.Context) { s.MetricsCollector.Stop() })
	}

	// 共享定时任务调度器 (锁自动释放 + 输入状态清除)
	s.Scheduler = schedule.New(s.Logger)
	s.onClose(func(context.Context) { s.Scheduler.Stop() })

	docStore, err := s.newDocumentStore(ctx)
	if err != nil {
		return err
	}
	presenceStore, err := s.newPresenceStore(ctx)
	if err != nil {
		return err
	}
	repo, err := s.newRepository(ctx)
	if err != nil {
		return err
	}

	// WebSocket Hub, 开启 Fan-Out 时外包一层 Redis 总线
	s.Hub = websocket.NewHub(s.Logger)
	s.onClose(func(context.Context) { s.Hub.Close() })
	s.Hub.OnConnectionChange(s.connectionObserver())

	var transport presence.Transport = s.Hub
	if c.Redis.FanOut {
		client, err := s.redisClient(ctx)
		if err != nil {
			return err
		}
		bus, err := redisbus.New(&redisbus.Config{
			Client:  client,
			Local:   s.Hub,
			Channel: c.Redis.EventChannel,
			Logger:  s.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis bus: %w", err)
		}
		if err := bus.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start redis bus: %w", err)
		}
		s.Bus = bus
		s.onClose(func(context.Context) { bus.Close() })
		transport = bus
	}

	s.Broadcaster, err = presence.NewBroadcaster(&presence.BroadcasterConfig{
		Store:         presenceStore,
		Repository:    repo,
		Transport:     transport,
		Scheduler:     s.Scheduler,
		Logger:        s.Logger,
		TypingTimeout: time.Duration(c.Presence.TypingTimeout) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create broadcaster: %w", err)
	}
	s.onClose(func(context.Context) { s.Broadcaster.Close() })

	s.Manager, err = statesync.NewManager(&statesync.ManagerConfig{
		Store:            docStore,
		Logger:           s.Logger,
		Scheduler:        s.Scheduler,
		LockTimeout:      time.Duration(c.Sync.LockTimeout) * time.Second,
		MaxCommitRetries: c.Sync.MaxCommitRetries,
		EnforceLocks:     c.Sync.EnforceLocks,
		OnAutoUnlock: func(lock *statesync.Lock) {
			if s.Service != nil {
				s.Service.HandleAutoUnlock(lock)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	s.onClose(func(context.Context) { s.Manager.Close() })

	// 提交事件投递
	var queue collab.JobQueue
	if c.Kafka.Enable {
		dispatcher, err := s.newDispatcher()
		if err != nil {
			return err
		}
		s.Dispatcher = dispatcher
		s.onClose(func(ctx context.Context) { dispatcher.Close(ctx) })
		queue = dispatcher
	}

	s.Service, err = collab.NewService(&collab.Config{
		Manager:     s.Manager,
		Broadcaster: s.Broadcaster,
		Jobs:        queue,
		Metrics:     s.Metrics,
		Logger:      s.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create collab service: %w", err)
	}

	s.WSServer = websocket.NewServer(s.Hub, websocket.NewCollabHandler(s.Service, s.Logger), s.Logger)

	if c.Etcd.Enable {
		if err := s.register(ctx); err != nil {
			return err
		}
	}

	s.Logger.Info("Service context initialized",
		zap.String("documents", c.Storage.Documents),
		zap.String("presence", c.Storage.Presence),
		zap.String("events", c.Storage.Events),
		zap.Bool("fan_out", c.Redis.FanOut),
		zap.Bool("kafka", c.Kafka.Enable),
		zap.Bool("etcd", c.Etcd.Enable),
	)
	return nil
}

// ==================== 存储 ====================

func (s *ServiceContext) newDocumentStore(ctx context.Context) (statesync.Store, error) {
	if s.Config.Storage.Documents != "postgres" {
		return statesync.NewMemoryStore(), nil
	}

	pg := s.Config.Postgres
	db, err := sql.Open("postgres", pg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(pg.MaxOpenConns)
	db.SetMaxIdleConns(pg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(pg.ConnMaxLifetime) * time.Second)
	s.db = db
	s.onClose(func(context.Context) { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	store, err := statesync.NewPostgresStore(&statesync.PostgresStoreConfig{DB: db, Logger: s.Logger})
	if err != nil {
		return nil, err
	}
	if pg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate document store: %w", err)
		}
	}
	return store, nil
}

func (s *ServiceContext) newPresenceStore(ctx context.Context) (presence.Store, error) {
	if s.Config.Storage.Presence != "redis" {
		return presence.NewMemoryStore(), nil
	}

	client, err := s.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return presence.NewRedisStore(&presence.RedisStoreConfig{
		Client: client,
		Logger: s.Logger,
		TTL:    time.Duration(s.Config.Redis.PresenceTTL) * time.Second,
	})
}

func (s *ServiceContext) newRepository(ctx context.Context) (presence.Repository, error) {
	if s.Config.Storage.Events != "postgres" {
		return presence.NewMemoryRepository(), nil
	}

	url := s.Config.Postgres.URL
	if url == "" {
		url = s.Config.Postgres.DSN
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	s.pool = pool
	s.onClose(func(context.Context) { pool.Close() })

	repo, err := presence.NewPostgresRepository(&presence.PostgresRepositoryConfig{Pool: pool, Logger: s.Logger})
	if err != nil {
		return nil, err
	}
	if err := repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if s.Config.Postgres.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate event repository: %w", err)
		}
	}
	return repo, nil
}

// redisClient 懒加载, 存储与总线共用一个客户端
func (s *ServiceContext) redisClient(ctx context.Context) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}

	rc := s.Config.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
	s.onClose(func(context.Context) { client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	s.redis = client
	return client, nil
}

// ==================== 任务与注册 ====================

func (s *ServiceContext) newDispatcher() (*jobs.Dispatcher, error) {
	kc := s.Config.Kafka
	producer, err := jobs.NewSyncProducer(kc.Brokers)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	dispatcher, err := jobs.NewDispatcher(producer, jobs.Options{
		Topic:       kc.Topic,
		QueueSize:   kc.QueueSize,
		Workers:     kc.Workers,
		MaxRetry:    kc.MaxRetry,
		BaseBackoff: time.Duration(kc.BaseBackoff) * time.Millisecond,
		MaxBackoff:  time.Duration(kc.MaxBackoff) * time.Millisecond,
		OnResult:    s.Metrics.RecordJob,
		Breaker:     breaker.NewBreaker(breaker.WithName("kafka-" + kc.Topic)),
		Logger:      s.Logger,
	})
	if err != nil {
		producer.Close()
		return nil, err
	}
	return dispatcher, nil
}

func (s *ServiceContext) register(ctx context.Context) error {
	ec := s.Config.Etcd
	registry, err := discovery.NewRegistry(&discovery.Config{
		Endpoints:   ec.Endpoints,
		DialTimeout: time.Duration(ec.DialTimeout) * time.Second,
		Username:    ec.Username,
		Password:    ec.Password,
		Prefix:      ec.Prefix,
		TTL:         ec.ServiceTTL,
	}, s.Logger)
	if err != nil {
		return fmt.Errorf("etcd initialization failed: %w", err)
	}
	s.Registry = registry
	s.onClose(func(context.Context) { registry.Close() })

	addr := ec.ServiceAddr
	if addr == "" {
		addr = net.JoinHostPort(s.Config.Host, strconv.Itoa(s.Config.Port))
	}

	instanceID := addr
	if s.Bus != nil {
		instanceID = s.Bus.InstanceID()
	}

	if err := registry.Register(ctx, discovery.Instance{
		ID:      instanceID,
		Service: ec.ServiceName,
		Address: addr,
	}); err != nil {
		return fmt.Errorf("service registration failed: %w", err)
	}
	if err := registry.Watch(ctx, ec.ServiceName); err != nil {
		return fmt.Errorf("failed to watch instances: %w", err)
	}
	return nil
}

// ==================== 健康检查 ====================

// CheckHealth 检查已启用的后端连接, 返回各组件状态
func (s *ServiceContext) CheckHealth(ctx context.Context) (map[string]string, bool) {
	status := make(map[string]string)
	healthy := true

	check := func(name string, err error) {
		if err != nil {
			status[name] = "DOWN: " + err.Error()
			healthy = false
			return
		}
		status[name] = "UP"
	}

	if s.db != nil {
		check("postgres", s.db.PingContext(ctx))
	}
	if s.pool != nil {
		check("postgres_events", s.pool.Ping(ctx))
	}
	if s.redis != nil {
		check("redis", s.redis.Ping(ctx).Err())
	}
	if s.Dispatcher != nil {
		status["kafka_pending"] = strconv.Itoa(s.Dispatcher.Pending())
	}
	return status, healthy
}

// ==================== 生命周期 ====================

// connectionObserver 将 Hub 连接数变化同步到指标
func (s *ServiceContext) connectionObserver() func(total int) {
	var last int
	return func(total int) {
		// 回调在 Hub 锁内执行, 无需额外同步
		s.Metrics.SetWSConnections(total, total > last)
		last = total
	}
}

func (s *ServiceContext) onClose(fn func(ctx context.Context)) {
	s.closers = append(s.closers, fn)
}

// Close 按创建的逆序关闭组件
func (s *ServiceContext) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i](ctx)
		}
		s.Logger.Info("Service context closed")
		s.Logger.Sync()
	})
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
