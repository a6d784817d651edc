package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var (
	// ErrRegistryClosed 注册中心已关闭
	ErrRegistryClosed = errors.New("registry is closed")
	// ErrNotRegistered 实例尚未注册
	ErrNotRegistered = errors.New("instance is not registered")
)

// Config Etcd配置
type Config struct {
	Endpoints   []string      // Etcd endpoints
	DialTimeout time.Duration // 连接超时
	Username    string        // 用户名（可选）
	Password    string        // 密码（可选）
	Prefix      string        // 服务 key 前缀, 默认 /services
	TTL         int64         // 租约 TTL（秒）, 默认 10
}

// Instance 一个协作服务实例
type Instance struct {
	ID        string    `json:"id"`
	Service   string    `json:"service"`
	Address   string    `json:"address"`
	StartedAt time.Time `json:"started_at"`
}

// Registry 基于 etcd 租约的实例注册与发现
type Registry struct {
	client *clientv3.Client
	logger *zap.Logger
	prefix string
	ttl    int64

	mu       sync.RWMutex
	leaseID  clientv3.LeaseID
	instance *Instance
	peers    map[string]Instance
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry 创建 etcd 客户端
func NewRegistry(config *Config, logger *zap.Logger) (*Registry, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	}
	if clientConfig.DialTimeout <= 0 {
		clientConfig.DialTimeout = 5 * time.Second
	}
	if config.Username != "" {
		clientConfig.Username = config.Username
		clientConfig.Password = config.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = "/services"
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("Etcd client created successfully",
		zap.Strings("endpoints", config.Endpoints),
	)

	return &Registry{
		client: client,
		logger: logger,
		prefix: strings.TrimSuffix(prefix, "/"),
		ttl:    ttl,
		peers:  make(map[string]Instance),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// instanceKey /services/<service>/<id>
func (r *Registry) instanceKey(service, id string) string {
	return path.Join(r.prefix, service, id)
}

func (r *Registry) servicePrefix(service string) string {
	return path.Join(r.prefix, service) + "/"
}

// Register 以租约方式注册实例并保持心跳
func (r *Registry) Register(ctx context.Context, instance Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if instance.StartedAt.IsZero() {
		instance.StartedAt = time.Now().UTC()
	}
	r.instance = &instance

	return r.registerLocked(ctx)
}

// registerLocked 创建租约、写入实例并启动心跳, 调用方持有锁
func (r *Registry) registerLocked(ctx context.Context) error {
	value, err := json.Marshal(r.instance)
	if err != nil {
		return fmt.Errorf("failed to encode instance: %w", err)
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	key := r.instanceKey(r.instance.Service, r.instance.ID)
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	// 心跳绑定到 registry 生命周期, 而非调用方 ctx
	keepAliveCh, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep alive: %w", err)
	}

	r.leaseID = lease.ID
	go r.watchKeepAlive(lease.ID, keepAliveCh)

	r.logger.Info("Instance registered",
		zap.String("key", key),
		zap.String("address", r.instance.Address),
		zap.Int64("ttl", r.ttl),
		zap.Int64("lease_id", int64(lease.ID)),
	)
	return nil
}

// watchKeepAlive 心跳通道关闭时重新注册
func (r *Registry) watchKeepAlive(leaseID clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case resp, ok := <-ch:
			if ok {
				if resp != nil {
					r.logger.Debug("Keep alive response received", zap.Int64("ttl", resp.TTL))
				}
				continue
			}

			r.mu.Lock()
			if !r.closed && r.instance != nil && r.leaseID == leaseID {
				r.logger.Warn("Keep alive channel closed, attempting to re-register")
				ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
				if err := r.registerLocked(ctx); err != nil {
					r.logger.Error("Failed to re-register instance", zap.Error(err))
				}
				cancel()
			}
			r.mu.Unlock()
			return
		}
	}
}

// Deregister 删除实例并撤销租约
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	return r.deregisterLocked(ctx)
}

func (r *Registry) deregisterLocked(ctx context.Context) error {
	if r.instance == nil {
		return ErrNotRegistered
	}

	key := r.instanceKey(r.instance.Service, r.instance.ID)
	if _, err := r.client.Delete(ctx, key); err != nil {
		r.logger.Warn("Failed to delete instance key", zap.Error(err))
	}
	if r.leaseID != 0 {
		if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
			r.logger.Warn("Failed to revoke lease", zap.Error(err))
		}
	}

	r.logger.Info("Instance deregistered", zap.String("key", key))
	r.instance = nil
	r.leaseID = 0
	return nil
}

// Instances 列出某服务当前的全部实例, 按 ID 排序
func (r *Registry) Instances(ctx context.Context, service string) ([]Instance, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrRegistryClosed
	}
	r.mu.RUnlock()

	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		inst, err := decodeInstance(kv.Value)
		if err != nil {
			r.logger.Warn("Skipping malformed instance", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

// Watch 加载并持续跟踪某服务的实例集合, 结果通过 Peers 读取
func (r *Registry) Watch(ctx context.Context, service string) error {
	instances, err := r.Instances(ctx, service)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.peers = make(map[string]Instance, len(instances))
	for _, inst := range instances {
		r.peers[r.instanceKey(service, inst.ID)] = inst
	}
	r.mu.Unlock()

	watchCh := r.client.Watch(r.ctx, r.servicePrefix(service), clientv3.WithPrefix())
	go func() {
		r.logger.Info("Started watching instances", zap.String("service", service))
		for {
			select {
			case <-r.ctx.Done():
				return
			case watchResp, ok := <-watchCh:
				if !ok {
					r.logger.Warn("Watch channel closed")
					return
				}
				if watchResp.Err() != nil {
					r.logger.Error("Watch error", zap.Error(watchResp.Err()))
					continue
				}
				for _, event := range watchResp.Events {
					r.applyEvent(event)
				}
			}
		}
	}()
	return nil
}

func (r *Registry) applyEvent(event *clientv3.Event) {
	key := string(event.Kv.Key)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case clientv3.EventTypePut:
		inst, err := decodeInstance(event.Kv.Value)
		if err != nil {
			r.logger.Warn("Skipping malformed instance", zap.String("key", key), zap.Error(err))
			return
		}
		r.peers[key] = inst
		r.logger.Info("Instance added", zap.String("key", key), zap.String("address", inst.Address))
	case clientv3.EventTypeDelete:
		delete(r.peers, key)
		r.logger.Info("Instance removed", zap.String("key", key))
	}
}

// Peers 返回 Watch 跟踪到的实例快照
func (r *Registry) Peers() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Instance, 0, len(r.peers))
	for _, inst := range r.peers {
		peers = append(peers, inst)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Close 注销实例并关闭客户端
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.instance != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = r.deregisterLocked(ctx)
		cancel()
	}

	r.cancel()
	err := r.client.Close()
	r.logger.Info("Etcd client closed")
	return err
}

func decodeInstance(data []byte) (Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return Instance{}, err
	}
	if inst.ID == "" || inst.Address == "" {
		return Instance{}, fmt.Errorf("instance missing id or address")
	}
	return inst, nil
}
