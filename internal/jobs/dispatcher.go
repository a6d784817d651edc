// Package jobs publishes post-commit events to Kafka for downstream workers
// (notifications, exports, search indexing). Delivery is best effort: events
// go through a bounded local queue drained by workers with retry and
// exponential backoff, and are dropped when the queue is full or retries run out.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/statesync"
)

var (
	ErrQueueFull        = errors.New("job queue full")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// CommitEvent is published after every committed synchronization
type CommitEvent struct {
	DocumentID     string               `json:"document_id"`
	Version        uint64               `json:"version"`
	AuthorID       string               `json:"author_id"`
	OrganizationID string               `json:"organization_id,omitempty"`
	SessionID      string               `json:"session_id,omitempty"`
	ChangeType     statesync.ChangeType `json:"change_type"`
	Conflicts      int                  `json:"conflicts"`
	Checksum       string               `json:"checksum"`
	CommittedAt    time.Time            `json:"committed_at"`
}

// Options 分发器配置
type Options struct {
	Topic       string
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// 每次投递结果回调, 用于指标
	OnResult func(success bool)

	// 发送熔断, 为空时不熔断. go-zero breaker.Breaker 满足此接口
	Breaker Breaker

	Logger *zap.Logger
}

// Breaker guards producer calls; an open breaker rejects without calling req.
type Breaker interface {
	Do(req func() error) error
}

// Dispatcher 本地有界队列 + worker 异步发送 + 有限重试
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan *CommitEvent
	logger   *zap.Logger
	onResult func(success bool)
	breaker  Breaker

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewDispatcher 创建分发器并启动 worker
func NewDispatcher(producer sarama.SyncProducer, opt Options) (*Dispatcher, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if opt.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	// 设置默认值
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	if opt.MaxRetry < 0 {
		opt.MaxRetry = 0
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 5 * time.Second
	}

	d := &Dispatcher{
		producer:    producer,
		topic:       opt.Topic,
		queue:       make(chan *CommitEvent, opt.QueueSize),
		logger:      opt.Logger,
		onResult:    opt.OnResult,
		breaker:     opt.Breaker,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		stop:        make(chan struct{}),
	}

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}

	return d, nil
}

// NewSyncProducer 创建 Kafka 同步生产者
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, config)
}

// Enqueue 非阻塞入队, 队列满时丢弃
func (d *Dispatcher) Enqueue(evt *CommitEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- evt:
		return nil
	default:
		d.logger.Warn("Job queue full, dropping commit event",
			zap.String("doc_id", evt.DocumentID),
			zap.Uint64("version", evt.Version),
		)
		d.report(false)
		return ErrQueueFull
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		select {
		case <-d.stop:
			// 关闭超时后不再调用生产者, 剩余事件直接丢弃
			d.logger.Warn("Dispatcher stopped, dropping commit event",
				zap.String("doc_id", evt.DocumentID),
				zap.Uint64("version", evt.Version),
				zap.Int("worker", workerID),
			)
			d.report(false)
			continue
		default:
		}
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt *CommitEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			d.report(true)
			return
		}

		if attempt == d.maxRetry {
			d.logger.Error("Kafka send failed, dropping commit event",
				zap.String("doc_id", evt.DocumentID),
				zap.Uint64("version", evt.Version),
				zap.Int("worker", workerID),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			d.report(false)
			return
		}

		// 退避, 每次翻倍
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}

		select {
		case <-time.After(backoff):
		case <-d.stop:
			d.report(false)
			return
		}
	}
}

func (d *Dispatcher) sendOnce(evt *CommitEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}

	send := func() error {
		_, _, err := d.producer.SendMessage(msg)
		return err
	}
	if d.breaker == nil {
		return send()
	}
	return d.breaker.Do(send)
}

func (d *Dispatcher) report(success bool) {
	if d.onResult != nil {
		d.onResult(success)
	}
}

// Pending 队列中等待发送的事件数
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close drains the queue until ctx is done. After that, events still queued
// are dropped without reaching the producer; only sends already in flight
// are waited for. The producer is closed last.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// 放弃退避中的重试
		close(d.stop)
		<-done
	}

	return d.producer.Close()
}
