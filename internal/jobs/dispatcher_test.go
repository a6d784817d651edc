package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/breaker"
	"go.uber.org/zap/zaptest"

	"github.com/aetherflow/collabsync/internal/statesync"
)

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, config)
}

// slowProducer simulates a broker that takes delay to acknowledge each send
type slowProducer struct {
	sarama.SyncProducer
	delay time.Duration
	calls atomic.Int32
}

func (p *slowProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	p.calls.Add(1)
	time.Sleep(p.delay)
	return 0, 0, nil
}

func (p *slowProducer) Close() error { return nil }

func testEvent(version uint64) *CommitEvent {
	return &CommitEvent{
		DocumentID:  "doc1",
		Version:     version,
		AuthorID:    "alice",
		ChangeType:  statesync.ChangeTypeEdit,
		CommittedAt: time.Now(),
	}
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, Options{Topic: "t"})
	assert.Error(t, err)

	producer := newMockProducer(t)
	_, err = NewDispatcher(producer, Options{})
	assert.Error(t, err)
	producer.Close()
}

func TestDispatcher_Publishes(t *testing.T) {
	producer := newMockProducer(t)

	var payload []byte
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		payload = val
		return nil
	})

	var succeeded atomic.Int32
	d, err := NewDispatcher(producer, Options{
		Topic:   "collab.commits",
		Workers: 1,
		Logger:  zaptest.NewLogger(t),
		OnResult: func(ok bool) {
			if ok {
				succeeded.Add(1)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(testEvent(7)))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(1), succeeded.Load())

	var got CommitEvent
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "doc1", got.DocumentID)
	assert.Equal(t, uint64(7), got.Version)

	assert.ErrorIs(t, d.Enqueue(testEvent(8)), ErrDispatcherClosed)
}

func TestDispatcher_RetriesWithBackoff(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndSucceed()

	var succeeded, failed atomic.Int32
	d, err := NewDispatcher(producer, Options{
		Topic:       "collab.commits",
		Workers:     1,
		MaxRetry:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Logger:      zaptest.NewLogger(t),
		OnResult: func(ok bool) {
			if ok {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(testEvent(2)))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(0), failed.Load())
}

func TestDispatcher_DropsAfterMaxRetry(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))

	var failed atomic.Int32
	d, err := NewDispatcher(producer, Options{
		Topic:       "collab.commits",
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		Logger:      zaptest.NewLogger(t),
		OnResult: func(ok bool) {
			if !ok {
				failed.Add(1)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(testEvent(2)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(1), failed.Load())
}

// blockingProducer 阻塞发送直到 release 关闭
type blockingProducer struct {
	sarama.SyncProducer
	release chan struct{}
}

func (p *blockingProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	return 0, 0, nil
}

func (p *blockingProducer) Close() error { return nil }

func TestDispatcher_QueueFull(t *testing.T) {
	producer := &blockingProducer{release: make(chan struct{})}

	d, err := NewDispatcher(producer, Options{
		Topic:     "collab.commits",
		Workers:   1,
		QueueSize: 1,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	// 第一个事件被 worker 取走并阻塞, 第二个占满队列
	require.NoError(t, d.Enqueue(testEvent(1)))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue(testEvent(2)))

	assert.ErrorIs(t, d.Enqueue(testEvent(3)), ErrQueueFull)

	close(producer.release)
	require.NoError(t, d.Close(context.Background()))
}

// openBreaker 始终拒绝
type openBreaker struct {
	calls atomic.Int32
}

func (b *openBreaker) Do(req func() error) error {
	b.calls.Add(1)
	return breaker.ErrServiceUnavailable
}

func TestDispatcher_OpenBreakerSkipsProducer(t *testing.T) {
	// 没有设置期望, 任何 SendMessage 调用都会使测试失败
	producer := newMockProducer(t)
	cb := &openBreaker{}

	var failed atomic.Int32
	d, err := NewDispatcher(producer, Options{
		Topic:       "collab.commits",
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		Breaker:     cb,
		Logger:      zaptest.NewLogger(t),
		OnResult: func(ok bool) {
			if !ok {
				failed.Add(1)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(testEvent(2)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(3), cb.calls.Load())
	assert.Equal(t, int32(1), failed.Load())
}

func TestDispatcher_WithBreaker(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndSucceed()

	var published atomic.Int32
	d, err := NewDispatcher(producer, Options{
		Topic:   "collab.commits",
		Workers: 1,
		Breaker: breaker.NewBreaker(breaker.WithName("kafka-test")),
		Logger:  zaptest.NewLogger(t),
		OnResult: func(ok bool) {
			if ok {
				published.Add(1)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(testEvent(2)))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(1), published.Load())
}

func TestDispatcher_CloseDeadlineDropsQueued(t *testing.T) {
	producer := &slowProducer{delay: 50 * time.Millisecond}

	var dropped atomic.Int32
	d, err := NewDispatcher(producer, Options{
		Topic:   "collab.commits",
		Workers: 1,
		Logger:  zaptest.NewLogger(t),
		OnResult: func(ok bool) {
			if !ok {
				dropped.Add(1)
			}
		},
	})
	require.NoError(t, err)

	for v := uint64(1); v <= 10; v++ {
		require.NoError(t, d.Enqueue(testEvent(v)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, d.Close(ctx))

	// 只等待进行中的发送, 剩余事件不再触达生产者
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.LessOrEqual(t, producer.calls.Load(), int32(2))
	assert.GreaterOrEqual(t, dropped.Load(), int32(8))
}
