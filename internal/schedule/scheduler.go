// Package schedule runs keyed, cancellable deferred tasks on a go-zero timing
// wheel. Scheduling a key that already has a pending task replaces it, so only
// the most recent task per key can fire.
package schedule

import (
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/collection"
	"go.uber.org/zap"
)

const (
	// Tick is the wheel resolution; tasks fire up to one tick late.
	Tick = 10 * time.Millisecond
	// 一圈 6 秒, 更长的延迟按圈数计算
	numSlots = 600
)

// wheelKey is unique per scheduled task, so a replaced task and its
// replacement never share a wheel slot entry.
type wheelKey struct {
	key string
	gen uint64
}

// Scheduler 延迟任务调度器
type Scheduler struct {
	wheel *collection.TimingWheel

	mu      sync.Mutex
	tasks   map[string]uint64 // key -> generation of the pending task
	nextGen uint64
	stopped bool
	logger  *zap.Logger
}

// New 创建调度器
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		tasks:  make(map[string]uint64),
		logger: logger,
	}

	wheel, err := collection.NewTimingWheel(Tick, numSlots, s.execute)
	if err != nil {
		// only for an invalid tick or slot count
		panic(err)
	}
	s.wheel = wheel

	return s
}

// Schedule runs fn after d unless the key is cancelled or rescheduled first.
// It returns the generation assigned to this task.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	if prev, ok := s.tasks[key]; ok {
		s.remove(wheelKey{key: key, gen: prev})
	}

	s.nextGen++
	gen := s.nextGen
	if err := s.wheel.SetTimer(wheelKey{key: key, gen: gen}, fn, d); err != nil {
		s.logger.Warn("Failed to schedule task", zap.String("key", key), zap.Error(err))
		delete(s.tasks, key)
		return 0
	}
	s.tasks[key] = gen

	return gen
}

func (s *Scheduler) execute(k, v any) {
	wk, ok := k.(wheelKey)
	if !ok {
		return
	}
	fn, ok := v.(func())
	if !ok {
		return
	}
	s.fire(wk.key, wk.gen, fn)
}

func (s *Scheduler) fire(key string, gen uint64, fn func()) {
	s.mu.Lock()
	current, ok := s.tasks[key]
	// a removal that lost the race against the wheel tick leaves a superseded task running
	if !ok || current != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				zap.String("key", key),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

func (s *Scheduler) remove(wk wheelKey) {
	if err := s.wheel.RemoveTimer(wk); err != nil {
		s.logger.Debug("Failed to remove timer", zap.String("key", wk.key), zap.Error(err))
	}
}

// Cancel drops the pending task for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	gen, ok := s.tasks[key]
	if !ok {
		return false
	}
	delete(s.tasks, key)
	s.remove(wheelKey{key: key, gen: gen})
	return true
}

// Pending reports whether key has a task waiting to fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task and stops the wheel. Later Schedule calls
// are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	clear(s.tasks)
	s.wheel.Stop()
	s.logger.Debug("Scheduler stopped")
}
