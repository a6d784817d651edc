package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestSchedulerFires(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("k", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}

	// fired tasks are removed
	time.Sleep(5 * time.Millisecond)
	if s.Pending("k") {
		t.Error("key should not be pending after firing")
	}
}

func TestSchedulerRescheduleSupersedes(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("k", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("k", 40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)

	if first.Load() != 0 {
		t.Errorf("superseded task fired %d times", first.Load())
	}
	if second.Load() != 1 {
		t.Errorf("replacement task fired %d times, want 1", second.Load())
	}
}

func TestSchedulerCancel(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	var fired atomic.Bool
	s.Schedule("k", 20*time.Millisecond, func() { fired.Store(true) })

	if !s.Cancel("k") {
		t.Fatal("Cancel should report a pending task")
	}
	if s.Cancel("k") {
		t.Error("second Cancel should report nothing pending")
	}

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled task fired")
	}
}

func TestSchedulerStop(t *testing.T) {
	s := New(nil)

	var fired atomic.Int32
	s.Schedule("a", 20*time.Millisecond, func() { fired.Add(1) })
	s.Schedule("b", 20*time.Millisecond, func() { fired.Add(1) })
	if s.Len() != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", s.Len())
	}

	s.Stop()
	if gen := s.Schedule("c", time.Millisecond, func() { fired.Add(1) }); gen != 0 {
		t.Errorf("Schedule after Stop returned generation %d", gen)
	}

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("tasks fired after Stop: %d", fired.Load())
	}
}

func TestSchedulerRecoversPanics(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("boom", time.Millisecond, func() { panic("boom") })
	s.Schedule("ok", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped working after a panicking task")
	}
}

func TestSchedulerSubTickDelayFires(t *testing.T) {
	s := New(nil)
	defer s.Stop()

	done := make(chan struct{})
	start := time.Now()
	s.Schedule("k", time.Microsecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sub-tick task did not fire")
	}
	if elapsed := time.Since(start); elapsed > 10*Tick {
		t.Errorf("sub-tick task took %v", elapsed)
	}
}
