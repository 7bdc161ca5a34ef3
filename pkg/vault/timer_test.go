package vault

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTaskTimerRunsRepeatedly(t *testing.T) {
	timer := NewTaskTimer()
	defer timer.Stop()

	var runs int32
	id, err := timer.Schedule(func() { atomic.AddInt32(&runs, 1) }, 10*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("error scheduling task: %v", err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&runs) >= 3 })

	timer.Cancel(id)
	if timer.Len() != 0 {
		t.Errorf("timer should hold no tasks got: %d", timer.Len())
	}
}

func TestTaskTimerDelaysFirstRun(t *testing.T) {
	timer := NewTaskTimer()
	defer timer.Stop()

	var runs int32
	_, err := timer.Schedule(func() { atomic.AddInt32(&runs, 1) }, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("error scheduling task: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&runs); n != 0 {
		t.Errorf("task should not run before its delay got: %d runs", n)
	}
}

func TestTaskTimerRunsDoNotOverlap(t *testing.T) {
	timer := NewTaskTimer()
	defer timer.Stop()

	var running, overlaps, runs int32
	_, err := timer.Schedule(func() {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		atomic.AddInt32(&runs, 1)
	}, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("error scheduling task: %v", err)
	}

	waitFor(t, func() bool { return atomic.LoadInt32(&runs) >= 3 })

	if n := atomic.LoadInt32(&overlaps); n != 0 {
		t.Errorf("runs should never overlap got: %d overlaps", n)
	}
}

func TestTaskTimerTaskCancelsItself(t *testing.T) {
	timer := NewTaskTimer()
	defer timer.Stop()

	var runs int32
	var id atomic.Uint64
	ready := make(chan struct{})
	scheduled, err := timer.Schedule(func() {
		<-ready
		atomic.AddInt32(&runs, 1)
		timer.Cancel(TaskID(id.Load()))
	}, time.Millisecond, time.Millisecond)
	if err != nil {
		t.Fatalf("error scheduling task: %v", err)
	}
	id.Store(uint64(scheduled))
	close(ready)

	waitFor(t, func() bool { return timer.Len() == 0 })
	time.Sleep(20 * time.Millisecond)

	if n := atomic.LoadInt32(&runs); n != 1 {
		t.Errorf("task should run once got: %d", n)
	}
}

func TestTaskTimerRejectsAfterStop(t *testing.T) {
	timer := NewTaskTimer()
	timer.Stop()

	_, err := timer.Schedule(func() {}, time.Second, time.Second)
	if err != ErrTimerStopped {
		t.Errorf("error should be timer stopped got: %v", err)
	}
}

func TestSharedTimerRefCount(t *testing.T) {
	shared := NewSharedTimer()

	first := shared.Get()
	second := shared.Get()
	if first != second {
		t.Error("shared timer should hand out the same timer")
	}
	if shared.RefCount() != 2 {
		t.Errorf("ref count should be 2 got: %d", shared.RefCount())
	}

	shared.Release()
	if _, err := first.Schedule(func() {}, time.Hour, time.Hour); err != nil {
		t.Errorf("timer should still accept tasks got: %v", err)
	}

	shared.Release()
	if _, err := first.Schedule(func() {}, time.Hour, time.Hour); err != ErrTimerStopped {
		t.Errorf("timer should be stopped after the last release got: %v", err)
	}
	if first.Len() != 0 {
		t.Errorf("stopped timer should hold no tasks got: %d", first.Len())
	}

	shared.Release()
	if shared.RefCount() != 0 {
		t.Errorf("ref count should stay 0 got: %d", shared.RefCount())
	}

	if third := shared.Get(); third == first {
		t.Error("a new timer should be started after the last release")
	}
}
