package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrTimerStopped = errors.New("timer has been stopped")

type TaskID uint64

// Timer runs tasks at a fixed period. Invocations of a single task never
// overlap; distinct tasks may run concurrently.
type Timer interface {
	Schedule(task func(), delay, period time.Duration) (TaskID, error)
	Cancel(id TaskID)
}

// TaskTimer runs each scheduled task on its own goroutine.
type TaskTimer struct {
	mu      sync.Mutex
	nextID  TaskID
	tasks   map[TaskID]*scheduledTask
	stopped bool
}

type scheduledTask struct {
	stop chan struct{}
	once sync.Once
}

func (t *scheduledTask) cancel() {
	t.once.Do(func() { close(t.stop) })
}

func NewTaskTimer() *TaskTimer {
	return &TaskTimer{tasks: make(map[TaskID]*scheduledTask)}
}

// Schedule runs task every period, the first time after delay.
func (t *TaskTimer) Schedule(task func(), delay, period time.Duration) (TaskID, error) {
	if period <= 0 {
		return 0, fmt.Errorf("non-positive period %s", period)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return 0, ErrTimerStopped
	}

	t.nextID++
	id := t.nextID
	st := &scheduledTask{stop: make(chan struct{})}
	t.tasks[id] = st

	go st.run(task, delay, period)

	return id, nil
}

func (st *scheduledTask) run(task func(), delay, period time.Duration) {
	first := time.NewTimer(delay)
	defer first.Stop()

	select {
	case <-st.stop:
		return
	case <-first.C:
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		// a cancel that raced with the tick wins
		select {
		case <-st.stop:
			return
		default:
		}

		task()

		select {
		case <-st.stop:
			return
		case <-ticker.C:
		}
	}
}

// Cancel stops future runs of the task. It does not wait for a run in
// progress, so a task may cancel itself.
func (t *TaskTimer) Cancel(id TaskID) {
	t.mu.Lock()
	st, ok := t.tasks[id]
	delete(t.tasks, id)
	t.mu.Unlock()

	if ok {
		st.cancel()
	}
}

// Stop cancels every task and refuses new ones.
func (t *TaskTimer) Stop() {
	t.mu.Lock()
	tasks := t.tasks
	t.tasks = make(map[TaskID]*scheduledTask)
	t.stopped = true
	t.mu.Unlock()

	for _, st := range tasks {
		st.cancel()
	}
}

func (t *TaskTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// SharedTimer hands out one TaskTimer to many connections and stops it when
// the last of them releases it.
type SharedTimer struct {
	mu       sync.Mutex
	timer    *TaskTimer
	refCount int
}

func NewSharedTimer() *SharedTimer {
	return &SharedTimer{}
}

func (s *SharedTimer) Get() *TaskTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		log.Debugf("starting shared renewal timer")
		s.timer = NewTaskTimer()
	}
	s.refCount++

	return s.timer
}

func (s *SharedTimer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refCount <= 0 {
		log.Warnf("shared renewal timer released more often than acquired")
		return
	}

	s.refCount--
	if s.refCount == 0 {
		log.Debugf("stopping shared renewal timer")
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *SharedTimer) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount
}
