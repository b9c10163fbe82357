package schedule

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Scheduler. Nothing runs until Advance moves time past a
// task's deadline; due tasks then run synchronously, in deadline order, on the
// goroutine calling Advance. Tasks must not call Advance themselves.
type Fake struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	tasks   []*fakeTask
	changed *sync.Cond
}

type fakeTask struct {
	deadline  time.Duration
	seq       uint64
	f         func()
	cancelled bool
	ran       bool
}

func NewFake() *Fake {
	s := &Fake{}
	s.changed = sync.NewCond(&s.mu)
	return s
}

func (s *Fake) Schedule(d time.Duration, f func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task := &fakeTask{deadline: s.now + d, seq: s.seq, f: f}
	s.tasks = append(s.tasks, task)
	s.changed.Broadcast()
	return &fakeHandle{s: s, task: task}
}

type fakeHandle struct {
	s    *Fake
	task *fakeTask
}

func (h *fakeHandle) Cancel() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.task.cancelled || h.task.ran {
		return false
	}
	h.task.cancelled = true
	h.s.changed.Broadcast()
	return true
}

// Advance moves time forward by d and runs every task that becomes due, including
// tasks scheduled by tasks that ran during this call.
func (s *Fake) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	target := s.now
	s.mu.Unlock()

	for {
		due := s.collectDue(target)
		if len(due) == 0 {
			return
		}
		for _, task := range due {
			task.f()
		}
	}
}

func (s *Fake) collectDue(target time.Duration) []*fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due, remaining []*fakeTask
	for _, task := range s.tasks {
		switch {
		case task.cancelled:
		case task.deadline <= target:
			task.ran = true
			due = append(due, task)
		default:
			remaining = append(remaining, task)
		}
	}
	s.tasks = remaining
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline == due[j].deadline {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline < due[j].deadline
	})
	if len(due) > 0 {
		s.changed.Broadcast()
	}
	return due
}

// Pending returns the number of tasks that are neither cancelled nor run.
func (s *Fake) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// WaitForPending blocks until at least n tasks are pending. Use it before Advance when
// the task is scheduled from another goroutine.
func (s *Fake) WaitForPending(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pendingLocked() < n {
		s.changed.Wait()
	}
}

func (s *Fake) pendingLocked() int {
	n := 0
	for _, task := range s.tasks {
		if !task.cancelled && !task.ran {
			n++
		}
	}
	return n
}
