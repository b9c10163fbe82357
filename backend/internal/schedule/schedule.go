// Package schedule is the cancelable delayed-task abstraction used by the debounce and
// reconnect timers. Production code uses Real(); tests use NewFake() and move time by hand.
package schedule

import "time"

// Handle cancels one scheduled task.
type Handle interface {
	// Cancel stops the task. It returns false if the task already ran or was cancelled.
	Cancel() bool
}

type Scheduler interface {
	// Schedule runs f once after d.
	Schedule(d time.Duration, f func()) Handle
}

func Real() Scheduler { return realScheduler{} }

type realScheduler struct{}

type realHandle struct{ t *time.Timer }

func (realScheduler) Schedule(d time.Duration, f func()) Handle {
	return realHandle{t: time.AfterFunc(d, f)}
}

func (h realHandle) Cancel() bool { return h.t.Stop() }
