// Package schedule provides the relay's only timing primitives. Every
// recurring or delayed action in the process goes through one of these
// helpers; a panic inside a callback is forwarded to the error sink and
// never tears down the ticker goroutine or the process.
package schedule

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// ErrorSink receives escapes from scheduled callbacks, tagged with the
// task name they were registered under.
type ErrorSink func(task string, err error)

// Task is a stoppable scheduled activity. Stop is idempotent.
type Task struct {
	name     string
	stop     chan struct{}
	stopOnce sync.Once
}

// Stop cancels the task. A periodic task stops ticking; a pending one-shot
// never fires. Safe to call more than once and from any goroutine.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// Interval runs fn every interval until the returned task is stopped.
func Interval(name string, every time.Duration, fn func(), sink ErrorSink) *Task {
	t := &Task{name: name, stop: make(chan struct{})}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runSafely(name, fn, sink)
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Timeout runs fn once after the delay unless the returned task is stopped
// first.
func Timeout(name string, after time.Duration, fn func(), sink ErrorSink) *Task {
	t := &Task{name: name, stop: make(chan struct{})}
	timer := time.NewTimer(after)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			runSafely(name, fn, sink)
		case <-t.stop:
		}
	}()
	return t
}

// Timer is a rearmable one-shot under the same panic guard. Reset rearms it
// whether or not it has fired; Stop disarms it permanently. The heartbeat
// watchdog rearms itself from inside its own callback.
type Timer struct {
	name string
	fn   func()
	sink ErrorSink

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewTimer arms a rearmable timer that runs fn after the delay.
func NewTimer(name string, after time.Duration, fn func(), sink ErrorSink) *Timer {
	t := &Timer{name: name, fn: fn, sink: sink}
	t.timer = time.AfterFunc(after, t.run)
	return t
}

// Reset rearms the timer for a new delay. No-op once stopped.
func (t *Timer) Reset(after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer.Reset(after)
}

// Stop disarms the timer permanently.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.timer.Stop()
}

func (t *Timer) run() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return
	}
	runSafely(t.name, t.fn, t.sink)
}

func runSafely(name string, fn func(), sink ErrorSink) {
	defer func() {
		if r := recover(); r != nil {
			if sink != nil {
				sink(name, fmt.Errorf("scheduled task panic: %v\n%s", r, debug.Stack()))
			}
		}
	}()
	fn()
}
