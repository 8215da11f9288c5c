// Package sched provides the single abstraction over all delayed work in the
// conversation engine: silence timeouts, end-of-utterance debounce, semantic
// hold backstops, and the generation watchdog are all named tasks on one
// [Scheduler] instead of ad hoc timers scattered across methods.
//
// Tasks are identified by name. Scheduling a name that already has a pending
// task replaces it, which gives callers "re-arm" semantics for free. The
// [Clock] abstraction lets tests drive every timer deterministically with a
// [FakeClock].
//
// All methods are safe for concurrent use. Task callbacks run on the clock's
// timer goroutine; components that mutate shared state from a callback must
// take their own lock, exactly as they would for any other event source.
package sched

import (
	"sync"
	"time"
)

// Scheduler manages named, cancellable delayed tasks on top of a [Clock].
type Scheduler struct {
	clock Clock

	mu    sync.Mutex
	tasks map[string]Timer
}

// NewScheduler creates a Scheduler backed by clock. Passing nil uses
// [RealClock].
func NewScheduler(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		clock: clock,
		tasks: make(map[string]Timer),
	}
}

// Clock returns the clock the scheduler was built with.
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule arms fn to run after d under the given name. Any pending task with
// the same name is cancelled first, so repeated calls re-arm the delay.
func (s *Scheduler) Schedule(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	if prev, ok := s.tasks[name]; ok {
		prev.Stop()
	}
	var t Timer
	t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		// Only forget the entry if it is still ours; a re-arm may have
		// replaced it between firing and acquiring the lock.
		if cur, ok := s.tasks[name]; ok && cur == t {
			delete(s.tasks, name)
		}
		s.mu.Unlock()
		fn()
	})
	s.tasks[name] = t
	s.mu.Unlock()
}

// Cancel stops the pending task with the given name, if any. It reports
// whether a pending task was found.
//
// With a [RealClock], a callback that has already fired but not yet started
// running cannot be stopped: Stop on a fired time.AfterFunc is a no-op, so
// the callback may still execute once after Cancel returns. Callbacks must
// therefore tolerate one late invocation — re-check the state they act on,
// the way dispatch dedups the cleaned text and the generation watchdog
// compares generation numbers.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.tasks, name)
	return ok
}

// Pending reports whether a task with the given name is currently armed.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[name]
	return ok
}

// CancelAll stops every pending task. Used on disconnect and reset paths.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.tasks {
		t.Stop()
		delete(s.tasks, name)
	}
}
