package sched

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for the scheduler so tests can run against a virtual
// clock instead of real timers. Production code uses [RealClock]; tests use
// [FakeClock] and drive it with [FakeClock.Advance].
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d to elapse and then calls fn in its own goroutine.
	// The returned Timer can be used to cancel the call.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback created by [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call was
	// stopped before it fired. Stop does not wait for a running callback to
	// complete.
	Stop() bool
}

// ─── Real clock ───────────────────────────────────────────────────────────────

// RealClock implements [Clock] using the time package.
type RealClock struct{}

var _ Clock = RealClock{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// ─── Fake clock ───────────────────────────────────────────────────────────────

// FakeClock is a manually driven [Clock] for tests. Time only moves when
// [FakeClock.Advance] is called; due callbacks run synchronously inside
// Advance, in chronological order, on the calling goroutine.
//
// All methods are safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

var _ Clock = (*FakeClock)(nil)

// NewFakeClock creates a FakeClock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers fn to run once the fake clock has advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, when: c.now.Add(d), fn: fn}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the fake clock forward by d, firing every due callback in
// chronological order. Callbacks run synchronously; a callback that schedules
// a new timer within the advanced window will see that timer fire too.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popNextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popNextDue removes and returns the earliest non-stopped timer due at or
// before target, setting the clock to that timer's deadline. Returns nil when
// no timer is due.
func (c *FakeClock) popNextDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].when.Before(c.pending[j].when)
	})

	for i, t := range c.pending {
		if t.stopped {
			continue
		}
		if t.when.After(target) {
			break
		}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		t.fired = true
		if t.when.After(c.now) {
			c.now = t.when
		}
		return t
	}
	return nil
}

type fakeTimer struct {
	clock   *FakeClock
	when    time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
