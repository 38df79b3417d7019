// Package scheduler abstracts timers so grace windows, cache sweeps and
// periodic evaluation can run against the wall clock in production and a
// manually advanced clock in tests.
package scheduler

import (
	"sync"
	"time"

	"github.com/kimhsiao/ledgersync/internal/logging"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented a
	// pending run; a repeating timer is always stoppable until stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay or on an interval.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func()) Timer
	ScheduleRepeating(interval time.Duration, fn func()) Timer
	Now() time.Time
}

// =====================================================
// Wall-clock scheduler
// =====================================================

// Real schedules on the wall clock. Callbacks run on their own goroutines.
type Real struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
}

// NewReal creates a wall-clock scheduler.
func NewReal() *Real {
	return &Real{stopCh: make(chan struct{})}
}

// Now returns the wall clock.
func (r *Real) Now() time.Time {
	return time.Now()
}

// ScheduleOnce runs fn once after delay.
func (r *Real) ScheduleOnce(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, func() {
		r.mu.Lock()
		stopped := r.stopped
		r.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

type repeating struct {
	once sync.Once
	done chan struct{}
}

func (t *repeating) Stop() bool {
	stopped := false
	t.once.Do(func() {
		close(t.done)
		stopped = true
	})
	return stopped
}

// ScheduleRepeating runs fn every interval until the timer or the scheduler
// is stopped. A run that overlaps the next tick delays it rather than
// running concurrently.
func (r *Real) ScheduleRepeating(interval time.Duration, fn func()) Timer {
	t := &repeating{done: make(chan struct{})}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		t.Stop()
		return t
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.done:
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return t
}

// Stop halts every repeating timer and suppresses pending one-shot
// callbacks, then waits for running loops to exit.
func (r *Real) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	logging.Debug("scheduler stopped")
}

// =====================================================
// Manual clock
// =====================================================

// Manual is a scheduler driven by Advance. Callbacks run synchronously on
// the goroutine calling Advance, in due-time order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers map[int]*manualTimer
}

type manualTimer struct {
	m        *Manual
	id       int
	due      time.Time
	interval time.Duration
	fn       func()
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if _, ok := t.m.timers[t.id]; !ok {
		return false
	}
	delete(t.m.timers, t.id)
	return true
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, timers: make(map[int]*manualTimer)}
}

// Now returns the manual clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ScheduleOnce registers fn to run once the clock passes delay.
func (m *Manual) ScheduleOnce(delay time.Duration, fn func()) Timer {
	return m.add(delay, 0, fn)
}

// ScheduleRepeating registers fn to run every interval.
func (m *Manual) ScheduleRepeating(interval time.Duration, fn func()) Timer {
	return m.add(interval, interval, fn)
}

func (m *Manual) add(delay, interval time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, id: m.seq, due: m.now.Add(delay), interval: interval, fn: fn}
	m.timers[t.id] = t
	return t
}

// Pending returns the number of live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Timers scheduled by callbacks are honoured if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var next *manualTimer
		for _, t := range m.timers {
			if t.due.After(target) {
				continue
			}
			if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.id < next.id) {
				next = t
			}
		}
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			delete(m.timers, next.id)
		}
		fn := next.fn
		m.mu.Unlock()

		fn()
	}
}
