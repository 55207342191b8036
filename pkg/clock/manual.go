package clock

import (
	"sync"
	"time"
)

// Manual is a clock that only moves when told to.
// Timers created with After fire when Advance moves the clock past their deadline.
type Manual struct {
	mutex  sync.Mutex
	now    time.Time
	timers []manualTimer
}

type manualTimer struct {
	deadline time.Time
	c        chan time.Time
}

func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

func (m *Manual) Now() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if d <= 0 {
		c <- m.now
		return c
	}
	m.timers = append(m.timers, manualTimer{deadline: deadline, c: c})
	return c
}

// Advance moves the clock forward and fires all timers that are due.
func (m *Manual) Advance(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = m.now.Add(d)
	pending := m.timers[:0]
	for _, timer := range m.timers {
		if !timer.deadline.After(m.now) {
			timer.c <- m.now
		} else {
			pending = append(pending, timer)
		}
	}
	m.timers = pending
}

// Waiting returns the number of timers not yet fired.
func (m *Manual) Waiting() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.timers)
}
