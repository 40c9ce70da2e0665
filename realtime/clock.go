package realtime

import (
	"sync"
	"time"
)

// all component timers (reconnect backoff, ping interval, heartbeat check,
// typing expiry, status debounce, presence notice cooldown) go through a
// Clock so that tests can drive them deterministically

type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// a virtual clock that only moves when advanced.
// timers fire on the caller's goroutine in deadline order.
type VirtualClock struct {
	mutex  sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{
		now: start,
	}
}

func (self *VirtualClock) Now() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.now
}

func (self *VirtualClock) AfterFunc(d time.Duration, f func()) Timer {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	timer := &virtualTimer{
		clock:    self,
		deadline: self.now.Add(d),
		f:        f,
		active:   true,
	}
	self.timers = append(self.timers, timer)
	return timer
}

func (self *VirtualClock) Advance(d time.Duration) {
	self.mutex.Lock()
	target := self.now.Add(d)
	for {
		var next *virtualTimer
		for _, timer := range self.timers {
			if !timer.active || target.Before(timer.deadline) {
				continue
			}
			if next == nil || timer.deadline.Before(next.deadline) {
				next = timer
			}
		}
		if next == nil {
			break
		}
		next.active = false
		if self.now.Before(next.deadline) {
			self.now = next.deadline
		}
		// release the lock so the callback can use the clock
		self.mutex.Unlock()
		next.f()
		self.mutex.Lock()
	}
	self.now = target
	// drop spent timers
	activeTimers := []*virtualTimer{}
	for _, timer := range self.timers {
		if timer.active {
			activeTimers = append(activeTimers, timer)
		}
	}
	self.timers = activeTimers
	self.mutex.Unlock()
}

type virtualTimer struct {
	clock    *VirtualClock
	deadline time.Time
	f        func()
	active   bool
}

func (self *virtualTimer) Stop() bool {
	self.clock.mutex.Lock()
	defer self.clock.mutex.Unlock()

	wasActive := self.active
	self.active = false
	return wasActive
}

func (self *virtualTimer) Reset(d time.Duration) bool {
	self.clock.mutex.Lock()
	defer self.clock.mutex.Unlock()

	wasActive := self.active
	self.deadline = self.clock.now.Add(d)
	self.active = true
	if !wasActive {
		self.clock.timers = append(self.clock.timers, self)
	}
	return wasActive
}
