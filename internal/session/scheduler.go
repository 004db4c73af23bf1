package session

import (
	"sync"
	"time"

	"github.com/storyforge/storyforge-security/internal/safego"
)

// Scheduler arms and cancels named one-shot timers. Scheduling under an id
// that is already armed replaces the pending timer, so callers get
// cancel-then-arm semantics from a single call.
type Scheduler interface {
	ScheduleAt(id string, at time.Time, fn func())
	Cancel(id string)
}

// TimerScheduler is the production Scheduler, backed by time.AfterFunc.
// Callbacks run on recovered goroutines so a panicking callback cannot kill
// the process.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler creates an empty scheduler
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// ScheduleAt arms fn to run at the given time, replacing any timer already
// armed under id. A time in the past fires immediately.
func (s *TimerScheduler) ScheduleAt(id string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[id]; ok {
		timer.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		safego.Go(fn)
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
	})
}

// Cancel stops the timer armed under id, if any
func (s *TimerScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}
