// Package sched schedules one-shot expiration firings, one per open bounty,
// keyed by bounty id. The scheduler holds no bounty data beyond the id and a
// fire time; cancellation is advisory and the fire handler's own state
// re-check is the authoritative guard against racing a settlement.
package sched

import (
	"sync"
	"time"
)

type Scheduler struct {
	Fire func(id int64)
	Now  func() time.Time

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func New(fire func(id int64)) *Scheduler {
	return &Scheduler{
		Fire:   fire,
		Now:    time.Now,
		timers: make(map[int64]*time.Timer),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Arm schedules a firing no earlier than at; a past deadline fires promptly.
// Re-arming an id replaces its pending timer.
func (s *Scheduler) Arm(id int64, at time.Time) {
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.Fire(id)
	})
}

// Cancel removes a pending firing; a no-op for unknown, already-fired or
// already-cancelled ids.
func (s *Scheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Armed reports whether a firing is still pending for id.
func (s *Scheduler) Armed(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop cancels every pending firing; used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
